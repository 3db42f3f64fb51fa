package domain

// BillCheckedEvent is published on TopicBillChecked (and TopicBillAlert
// for high-risk bills) after screening completes.
type BillCheckedEvent struct {
	Bill   *Bill          `json:"bill"`
	Report *AnomalyReport `json:"report"`
}

// BillIngestedEvent is published on TopicBillIngested when a parsed
// bill enters the async screening queue.
type BillIngestedEvent struct {
	Bill *Bill `json:"bill"`
}

// ModelTrainedEvent is published on TopicModelTrained after a retrain.
type ModelTrainedEvent struct {
	CorpusSize int   `json:"corpusSize"`
	Seed       int64 `json:"seed"`
}
