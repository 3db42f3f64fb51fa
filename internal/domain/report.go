package domain

import (
	"time"
)

// AnomalyReport is the complete screening result for a single bill.
// A report is produced fresh per check and never mutated afterwards.
type AnomalyReport struct {
	ID     string `json:"id"`
	BillID string `json:"billId,omitempty"`

	IsAnomaly      bool     `json:"isAnomaly"`
	IsDuplicate    bool     `json:"isDuplicate"`
	RuleViolations []string `json:"ruleViolations"`

	// RiskScore is bounded to [0, 100].
	RiskScore int `json:"riskScore"`

	// Recommendation is one of approve, review, reject.
	Recommendation string `json:"recommendation"`

	// MLConfidence is bounded to [0, 100]. Zero when no model is fitted.
	MLConfidence float64 `json:"mlConfidence"`

	Timestamp time.Time `json:"timestamp"`

	// Processing metadata
	Metadata ReportMetadata `json:"metadata"`
}

// ReportMetadata contains processing information for a report.
type ReportMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	MLMs          int64  `json:"mlMs"`
	RulesMs       int64  `json:"rulesMs"`
	DuplicateMs   int64  `json:"duplicateMs"`
	TotalMs       int64  `json:"totalMs"`
	HistorySize   int    `json:"historySize"`
	EngineVersion string `json:"engineVersion"`
}

// Recommendation values, derived from the risk score.
const (
	RecommendApprove = "approve"
	RecommendReview  = "review"
	RecommendReject  = "reject"
)

// Risk score thresholds for recommendations and alerting.
const (
	ReviewThreshold = 30
	RejectThreshold = 70
)

// RecommendationFor maps a clamped risk score to a recommendation.
func RecommendationFor(score int) string {
	switch {
	case score < ReviewThreshold:
		return RecommendApprove
	case score < RejectThreshold:
		return RecommendReview
	default:
		return RecommendReject
	}
}

// HighRisk reports whether the score falls in the reject band.
func (r *AnomalyReport) HighRisk() bool {
	return r.RiskScore >= RejectThreshold
}

// Summary holds aggregate statistics over all stored bills.
type Summary struct {
	TotalAmount  float64            `json:"totalAmount"`
	TotalBills   int                `json:"totalBills"`
	AnomalyCount int                `json:"anomalyCount"`
	ByCategory   map[string]float64 `json:"byCategory"`
	Monthly      map[string]float64 `json:"monthly"`
	TopCategory  string             `json:"topCategory"`
}
