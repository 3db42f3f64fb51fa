package forest

import (
	"fmt"
	"time"
)

// SnapshotVersion identifies the model artifact schema.
const SnapshotVersion = 1

// Snapshot is the serializable form of a trained forest. The artifact
// is self-describing: everything needed to score a vector (trees,
// threshold, normalization constant inputs) is carried in the payload.
type Snapshot struct {
	Version       int       `json:"version"`
	Seed          int64     `json:"seed"`
	Contamination float64   `json:"contamination"`
	Estimators    int       `json:"estimators"`
	SampleSize    int       `json:"sampleSize"`
	Threshold     float64   `json:"threshold"`
	FittedAt      time.Time `json:"fittedAt"`
	Trees         []Tree    `json:"trees"`
}

// Snapshot captures the forest for persistence.
func (f *Forest) Snapshot() *Snapshot {
	return &Snapshot{
		Version:       SnapshotVersion,
		Seed:          f.opts.Seed,
		Contamination: f.opts.Contamination,
		Estimators:    len(f.trees),
		SampleSize:    f.sampleSize,
		Threshold:     f.threshold,
		FittedAt:      f.fittedAt,
		Trees:         f.trees,
	}
}

// FromSnapshot restores a forest from a persisted artifact.
func FromSnapshot(s *Snapshot) (*Forest, error) {
	if s == nil {
		return nil, fmt.Errorf("nil snapshot")
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("unsupported model version %d", s.Version)
	}
	if len(s.Trees) == 0 {
		return nil, fmt.Errorf("snapshot has no trees")
	}
	if s.SampleSize < 1 {
		return nil, fmt.Errorf("invalid sample size %d", s.SampleSize)
	}
	return &Forest{
		trees:      s.Trees,
		threshold:  s.Threshold,
		sampleSize: s.SampleSize,
		opts: Options{
			Contamination: s.Contamination,
			Estimators:    s.Estimators,
			Seed:          s.Seed,
		},
		fittedAt: s.FittedAt,
	}, nil
}
