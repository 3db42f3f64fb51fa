package anomaly

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/forest"
)

// Store persists trained model artifacts and their training corpus.
type Store interface {
	SaveModel(snap *forest.Snapshot) error
	LoadModel() (*forest.Snapshot, error)
	SaveCorpus(vectors []forest.Vector) error
	LoadCorpus() ([]forest.Vector, error)
	CorpusSize() (int, error)
}

// ModelInfo describes the currently loaded model for introspection.
type ModelInfo struct {
	Fitted        bool      `json:"fitted"`
	Version       int       `json:"version,omitempty"`
	Estimators    int       `json:"estimators,omitempty"`
	SampleSize    int       `json:"sampleSize,omitempty"`
	Threshold     float64   `json:"threshold,omitempty"`
	Contamination float64   `json:"contamination,omitempty"`
	Seed          int64     `json:"seed,omitempty"`
	FittedAt      time.Time `json:"fittedAt,omitempty"`
	CorpusSize    int       `json:"corpusSize"`
}

// Detector owns the outlier model. Reads (Predict) take the read lock
// on the model handle; Train builds a replacement offline and swaps the
// pointer under the write lock, so predictions always see either the
// old model or the new one, never a half-built state.
type Detector struct {
	mu    sync.RWMutex
	model *forest.Forest

	// trainMu serializes trainers; concurrent Train calls queue up
	// rather than racing on the store.
	trainMu sync.Mutex

	opts   forest.Options
	store  Store
	logger *slog.Logger
}

// NewDetector creates a detector with no fitted model. Until Train or
// Restore succeeds, every prediction reports non-anomalous.
func NewDetector(cfg domain.AnomalyConfig, store Store, logger *slog.Logger) *Detector {
	opts := forest.DefaultOptions(cfg.Seed)
	if cfg.Contamination > 0 && cfg.Contamination < 1 {
		opts.Contamination = cfg.Contamination
	}
	if cfg.Estimators > 0 {
		opts.Estimators = cfg.Estimators
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		opts:   opts,
		store:  store,
		logger: logger,
	}
}

// Restore loads a previously persisted model, if any. A missing or
// unreadable artifact leaves the detector unfitted; screening degrades
// to rules and duplicates only.
func (d *Detector) Restore() error {
	if d.store == nil {
		return nil
	}

	snap, err := d.store.LoadModel()
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	if snap == nil {
		return d.refitFromCorpus()
	}

	model, err := forest.FromSnapshot(snap)
	if err != nil {
		return fmt.Errorf("restore model: %w", err)
	}

	d.mu.Lock()
	d.model = model
	d.mu.Unlock()

	d.logger.Info("model restored",
		"estimators", model.Estimators(),
		"sample_size", model.SampleSize(),
		"threshold", model.Threshold())
	return nil
}

// refitFromCorpus rebuilds the model from the persisted training
// vectors when no model artifact exists, e.g. after a snapshot format
// bump left the old artifact behind.
func (d *Detector) refitFromCorpus() error {
	vectors, err := d.store.LoadCorpus()
	if err != nil {
		return fmt.Errorf("load corpus: %w", err)
	}
	if len(vectors) == 0 {
		return nil
	}

	model, err := forest.Fit(vectors, d.opts)
	if err != nil {
		return fmt.Errorf("refit from corpus: %w", err)
	}

	d.mu.Lock()
	d.model = model
	d.mu.Unlock()

	d.logger.Info("model refit from persisted corpus",
		"corpus_size", len(vectors),
		"threshold", model.Threshold())

	if err := d.store.SaveModel(model.Snapshot()); err != nil {
		d.logger.Warn("model persist failed", "error", err)
	}
	return nil
}

// Train fits a fresh model on the bill history and swaps it in. An
// empty history is a no-op: the existing model, if any, stays active.
func (d *Detector) Train(bills []*domain.Bill) error {
	if len(bills) == 0 {
		return nil
	}

	d.trainMu.Lock()
	defer d.trainMu.Unlock()

	vectors := ExtractCorpus(bills)

	start := time.Now()
	model, err := forest.Fit(vectors, d.opts)
	if err != nil {
		return fmt.Errorf("fit model: %w", err)
	}

	d.mu.Lock()
	d.model = model
	d.mu.Unlock()

	d.logger.Info("model trained",
		"corpus_size", len(vectors),
		"estimators", model.Estimators(),
		"threshold", model.Threshold(),
		"duration_ms", time.Since(start).Milliseconds())

	// Persistence is best effort: a failed write never rolls back the
	// in-memory swap.
	if d.store != nil {
		if err := d.store.SaveModel(model.Snapshot()); err != nil {
			d.logger.Warn("model persist failed", "error", err)
		}
		if err := d.store.SaveCorpus(vectors); err != nil {
			d.logger.Warn("corpus persist failed", "error", err)
		}
	}

	return nil
}

// Fitted reports whether a model is currently loaded.
func (d *Detector) Fitted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.model != nil
}

// Predict scores a bill against the current model. With no fitted
// model it reports (false, 0): an unfitted detector never blocks a
// bill on its own.
func (d *Detector) Predict(b *domain.Bill) (bool, float64) {
	d.mu.RLock()
	model := d.model
	d.mu.RUnlock()

	if model == nil {
		return false, 0
	}

	v := ExtractFeatures(b)
	score := model.Score(v)
	anomalous := score >= model.Threshold()

	return anomalous, confidence(score)
}

// confidence maps an anomaly score to [0, 100]. Scores near 0.5 are
// ambiguous (low confidence); scores near 0 or 1 are clear-cut.
func confidence(score float64) float64 {
	c := 200 * abs(score-0.5)
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Info describes the detector's current model state.
func (d *Detector) Info() ModelInfo {
	d.mu.RLock()
	model := d.model
	d.mu.RUnlock()

	info := ModelInfo{}
	if d.store != nil {
		if n, err := d.store.CorpusSize(); err == nil {
			info.CorpusSize = n
		}
	}
	if model == nil {
		return info
	}

	snap := model.Snapshot()
	info.Fitted = true
	info.Version = snap.Version
	info.Estimators = snap.Estimators
	info.SampleSize = snap.SampleSize
	info.Threshold = snap.Threshold
	info.Contamination = snap.Contamination
	info.Seed = snap.Seed
	info.FittedAt = snap.FittedAt
	return info
}
