package anomaly

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/modelstore"
)

func newFileStore(t *testing.T) (*modelstore.FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := modelstore.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return store, dir
}

func TestRestoreFromSnapshot(t *testing.T) {
	store, _ := newFileStore(t)
	cfg := domain.AnomalyConfig{Contamination: 0.10, Estimators: 100, Seed: 42}

	trained := NewDetector(cfg, store, discardLogger())
	bills := make([]*domain.Bill, 0, 40)
	for i := 0; i < 40; i++ {
		bills = append(bills, testBill("Acme Inc", 100+float64(i%10)*20, "2026-08-01"))
	}
	if err := trained.Train(bills); err != nil {
		t.Fatalf("train: %v", err)
	}

	probe := testBill("Acme Inc", 99999, "2026-08-01")
	wantAnomaly, wantConf := trained.Predict(probe)

	restored := NewDetector(cfg, store, discardLogger())
	if err := restored.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.Fitted() {
		t.Fatal("expected fitted detector after restore")
	}

	gotAnomaly, gotConf := restored.Predict(probe)
	if gotAnomaly != wantAnomaly || gotConf != wantConf {
		t.Errorf("restored prediction (%v, %f), want (%v, %f)", gotAnomaly, gotConf, wantAnomaly, wantConf)
	}
}

func TestRestoreRefitsFromCorpus(t *testing.T) {
	store, dir := newFileStore(t)
	cfg := domain.AnomalyConfig{Contamination: 0.10, Estimators: 100, Seed: 42}

	trained := NewDetector(cfg, store, discardLogger())
	bills := make([]*domain.Bill, 0, 40)
	for i := 0; i < 40; i++ {
		bills = append(bills, testBill("Acme Inc", 100+float64(i%10)*20, "2026-08-01"))
	}
	if err := trained.Train(bills); err != nil {
		t.Fatalf("train: %v", err)
	}

	// Simulate a lost model artifact: only the corpus CSV remains.
	if err := os.Remove(filepath.Join(dir, "model.json")); err != nil {
		t.Fatalf("remove model artifact: %v", err)
	}

	restored := NewDetector(cfg, store, discardLogger())
	if err := restored.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.Fitted() {
		t.Fatal("expected refit from persisted corpus")
	}

	if anomaly, _ := restored.Predict(testBill("Acme Inc", 99999, "2026-08-01")); !anomaly {
		t.Error("refit model should flag an extreme outlier")
	}
}

func TestRestoreWithoutArtifacts(t *testing.T) {
	store, _ := newFileStore(t)

	d := NewDetector(domain.AnomalyConfig{Seed: 42}, store, discardLogger())
	if err := d.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if d.Fitted() {
		t.Error("expected unfitted detector with no artifacts")
	}
}
