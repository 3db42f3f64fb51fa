package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fptr(v float64) *float64 { return &v }

func ingestBill(id, vendor string, amount float64) *domain.Bill {
	return &domain.Bill{
		ID:            id,
		VendorName:    vendor,
		InvoiceNumber: "INV-" + id,
		BillDate:      "2026-08-01",
		DueDate:       "2099-01-01",
		TotalAmount:   amount,
		TaxAmount:     fptr(amount * 0.08),
		Currency:      "USD",
		PaymentStatus: domain.PaymentUnpaid,
		ProcessedAt:   time.Now().UTC(),
	}
}

func newTestWorker(t *testing.T, eventBus domain.EventBus) (*Worker, *history.Service, domain.Repository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "worker-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	hist := history.NewService(repo, nil)

	detector := anomaly.NewDetector(domain.AnomalyConfig{Contamination: 0.10, Estimators: 100, Seed: 42}, nil, discardLogger())
	corpus := make([]*domain.Bill, 0, 40)
	for i := 0; i < 40; i++ {
		corpus = append(corpus, ingestBill("", "Acme Inc", 100+float64(i%10)*20))
	}
	if err := detector.Train(corpus); err != nil {
		t.Fatalf("train: %v", err)
	}

	checker := anomaly.NewChecker(detector, nil, discardLogger())
	return NewWorker(eventBus, checker, hist, discardLogger()), hist, repo
}

func publishIngested(t *testing.T, eventBus domain.EventBus, b *domain.Bill) {
	t.Helper()
	payload, _ := json.Marshal(domain.BillIngestedEvent{Bill: b})
	if err := eventBus.Publish(context.Background(), domain.TopicBillIngested, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestWorkerStartStop(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w, _, _ := newTestWorker(t, eventBus)

	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if len(w.subscriptions) != 0 {
		t.Errorf("expected 0 subscriptions after stop, got %d", len(w.subscriptions))
	}
}

func TestWorkerScreensBill(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w, hist, _ := newTestWorker(t, eventBus)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	var checkedReceived atomic.Bool
	var checkedPayload atomic.Pointer[[]byte]
	eventBus.Subscribe(context.Background(), domain.TopicBillChecked, func(ctx context.Context, msg *domain.Message) error {
		p := msg.Payload
		checkedPayload.Store(&p)
		checkedReceived.Store(true)
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	publishIngested(t, eventBus, ingestBill("bill-001", "Acme Inc", 150))

	deadline := time.After(2 * time.Second)
	for !checkedReceived.Load() {
		select {
		case <-deadline:
			t.Fatal("expected screening result to be published")
		case <-time.After(10 * time.Millisecond):
		}
	}

	var event domain.BillCheckedEvent
	if err := json.Unmarshal(*checkedPayload.Load(), &event); err != nil {
		t.Fatalf("failed to parse checked event: %v", err)
	}
	if event.Bill == nil || event.Bill.ID != "bill-001" {
		t.Fatalf("unexpected bill in event: %+v", event.Bill)
	}
	if event.Report == nil || event.Report.BillID != "bill-001" {
		t.Fatalf("unexpected report in event: %+v", event.Report)
	}
	if event.Report.Recommendation != domain.RecommendApprove {
		t.Errorf("in-cluster bill recommended %q, want approve", event.Report.Recommendation)
	}

	// The result is persisted for future duplicate checks.
	bills, err := hist.Bills(context.Background())
	if err != nil {
		t.Fatalf("history load: %v", err)
	}
	if len(bills) != 1 || bills[0].ID != "bill-001" {
		t.Errorf("expected persisted bill-001, got %d bills", len(bills))
	}
}

func TestWorkerPublishesAlert(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w, _, _ := newTestWorker(t, eventBus)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	var alertReceived atomic.Bool
	eventBus.Subscribe(context.Background(), domain.TopicBillAlert, func(ctx context.Context, msg *domain.Message) error {
		alertReceived.Store(true)
		return nil
	})

	time.Sleep(50 * time.Millisecond)

	// Far outside the trained cluster, over the amount limit, and due in
	// the past: anomaly plus rule violations pushes into the reject band.
	b := ingestBill("bill-alert", "Acme Inc", 100000)
	b.DueDate = "2020-01-01"
	publishIngested(t, eventBus, b)

	deadline := time.After(2 * time.Second)
	for !alertReceived.Load() {
		select {
		case <-deadline:
			t.Fatal("expected alert to be published for high-risk bill")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkerRejectsMalformedPayload(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w, _, _ := newTestWorker(t, eventBus)

	msg := &domain.Message{ID: "msg-1", Payload: []byte("{not json")}
	if err := w.handleMessage(context.Background(), msg); err == nil {
		t.Error("expected error for malformed payload")
	}

	empty, _ := json.Marshal(domain.BillIngestedEvent{})
	msg = &domain.Message{ID: "msg-2", Payload: empty}
	if err := w.handleMessage(context.Background(), msg); err != nil {
		t.Errorf("nil bill should be dropped without error, got %v", err)
	}
}

func TestWorkerDuplicateDetection(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w, _, repo := newTestWorker(t, eventBus)

	first := ingestBill("bill-a", "Acme Inc", 150)
	payload, _ := json.Marshal(domain.BillIngestedEvent{Bill: first})
	if err := w.handleMessage(context.Background(), &domain.Message{ID: "m1", Payload: payload}); err != nil {
		t.Fatalf("first bill: %v", err)
	}

	second := ingestBill("bill-b", "Acme Inc", 150)
	payload, _ = json.Marshal(domain.BillIngestedEvent{Bill: second})
	if err := w.handleMessage(context.Background(), &domain.Message{ID: "m2", Payload: payload}); err != nil {
		t.Fatalf("second bill: %v", err)
	}

	_, report, err := repo.GetBill(context.Background(), "bill-b")
	if err != nil {
		t.Fatalf("get bill-b: %v", err)
	}
	if report == nil {
		t.Fatal("expected a saved report for bill-b")
	}
	if !report.IsDuplicate {
		t.Error("expected bill-b to be flagged as duplicate")
	}
	if report.RiskScore < 30 {
		t.Errorf("duplicate scored %d, want >= 30", report.RiskScore)
	}

	if _, _, err := repo.GetBill(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
