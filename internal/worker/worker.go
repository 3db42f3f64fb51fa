// Package worker provides async bill screening off the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/anomaly"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
)

// Worker consumes ingested bills, screens them, and publishes results.
type Worker struct {
	bus     domain.EventBus
	checker *anomaly.Checker
	history *history.Service
	logger  *slog.Logger

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a screening worker. The history service is used both
// to load the duplicate-detection window and to persist results.
func NewWorker(bus domain.EventBus, checker *anomaly.Checker, hist *history.Service, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		checker: checker,
		history: hist,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicBillIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("worker started", "topic", domain.TopicBillIngested)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var event domain.BillIngestedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		w.logger.Error("failed to parse ingested bill message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if event.Bill == nil {
		w.logger.Error("ingested bill message has no bill", "message_id", msg.ID)
		return nil
	}
	bill := event.Bill

	w.logger.Debug("screening bill",
		"bill_id", bill.ID,
		"vendor", bill.VendorName,
	)

	// History feeds duplicate detection; a load failure degrades to an
	// empty window rather than dropping the bill.
	bills, err := w.history.Bills(ctx)
	if err != nil {
		w.logger.Error("failed to load bill history",
			"bill_id", bill.ID,
			"error", err,
		)
		bills = nil
	}

	report := w.checker.FullCheck(ctx, bill, bills)

	if err := w.history.Record(ctx, bill, report); err != nil {
		w.logger.Error("failed to save screening result",
			"bill_id", bill.ID,
			"error", err,
		)
	}

	payload, _ := json.Marshal(domain.BillCheckedEvent{Bill: bill, Report: report})
	if err := w.bus.Publish(ctx, domain.TopicBillChecked, payload); err != nil {
		w.logger.Error("failed to publish screening result",
			"bill_id", bill.ID,
			"error", err,
		)
	}

	if report.HighRisk() {
		if err := w.bus.Publish(ctx, domain.TopicBillAlert, payload); err != nil {
			w.logger.Error("failed to publish alert",
				"bill_id", bill.ID,
				"error", err,
			)
		}
	}

	w.logger.Info("bill screened",
		"bill_id", bill.ID,
		"risk_score", report.RiskScore,
		"recommendation", report.Recommendation,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.logger.Info("worker stopped")
	return nil
}
