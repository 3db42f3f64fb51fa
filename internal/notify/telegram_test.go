package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBill() *domain.Bill {
	return &domain.Bill{
		ID:          "b1",
		VendorName:  "Acme Inc",
		TotalAmount: 1200.50,
		Category:    "utilities",
		DueDate:     "2026-09-15",
		Currency:    "USD",
	}
}

func testReport(score int) *domain.AnomalyReport {
	return &domain.AnomalyReport{
		ID:             "r1",
		BillID:         "b1",
		RiskScore:      score,
		Recommendation: domain.RecommendationFor(score),
		RuleViolations: []string{},
	}
}

func TestNotifySkipsWithoutCredentials(t *testing.T) {
	n := NewTelegram(domain.NotifyConfig{}, discardLogger())

	if err := n.Notify(context.Background(), testBill(), testReport(90)); err != nil {
		t.Errorf("unconfigured notifier should be a no-op, got %v", err)
	}
}

func TestNotifySendsMessage(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/bottest-token/") {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegram(domain.NotifyConfig{
		TelegramToken:  "test-token",
		TelegramChatID: "12345",
	}, discardLogger())
	n.apiBase = srv.URL

	t.Run("normal bill", func(t *testing.T) {
		if err := n.Notify(context.Background(), testBill(), testReport(20)); err != nil {
			t.Fatalf("Notify: %v", err)
		}
		if body["chat_id"] != "12345" || body["parse_mode"] != "HTML" {
			t.Errorf("payload = %+v", body)
		}
		if !strings.Contains(body["text"], "Bill Processed Successfully") {
			t.Errorf("text = %q, want success format", body["text"])
		}
	})

	t.Run("high risk bill", func(t *testing.T) {
		report := testReport(85)
		report.RuleViolations = []string{domain.ViolationHighAmount}
		if err := n.Notify(context.Background(), testBill(), report); err != nil {
			t.Fatalf("Notify: %v", err)
		}
		if !strings.Contains(body["text"], "HIGH RISK BILL DETECTED") {
			t.Errorf("text = %q, want alert format", body["text"])
		}
		if !strings.Contains(body["text"], domain.ViolationHighAmount) {
			t.Errorf("text = %q, want violations listed", body["text"])
		}
	})
}

func TestNotifyAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	n := NewTelegram(domain.NotifyConfig{
		TelegramToken:  "bad-token",
		TelegramChatID: "12345",
	}, discardLogger())
	n.apiBase = srv.URL

	if err := n.Notify(context.Background(), testBill(), testReport(20)); err == nil {
		t.Error("expected error from api failure")
	}
}

func TestSubscribe(t *testing.T) {
	var sent atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sent.Add(1)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegram(domain.NotifyConfig{
		TelegramToken:  "test-token",
		TelegramChatID: "12345",
	}, discardLogger())
	n.apiBase = srv.URL

	event := domain.BillCheckedEvent{Bill: testBill(), Report: testReport(20)}
	payload, _ := json.Marshal(event)

	_, err := n.Subscribe(context.Background(), busStub{payload: payload})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sent.Load() != 1 {
		t.Errorf("sent %d notifications, want 1", sent.Load())
	}
}

// busStub invokes the handler synchronously on subscribe, standing in
// for a real bus in tests.
type busStub struct {
	payload []byte
}

func (b busStub) Publish(ctx context.Context, topic string, payload []byte) error { return nil }

func (b busStub) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	err := handler(ctx, &domain.Message{Topic: topic, Payload: b.payload})
	return stubSub{topic: topic}, err
}

func (b busStub) Ping(ctx context.Context) error { return nil }
func (b busStub) Close() error                   { return nil }

type stubSub struct{ topic string }

func (s stubSub) Unsubscribe() error { return nil }
func (s stubSub) Topic() string      { return s.topic }
