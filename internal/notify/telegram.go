// Package notify pushes screening outcomes to Telegram.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram sends bill notifications through the Bot API. With no
// credentials configured every send is a logged no-op, so wiring the
// notifier is always safe.
type Telegram struct {
	token   string
	chatID  string
	apiBase string
	client  *resty.Client
	logger  *slog.Logger
}

// NewTelegram creates a notifier from config.
func NewTelegram(cfg domain.NotifyConfig, logger *slog.Logger) *Telegram {
	client := resty.New()
	client.SetTimeout(10 * time.Second)

	return &Telegram{
		token:   cfg.TelegramToken,
		chatID:  cfg.TelegramChatID,
		apiBase: defaultAPIBase,
		client:  client,
		logger:  logger,
	}
}

// Subscribe attaches the notifier to the checked-bill topic.
func (t *Telegram) Subscribe(ctx context.Context, bus domain.EventBus) (domain.Subscription, error) {
	return bus.Subscribe(ctx, domain.TopicBillChecked, func(ctx context.Context, msg *domain.Message) error {
		var event domain.BillCheckedEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return fmt.Errorf("decode checked event: %w", err)
		}
		if event.Bill == nil || event.Report == nil {
			return nil
		}
		return t.Notify(ctx, event.Bill, event.Report)
	})
}

// Notify sends one message per screened bill: an alert format for
// high-risk bills, a summary format otherwise.
func (t *Telegram) Notify(ctx context.Context, bill *domain.Bill, report *domain.AnomalyReport) error {
	if t.token == "" || t.chatID == "" {
		t.logger.Debug("telegram credentials not configured, skipping notification")
		return nil
	}

	var text string
	if report.HighRisk() {
		text = formatHighRisk(bill, report)
	} else {
		text = formatNormal(bill, report)
	}

	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("telegram api status %d: %s", resp.StatusCode(), resp.String())
	}

	t.logger.Info("telegram notification sent",
		"bill_id", bill.ID,
		"risk_score", report.RiskScore)
	return nil
}

func formatHighRisk(bill *domain.Bill, report *domain.AnomalyReport) string {
	var b strings.Builder
	b.WriteString("⚠️ <b>HIGH RISK BILL DETECTED!</b>\n\n")
	fmt.Fprintf(&b, "🏪 <b>Vendor:</b> %s\n", vendorOrUnknown(bill))
	fmt.Fprintf(&b, "💰 <b>Amount:</b> $%.2f\n", bill.TotalAmount)
	fmt.Fprintf(&b, "⚠️ <b>Risk Score:</b> %d/100\n", report.RiskScore)
	fmt.Fprintf(&b, "📊 <b>Recommendation:</b> %s\n", report.Recommendation)

	if len(report.RuleViolations) > 0 {
		fmt.Fprintf(&b, "\n🚫 <b>Violations:</b> %s", strings.Join(report.RuleViolations, ", "))
	}
	return b.String()
}

func formatNormal(bill *domain.Bill, report *domain.AnomalyReport) string {
	dueDate := bill.DueDate
	if dueDate == "" {
		dueDate = "N/A"
	}

	var b strings.Builder
	b.WriteString("✅ <b>Bill Processed Successfully!</b>\n\n")
	fmt.Fprintf(&b, "🏪 <b>Vendor:</b> %s\n", vendorOrUnknown(bill))
	fmt.Fprintf(&b, "💰 <b>Amount:</b> $%.2f\n", bill.TotalAmount)
	fmt.Fprintf(&b, "📁 <b>Category:</b> %s\n", bill.Category)
	fmt.Fprintf(&b, "📅 <b>Due Date:</b> %s\n", dueDate)
	fmt.Fprintf(&b, "✓ <b>Risk Score:</b> %d/100", report.RiskScore)
	return b.String()
}

func vendorOrUnknown(bill *domain.Bill) string {
	if bill.VendorName == "" {
		return "Unknown"
	}
	return bill.VendorName
}
