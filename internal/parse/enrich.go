package parse

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Enrich stamps identity and processing metadata onto a parsed bill
// and normalizes its free-form fields in place.
func Enrich(bill *domain.Bill) {
	if bill.ID == "" {
		bill.ID = uuid.New().String()
	}
	bill.ProcessedAt = time.Now().UTC()

	bill.Currency = strings.ToUpper(strings.TrimSpace(bill.Currency))
	bill.Category = strings.ToLower(strings.TrimSpace(bill.Category))
	bill.PaymentStatus = strings.ToLower(strings.TrimSpace(bill.PaymentStatus))

	bill.BillDate = normalizeDate(bill.BillDate)
	bill.DueDate = normalizeDate(bill.DueDate)
}

// normalizeDate coerces common date shapes to YYYY-MM-DD. Values that
// match no known layout pass through untouched; downstream checks treat
// them as unparseable rather than failing the bill.
func normalizeDate(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}

	layouts := []string{
		"2006-01-02",
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006/01/02",
		"01/02/2006",
		"Jan 2, 2006",
		"2 Jan 2006",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return value
}
