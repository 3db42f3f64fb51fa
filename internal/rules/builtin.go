// Package rules provides the built-in bill screening checks and the
// CEL-Go engine for operator-defined screening rules.
package rules

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// dueDateLayout is the expected due date format on incoming bills.
const dueDateLayout = "2006-01-02"

// EvaluateBuiltin runs the fixed screening checks against a bill and
// returns the violation labels in check order. Checks are independent:
// one bill can violate several at once.
func EvaluateBuiltin(b *domain.Bill, now time.Time) []string {
	var violations []string

	if b.TotalAmount > 50000 {
		violations = append(violations, domain.ViolationHighAmount)
	}

	if b.TotalAmount > 0 && b.Tax() > b.TotalAmount*0.35 {
		violations = append(violations, domain.ViolationTaxRatio)
	}

	// An unparseable due date skips the overdue check rather than
	// failing the whole evaluation. The due date parses to midnight, so
	// a bill due today counts as overdue once the day has started.
	if b.DueDate != "" {
		if due, err := time.Parse(dueDateLayout, b.DueDate); err == nil {
			if due.Before(now) {
				violations = append(violations, domain.ViolationOverdue)
			}
		}
	}

	if b.NormalizedVendor() == "" {
		violations = append(violations, domain.ViolationVendorMissing)
	}

	if b.TotalAmount <= 0 {
		violations = append(violations, domain.ViolationInvalidAmount)
	}

	if b.InvoiceNumber == "" {
		violations = append(violations, domain.ViolationInvoiceMissing)
	}

	return violations
}
