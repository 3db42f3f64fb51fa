package domain

// RuleConfig defines a user-supplied screening rule evaluated after the
// built-in checks. The CEL expression must return a bool (or a number,
// where any non-zero value counts as a violation).
type RuleConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// Expression is the CEL source compiled by the rule engine.
	Expression string `json:"expression"`

	// Label is appended to the report's rule violations when the
	// expression triggers.
	Label string `json:"label"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// Labels for the fixed built-in rule set, in evaluation order.
const (
	ViolationHighAmount     = "Amount unusually high"
	ViolationTaxRatio       = "Tax exceeds 35% of total"
	ViolationOverdue        = "Bill is overdue"
	ViolationVendorMissing  = "Vendor name missing"
	ViolationInvalidAmount  = "Invalid amount"
	ViolationInvoiceMissing = "Missing invoice number"
)
