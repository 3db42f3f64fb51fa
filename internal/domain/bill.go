package domain

import (
	"strings"
	"time"
)

// Bill represents a parsed bill or invoice to be screened.
// Bills are immutable inputs to the anomaly core; the core never mutates one.
type Bill struct {
	// Core identifiers
	ID string `json:"id"`

	// Vendor details
	VendorName    string `json:"vendorName"`
	VendorAddress string `json:"vendorAddress,omitempty"`

	// Dates in YYYY-MM-DD form; empty string means unknown
	BillDate string `json:"billDate,omitempty"`
	DueDate  string `json:"dueDate,omitempty"`

	InvoiceNumber string `json:"invoiceNumber,omitempty"`

	// Financial details
	TotalAmount    float64  `json:"totalAmount"`
	Subtotal       *float64 `json:"subtotal,omitempty"`
	TaxAmount      *float64 `json:"taxAmount,omitempty"`
	DiscountAmount *float64 `json:"discountAmount,omitempty"`
	Currency       string   `json:"currency"`

	// Classification
	Category string `json:"category"`

	LineItems []LineItem `json:"lineItems,omitempty"`

	PaymentStatus string `json:"paymentStatus,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty"`

	// Processing metadata
	ProcessedAt time.Time `json:"processedAt"`
	Source      string    `json:"source,omitempty"`
}

// LineItem is a single line on a bill.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	Total       float64 `json:"total"`
}

// Tax returns the tax amount with a missing value treated as zero.
func (b *Bill) Tax() float64 {
	if b.TaxAmount == nil {
		return 0
	}
	return *b.TaxAmount
}

// NormalizedVendor returns the vendor name trimmed and lowercased,
// the identity used for duplicate matching.
func (b *Bill) NormalizedVendor() string {
	return strings.ToLower(strings.TrimSpace(b.VendorName))
}

// Payment status values produced by the parser.
const (
	PaymentPaid    = "paid"
	PaymentUnpaid  = "unpaid"
	PaymentUnknown = "unknown"
)
