package rules

import (
	"reflect"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func fptr(v float64) *float64 { return &v }

func cleanBill() *domain.Bill {
	return &domain.Bill{
		ID:            "bill-1",
		VendorName:    "Acme Inc",
		InvoiceNumber: "INV-100",
		BillDate:      "2026-08-01",
		DueDate:       "2026-12-01",
		TotalAmount:   1200,
		TaxAmount:     fptr(96),
		Currency:      "USD",
		PaymentStatus: domain.PaymentUnpaid,
	}
}

func TestEvaluateBuiltin(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(*domain.Bill)
		want   []string
	}{
		{
			name:   "clean bill",
			mutate: func(b *domain.Bill) {},
			want:   nil,
		},
		{
			name:   "high amount",
			mutate: func(b *domain.Bill) { b.TotalAmount = 50001 },
			want:   []string{domain.ViolationHighAmount},
		},
		{
			name:   "amount at threshold passes",
			mutate: func(b *domain.Bill) { b.TotalAmount = 50000 },
			want:   nil,
		},
		{
			name:   "excessive tax",
			mutate: func(b *domain.Bill) { b.TaxAmount = fptr(500) },
			want:   []string{domain.ViolationTaxRatio},
		},
		{
			name:   "tax at 35 percent passes",
			mutate: func(b *domain.Bill) { b.TaxAmount = fptr(420) },
			want:   nil,
		},
		{
			name:   "overdue",
			mutate: func(b *domain.Bill) { b.DueDate = "2026-08-01" },
			want:   []string{domain.ViolationOverdue},
		},
		{
			name: "overdue even when paid",
			mutate: func(b *domain.Bill) {
				b.DueDate = "2026-08-01"
				b.PaymentStatus = domain.PaymentPaid
			},
			want: []string{domain.ViolationOverdue},
		},
		{
			name:   "due today is overdue by midday",
			mutate: func(b *domain.Bill) { b.DueDate = "2026-08-29" },
			want:   []string{domain.ViolationOverdue},
		},
		{
			name:   "unparseable due date skips overdue check",
			mutate: func(b *domain.Bill) { b.DueDate = "next tuesday" },
			want:   nil,
		},
		{
			name:   "missing vendor",
			mutate: func(b *domain.Bill) { b.VendorName = "   " },
			want:   []string{domain.ViolationVendorMissing},
		},
		{
			name:   "zero amount",
			mutate: func(b *domain.Bill) { b.TotalAmount = 0 },
			want:   []string{domain.ViolationInvalidAmount},
		},
		{
			name:   "negative amount",
			mutate: func(b *domain.Bill) { b.TotalAmount = -50 },
			want:   []string{domain.ViolationInvalidAmount},
		},
		{
			name:   "missing invoice number",
			mutate: func(b *domain.Bill) { b.InvoiceNumber = "" },
			want:   []string{domain.ViolationInvoiceMissing},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := cleanBill()
			tt.mutate(b)
			got := EvaluateBuiltin(b, now)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("violations = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateBuiltinMultiple(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	b := cleanBill()
	b.VendorName = ""
	b.TotalAmount = -1
	b.InvoiceNumber = ""

	got := EvaluateBuiltin(b, now)
	want := []string{
		domain.ViolationVendorMissing,
		domain.ViolationInvalidAmount,
		domain.ViolationInvoiceMissing,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("violations = %v, want %v in check order", got, want)
	}
}
