package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestService(t *testing.T) (*Service, domain.Repository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "history-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lru := cache.NewLRUCache(100)
	t.Cleanup(func() { lru.Close() })

	return NewService(repo, lru), repo
}

func bill(id string, amount float64) *domain.Bill {
	return &domain.Bill{
		ID:          id,
		VendorName:  "Acme Inc",
		BillDate:    "2026-08-01",
		TotalAmount: amount,
		Currency:    "USD",
		ProcessedAt: time.Now().UTC(),
	}
}

func TestBillsEmpty(t *testing.T) {
	svc, _ := newTestService(t)

	bills, err := svc.Bills(context.Background())
	if err != nil {
		t.Fatalf("Bills: %v", err)
	}
	if len(bills) != 0 {
		t.Errorf("got %d bills from empty store", len(bills))
	}
}

func TestRecordThenBills(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Record(ctx, bill("b1", 100), nil); err != nil {
		t.Fatalf("Record: %v", err)
	}

	bills, err := svc.Bills(ctx)
	if err != nil {
		t.Fatalf("Bills: %v", err)
	}
	if len(bills) != 1 || bills[0].ID != "b1" {
		t.Errorf("bills = %+v", bills)
	}
}

func TestRecordInvalidatesCache(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Record(ctx, bill("b1", 100), nil); err != nil {
		t.Fatalf("Record b1: %v", err)
	}

	// Prime the cache.
	if _, err := svc.Bills(ctx); err != nil {
		t.Fatalf("Bills: %v", err)
	}

	if err := svc.Record(ctx, bill("b2", 200), nil); err != nil {
		t.Fatalf("Record b2: %v", err)
	}

	bills, err := svc.Bills(ctx)
	if err != nil {
		t.Fatalf("Bills: %v", err)
	}
	if len(bills) != 2 {
		t.Errorf("got %d bills after second record, want 2 (stale cache?)", len(bills))
	}
}

func TestSetPaymentStatus(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	if err := svc.Record(ctx, bill("b1", 100), nil); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if err := svc.SetPaymentStatus(ctx, "b1", domain.PaymentPaid); err != nil {
		t.Fatalf("SetPaymentStatus: %v", err)
	}

	got, _, err := repo.GetBill(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBill: %v", err)
	}
	if got.PaymentStatus != domain.PaymentPaid {
		t.Errorf("status = %q, want paid", got.PaymentStatus)
	}
}

func TestBillsWithoutCache(t *testing.T) {
	_, repo := newTestService(t)
	svc := NewService(repo, nil)
	ctx := context.Background()

	if err := svc.Record(ctx, bill("b1", 100), nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	bills, err := svc.Bills(ctx)
	if err != nil {
		t.Fatalf("Bills: %v", err)
	}
	if len(bills) != 1 {
		t.Errorf("got %d bills, want 1", len(bills))
	}
}
