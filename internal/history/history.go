// Package history feeds the screening pipeline with the stored bill
// corpus: model training input and the duplicate-scan comparison set.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// defaultTTL bounds staleness of the cached history list. Saves
// invalidate the cache, so the TTL only matters when another writer
// shares the database.
const defaultTTL = 5 * time.Minute

// Service serves the bill history, caching the full list between
// reads. History reads dominate the check path (every screening scans
// it for duplicates), so they go through the cache; writes go to the
// repository and drop the cached copy.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
}

// NewService creates a new history service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		ttl:   defaultTTL,
	}
}

// Bills returns all stored bills, most recent first. Cache errors fall
// through to the repository.
func (s *Service) Bills(ctx context.Context) ([]*domain.Bill, error) {
	if s.cache != nil {
		if bills, err := s.cache.GetBills(ctx, domain.CacheKeyHistory); err == nil && bills != nil {
			return bills, nil
		}
	}

	bills, err := s.repo.ListBills(ctx)
	if err != nil {
		return nil, fmt.Errorf("load bill history: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.SetBills(ctx, domain.CacheKeyHistory, bills, s.ttl)
	}

	return bills, nil
}

// Record persists a bill with its report and invalidates the cached
// history and summary.
func (s *Service) Record(ctx context.Context, bill *domain.Bill, report *domain.AnomalyReport) error {
	if err := s.repo.SaveBill(ctx, bill, report); err != nil {
		return fmt.Errorf("save bill: %w", err)
	}

	s.invalidate(ctx)
	return nil
}

// SetPaymentStatus updates a bill's payment status and invalidates the
// cached history.
func (s *Service) SetPaymentStatus(ctx context.Context, billID, status string) error {
	if err := s.repo.UpdatePaymentStatus(ctx, billID, status); err != nil {
		return err
	}

	s.invalidate(ctx)
	return nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Delete(ctx, domain.CacheKeyHistory)
	_ = s.cache.Delete(ctx, domain.CacheKeySummary)
}
