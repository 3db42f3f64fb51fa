package anomaly

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// IsDuplicate reports whether the bill exactly matches any prior bill
// in the history on normalized vendor, total amount, and bill date.
// Bills missing a vendor or a bill date never match; amounts and raw
// date strings are compared exactly, so near-duplicates pass. A history
// entry carrying the bill's own ID is not a match, so a re-screen of an
// already stored bill does not flag itself.
func IsDuplicate(b *domain.Bill, history []*domain.Bill) bool {
	vendor := b.NormalizedVendor()
	if vendor == "" || b.BillDate == "" {
		return false
	}

	for _, prior := range history {
		if prior.ID != "" && prior.ID == b.ID {
			continue
		}
		if prior.NormalizedVendor() == vendor &&
			prior.TotalAmount == b.TotalAmount &&
			prior.BillDate == b.BillDate {
			return true
		}
	}
	return false
}
