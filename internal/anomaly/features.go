// Package anomaly houses the bill screening pipeline: feature
// extraction, the trained outlier model, duplicate detection, and the
// risk aggregator that combines them into a single report.
package anomaly

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/forest"
)

// ExtractFeatures maps a bill to its model feature vector: total
// amount and tax amount. A nil tax reads as zero.
func ExtractFeatures(b *domain.Bill) forest.Vector {
	return forest.Vector{b.TotalAmount, b.Tax()}
}

// ExtractCorpus maps a bill history to training vectors.
func ExtractCorpus(bills []*domain.Bill) []forest.Vector {
	vectors := make([]forest.Vector, len(bills))
	for i, b := range bills {
		vectors[i] = ExtractFeatures(b)
	}
	return vectors
}
