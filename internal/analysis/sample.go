package analysis

import (
	"math/rand"

	"github.com/vinylatlas/api/internal/model"
)

// Sample returns a uniformly random subset of exactly k items, drawn without
// replacement via a partial Fisher-Yates shuffle over a copy. If k is not a
// positive number smaller than the list, the original slice is returned
// unchanged. The rand source is injected so tests can seed it.
func Sample(items []model.CollectionItem, k int, rng *rand.Rand) []model.CollectionItem {
	if k <= 0 || k >= len(items) {
		return items
	}

	picked := make([]model.CollectionItem, len(items))
	copy(picked, items)
	for i := 0; i < k; i++ {
		j := i + rng.Intn(len(picked)-i)
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked[:k]
}
