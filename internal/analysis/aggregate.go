package analysis

import (
	"fmt"
	"sort"

	"github.com/vinylatlas/api/internal/model"
)

// Aggregate accumulates the two derived views of a run: the per-country item
// tally and the per-(label, country) release rows. Counting is commutative,
// so the final state depends only on which items were added, not their order.
type Aggregate struct {
	countryCounts map[string]int
	rows          map[string]*model.LabelRow
	rowOrder      []string
}

// NewAggregate returns an empty accumulator.
func NewAggregate() *Aggregate {
	return &Aggregate{
		countryCounts: make(map[string]int),
		rows:          make(map[string]*model.LabelRow),
	}
}

// Restore rebuilds an accumulator from checkpointed state so a resumed run
// continues counting where the previous invocation stopped.
func Restore(cp *model.Checkpoint) *Aggregate {
	a := NewAggregate()
	for country, n := range cp.CountryCounts {
		a.countryCounts[country] = n
	}
	for key, row := range cp.Rows {
		copied := *row
		a.rows[key] = &copied
	}
	a.rowOrder = append(a.rowOrder, cp.RowOrder...)
	return a
}

// RowKey builds the dedup key for a (label, country) pair.
func RowKey(labelID int64, country string) string {
	return fmt.Sprintf("%d::%s", labelID, country)
}

// Add counts one item. The country tally always gains exactly one unit per
// item; the label rows fan out to every attribution in allLabels mode and
// only the first-listed label otherwise. An item without labels still counts
// toward its country but produces no row.
func (a *Aggregate) Add(country string, labels []model.LabelRef, allLabels bool) {
	a.countryCounts[country]++

	attributed := labels
	if !allLabels && len(labels) > 1 {
		attributed = labels[:1]
	}
	for _, label := range attributed {
		key := RowKey(label.ID, country)
		if row, ok := a.rows[key]; ok {
			row.ReleaseCount++
			continue
		}
		a.rows[key] = &model.LabelRow{
			Key:          key,
			LabelID:      label.ID,
			LabelName:    label.Name,
			Country:      country,
			ReleaseCount: 1,
		}
		a.rowOrder = append(a.rowOrder, key)
	}
}

// CountryCounts returns a copy of the running tally.
func (a *Aggregate) CountryCounts() map[string]int {
	counts := make(map[string]int, len(a.countryCounts))
	for country, n := range a.countryCounts {
		counts[country] = n
	}
	return counts
}

// Snapshot writes the running state into a checkpoint for persistence.
func (a *Aggregate) Snapshot(cp *model.Checkpoint) {
	cp.CountryCounts = a.CountryCounts()
	cp.Rows = make(map[string]*model.LabelRow, len(a.rows))
	for key, row := range a.rows {
		copied := *row
		cp.Rows[key] = &copied
	}
	cp.RowOrder = append([]string(nil), a.rowOrder...)
}

// SortedRows returns the label rows ordered by release count descending,
// with insertion order as the stable tie-break.
func (a *Aggregate) SortedRows() []model.LabelRow {
	rows := make([]model.LabelRow, 0, len(a.rowOrder))
	for _, key := range a.rowOrder {
		rows = append(rows, *a.rows[key])
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].ReleaseCount > rows[j].ReleaseCount
	})
	return rows
}
