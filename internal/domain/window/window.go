// Package window keeps the bounded, time-ordered set of recent passes for a cell.
package window

import (
	"cmp"
	"slices"

	"github.com/okian/roughmap/internal/domain/model"
)

// DefaultCapacity is the number of recent passes kept per cell.
const DefaultCapacity = 50

// Window is a sorted vector capped at a fixed capacity. Entries are unique by
// pass id and ordered by timestamp ascending, ties broken by pass id.
// Not safe for concurrent use.
type Window struct {
	capacity int
	entries  []model.RecentSample
}

// New builds a window from already-normalized entries. Entries beyond
// capacity are evicted oldest first.
func New(capacity int, entries []model.RecentSample) *Window {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	w := &Window{
		capacity: capacity,
		entries:  make([]model.RecentSample, 0, min(len(entries), capacity)+1),
	}
	w.entries = append(w.entries, entries...)
	slices.SortFunc(w.entries, compare)
	w.evict()
	return w
}

// Normalize validates stored entries: it drops entries without a pass id or
// with a non-finite roughness, defaults the sample count, keeps the last
// entry seen for each id and sorts the result.
func Normalize(raw []model.RecentSample) []model.RecentSample {
	byID := make(map[string]int, len(raw))
	out := make([]model.RecentSample, 0, len(raw))
	for _, e := range raw {
		if e.PassID == "" || !model.IsFinite(e.Roughness) {
			continue
		}
		e.SampleCount = model.NormalizeSampleCount(e.SampleCount)
		if i, ok := byID[e.PassID]; ok {
			out[i] = e
			continue
		}
		byID[e.PassID] = len(out)
		out = append(out, e)
	}
	slices.SortFunc(out, compare)
	return out
}

// Contains reports whether a pass id is in the window.
func (w *Window) Contains(passID string) bool {
	return w.index(passID) >= 0
}

// Insert replaces any entry with the same id, places e at its sorted
// position and evicts the oldest entries beyond capacity.
func (w *Window) Insert(e model.RecentSample) {
	if i := w.index(e.PassID); i >= 0 {
		w.entries = slices.Delete(w.entries, i, i+1)
	}
	pos, _ := slices.BinarySearchFunc(w.entries, e, compare)
	w.entries = slices.Insert(w.entries, pos, e)
	w.evict()
}

// Entries returns a copy of the window in ascending order.
func (w *Window) Entries() []model.RecentSample {
	return slices.Clone(w.entries)
}

// Len returns the number of entries.
func (w *Window) Len() int {
	return len(w.entries)
}

// WeightedMean returns Σ(r·s)/Σ(s) and Σ(s). When the weight sum is zero the
// fallback is returned as the mean.
func (w *Window) WeightedMean(fallback float64) (float64, int) {
	var sum float64
	var weight int
	for _, e := range w.entries {
		sum += e.Roughness * float64(e.SampleCount)
		weight += e.SampleCount
	}
	if weight == 0 {
		return fallback, 0
	}
	return sum / float64(weight), weight
}

// Newest returns the most recent entry.
func (w *Window) Newest() (model.RecentSample, bool) {
	if len(w.entries) == 0 {
		return model.RecentSample{}, false
	}
	return w.entries[len(w.entries)-1], true
}

func (w *Window) index(passID string) int {
	return slices.IndexFunc(w.entries, func(e model.RecentSample) bool { return e.PassID == passID })
}

func (w *Window) evict() {
	if over := len(w.entries) - w.capacity; over > 0 {
		w.entries = slices.Delete(w.entries, 0, over)
	}
}

func compare(a, b model.RecentSample) int {
	return cmp.Or(cmp.Compare(a.TimestampMs, b.TimestampMs), cmp.Compare(a.PassID, b.PassID))
}
