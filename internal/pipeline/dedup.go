package pipeline

import (
	"sort"

	"github.com/factlog/factlog/pkg/types"
)

// Preferred reports whether a should be kept over b when both carry the same event
// ID: earliest received_at, then smallest attributes hash, then lowest LSN. The
// view's upsert applies the same rule so batches can be merged in any order.
func Preferred(a, b *types.Event) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	if a.AttrHash != b.AttrHash {
		return a.AttrHash < b.AttrHash
	}
	return a.LSN < b.LSN
}

// Deduplicate collapses events sharing an ID to the preferred one. It is a
// grouping aggregate (min-by per ID): the result does not depend on input order,
// and Deduplicate(append(Deduplicate(x), y...)) equals Deduplicate(append(x, y...)).
// Output is ordered by (occurred_at, received_at, event_id).
func Deduplicate(events []types.Event) []types.Event {
	best := make(map[string]int, len(events))
	out := make([]types.Event, 0, len(events))
	for i := range events {
		ev := events[i]
		if j, seen := best[ev.EventID]; seen {
			if Preferred(&ev, &out[j]) {
				out[j] = ev
			}
			continue
		}
		best[ev.EventID] = len(out)
		out = append(out, ev)
	}
	SortByTime(out)
	return out
}

// SortByTime orders events by (occurred_at, received_at, event_id).
func SortByTime(events []types.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := &events[i], &events[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.EventID < b.EventID
	})
}
