package pipeline

import (
	"sort"

	"github.com/factlog/factlog/pkg/types"
)

// SequenceLess orders events that share an occurred_at. Events with an explicit
// sequence come first, by sequence; the rest follow by (received_at, event_id).
// event_id is the final key, so the order is total.
func SequenceLess(a, b *types.Event) bool {
	switch {
	case a.Sequence != nil && b.Sequence != nil:
		if *a.Sequence != *b.Sequence {
			return *a.Sequence < *b.Sequence
		}
	case a.Sequence != nil:
		return true
	case b.Sequence != nil:
		return false
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.EventID < b.EventID
}

// Rank assigns SeqRank (1-based, dense) within each occurred_at group and returns
// events sorted by (occurred_at, rank).
func Rank(events []types.Event) []types.Event {
	out := make([]types.Event, len(events))
	copy(out, events)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return SequenceLess(&out[i], &out[j])
	})

	var rank int64
	for i := range out {
		if i == 0 || !out[i].OccurredAt.Equal(out[i-1].OccurredAt) {
			rank = 0
		}
		rank++
		out[i].SeqRank = rank
	}
	return out
}
