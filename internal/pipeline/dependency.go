package pipeline

import (
	"context"
	"time"

	"github.com/factlog/factlog/pkg/types"
)

// ParentIndex answers "is this event already materialized, and when did it occur".
type ParentIndex interface {
	// OccurredAt returns occurred_at for the ids that are materialized; absent ids
	// are simply missing from the map.
	OccurredAt(ctx context.Context, ids []string) (map[string]time.Time, error)
}

// DependencyResolver admits an event only once the event it depends on is
// materialized (or admitted earlier in the same pass) and did not occur after it.
type DependencyResolver struct{}

// Resolve splits events into admitted and withheld. It iterates to a fixed point,
// so a chain whose links all arrive in one batch is admitted in one pass. Withheld
// events are not errors; the caller retries them next cycle.
func (DependencyResolver) Resolve(ctx context.Context, events []types.Event, index ParentIndex) (admitted, withheld []types.Event, err error) {
	var parents []string
	wanted := make(map[string]struct{})
	for i := range events {
		dep := events[i].DependsOnEventID
		if dep == "" {
			continue
		}
		if _, ok := wanted[dep]; !ok {
			wanted[dep] = struct{}{}
			parents = append(parents, dep)
		}
	}

	known := map[string]time.Time{}
	if len(parents) > 0 && index != nil {
		known, err = index.OccurredAt(ctx, parents)
		if err != nil {
			return nil, nil, err
		}
		if known == nil {
			known = map[string]time.Time{}
		}
	}

	remaining := make([]types.Event, len(events))
	copy(remaining, events)
	SortByTime(remaining)

	for {
		progressed := false
		next := remaining[:0]
		for _, ev := range remaining {
			if satisfied(&ev, known) {
				admitted = append(admitted, ev)
				if _, ok := known[ev.EventID]; !ok {
					known[ev.EventID] = ev.OccurredAt
				}
				progressed = true
				continue
			}
			next = append(next, ev)
		}
		remaining = next
		if !progressed || len(remaining) == 0 {
			break
		}
	}
	return admitted, remaining, nil
}

func satisfied(ev *types.Event, known map[string]time.Time) bool {
	if ev.DependsOnEventID == "" {
		return true
	}
	if ev.DependsOnEventID == ev.EventID {
		return false
	}
	parentAt, ok := known[ev.DependsOnEventID]
	return ok && !parentAt.After(ev.OccurredAt)
}
