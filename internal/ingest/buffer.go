// Package ingest implements the append-only ingest buffer that producers write
// candidates into. The buffer never validates beyond "is it storable"; everything
// else is the pipeline's job.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/factlog/factlog/pkg/types"
)

// Buffer is an append-only, LSN-ordered log of raw candidates.
type Buffer interface {
	// Append durably stores a submission and returns the stored candidate.
	Append(ctx context.Context, sub types.Submission) (types.Candidate, error)

	// Scan returns up to limit candidates with LSN > afterLSN in LSN order.
	Scan(ctx context.Context, afterLSN uint64, limit int) ([]types.Candidate, error)

	// HighWatermark returns the highest LSN acknowledged so far.
	HighWatermark(ctx context.Context) (uint64, error)

	Close() error
}

// DefaultLane is used when a producer does not name its source lane.
const DefaultLane = "default"

// receiptClock stamps received_at. Stamps are truncated to microseconds and strictly
// increase per buffer, so candidates from one buffer never share a receipt time.
type receiptClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newReceiptClock(now func() time.Time) *receiptClock {
	if now == nil {
		now = time.Now
	}
	return &receiptClock{now: now}
}

// stamp returns supplied (normalized) if set, otherwise the next monotonic receipt time.
func (c *receiptClock) stamp(supplied time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !supplied.IsZero() {
		t := supplied.UTC().Truncate(time.Microsecond)
		if t.After(c.last) {
			c.last = t
		}
		return t
	}

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// observe moves the clock forward past a receipt time recovered from storage.
func (c *receiptClock) observe(t time.Time) {
	c.mu.Lock()
	if t.After(c.last) {
		c.last = t
	}
	c.mu.Unlock()
}

func laneOrDefault(lane string) string {
	if lane == "" {
		return DefaultLane
	}
	return lane
}
