package view

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/factlog/factlog/internal/pipeline"
	"github.com/factlog/factlog/pkg/types"
)

var baseTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// memBuffer is an in-memory Scanner with caller-controlled receipt times.
type memBuffer struct {
	mu    sync.Mutex
	lane  string
	items []types.Candidate
}

func newMemBuffer(lane string) *memBuffer { return &memBuffer{lane: lane} }

func (b *memBuffer) add(t *testing.T, payload map[string]interface{}, received time.Time) uint64 {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return b.addRaw(raw, received)
}

func (b *memBuffer) addRaw(raw []byte, received time.Time) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	lsn := uint64(len(b.items) + 1)
	b.items = append(b.items, types.Candidate{
		LSN:         lsn,
		CandidateID: fmt.Sprintf("%s-%d", b.lane, lsn),
		SourceLane:  b.lane,
		ReceivedAt:  received,
		Payload:     raw,
	})
	return lsn
}

func (b *memBuffer) Scan(_ context.Context, after uint64, limit int) ([]types.Candidate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Candidate
	for _, c := range b.items {
		if c.LSN <= after {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (b *memBuffer) HighWatermark(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.items)), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "view.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(pipeline.Options{
		MaxPayloadBytes:      512,
		ExcerptBytes:         64,
		IDVersion:            "v1",
		DefaultSchemaVersion: "2.1.0",
	}, nil)
	require.NoError(t, err)
	return p
}

func newTestRefresher(t *testing.T, store *Store, cfg RefresherConfig, bufs map[string]*memBuffer, opts ...RefresherOption) *Refresher {
	t.Helper()
	sources := []Source{{Name: PrimarySource, Scanner: bufs[PrimarySource]}}
	if dl, ok := bufs[DeadLetterSource]; ok {
		sources = append(sources, Source{Name: DeadLetterSource, Scanner: dl})
	}
	return NewRefresher(cfg, store, newTestPipeline(t), sources, opts...)
}

func envelope(action string, at time.Time, extra map[string]interface{}) map[string]interface{} {
	m := map[string]interface{}{
		"action":      action,
		"actor_id":    "alice",
		"occurred_at": at.Format(time.RFC3339Nano),
		"object":      map[string]interface{}{"type": "order", "id": "o-1"},
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func storedEvent(id string, at, received time.Time, lsn uint64) types.Event {
	return types.Event{
		EventID:    id,
		OccurredAt: at,
		ReceivedAt: received,
		Action:     "order.created",
		ActorID:    "alice",
		Object:     types.ObjectRef{Type: "order", ID: "o-1"},
		SourceLane: "test",
		LSN:        lsn,
		AttrHash:   "h",
	}
}

func seq(v int64) *int64 { return &v }
