package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/internal/observability"
	"github.com/factlog/factlog/pkg/types"
)

// flakyBuffer fails the first failures appends, then stores in memory.
type flakyBuffer struct {
	mu        sync.Mutex
	failures  int
	calls     int
	stored    []types.Candidate
	appendErr error
}

func (f *flakyBuffer) Append(_ context.Context, sub types.Submission) (types.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		if f.appendErr != nil {
			return types.Candidate{}, f.appendErr
		}
		return types.Candidate{}, errors.New("transient")
	}
	c := types.Candidate{LSN: uint64(len(f.stored) + 1), SourceLane: sub.SourceLane, Payload: sub.Payload}
	f.stored = append(f.stored, c)
	return c, nil
}

func (f *flakyBuffer) Scan(_ context.Context, after uint64, limit int) ([]types.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Candidate
	for _, c := range f.stored {
		if c.LSN > after && len(out) < limit {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *flakyBuffer) HighWatermark(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.stored)), nil
}

func (f *flakyBuffer) Close() error { return nil }

// lostAckBuffer stores every attempt but reports failure for the first failures.
type lostAckBuffer struct {
	flakyBuffer
	receipts []time.Time
}

func (l *lostAckBuffer) Append(_ context.Context, sub types.Submission) (types.Candidate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.receipts = append(l.receipts, sub.ReceivedAt)
	c := types.Candidate{LSN: uint64(len(l.stored) + 1), SourceLane: sub.SourceLane, ReceivedAt: sub.ReceivedAt, Payload: sub.Payload}
	l.stored = append(l.stored, c)
	if l.calls <= l.failures {
		return types.Candidate{}, errors.New("connection reset after commit")
	}
	return c, nil
}

func fastOptions(attempts uint) ResilientOptions {
	return ResilientOptions{
		RetryAttempts:   attempts,
		RetryDelay:      time.Millisecond,
		RetryMaxDelay:   5 * time.Millisecond,
		BreakerFailures: 100,
		BreakerTimeout:  time.Minute,
	}
}

func TestResilient_RetriesTransientFailures(t *testing.T) {
	primary := &flakyBuffer{failures: 2}
	r := NewResilient(primary, nil, fastOptions(5), nil)

	c, err := r.Append(context.Background(), types.Submission{Payload: []byte(`{"action":"a"}`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.LSN)
	assert.Equal(t, 3, primary.calls)
}

func TestResilient_DeadLettersAfterExhaustion(t *testing.T) {
	primary := &flakyBuffer{failures: 1000}
	fallback := &flakyBuffer{}
	r := NewResilient(primary, fallback, fastOptions(3), nil)

	_, err := r.Append(context.Background(), types.Submission{Payload: []byte(`{"action":"a"}`), SourceLane: "http"})
	require.Error(t, err)
	assert.Equal(t, ferrors.CodeAppendFailed, ferrors.GetCode(err))
	assert.Equal(t, 3, primary.calls)

	require.Len(t, fallback.stored, 1)
	dl := fallback.stored[0]
	assert.Equal(t, DeadLetterLane, dl.SourceLane)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(dl.Payload, &env))
	assert.Equal(t, "quality.dead_letter", env["action"])
	assert.Equal(t, "quality", env["source"])
}

func TestResilient_DeadLetterFailureIsSwallowed(t *testing.T) {
	primary := &flakyBuffer{failures: 1000}
	fallback := &flakyBuffer{failures: 1000}
	r := NewResilient(primary, fallback, fastOptions(2), nil)

	_, err := r.Append(context.Background(), types.Submission{Payload: []byte(`{}`)})
	require.Error(t, err)
	// the caller sees the primary failure, not the fallback's
	assert.Equal(t, ferrors.CodeAppendFailed, ferrors.GetCode(err))
	assert.Equal(t, 1, fallback.calls)
}

func TestResilient_BreakerOpens(t *testing.T) {
	primary := &flakyBuffer{failures: 1000}
	opts := fastOptions(1)
	opts.BreakerFailures = 2
	r := NewResilient(primary, nil, opts, nil)

	for i := 0; i < 2; i++ {
		_, err := r.Append(context.Background(), types.Submission{Payload: []byte(`{}`)})
		require.Error(t, err)
	}
	_, err := r.Append(context.Background(), types.Submission{Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.Equal(t, ferrors.CodeCircuitOpen, ferrors.GetCode(err))
	assert.Equal(t, 2, primary.calls)
}

func TestResilient_RecordsMetrics(t *testing.T) {
	primary := &flakyBuffer{failures: 1}
	opts := fastOptions(1)
	opts.BreakerFailures = 1
	opts.BreakerTimeout = time.Hour
	opts.Metrics = observability.NewMetrics(nil)
	r := NewResilient(primary, nil, opts, nil)

	_, err := r.Append(context.Background(), types.Submission{Payload: []byte(`{}`), SourceLane: "http"})
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.Appends.WithLabelValues("http", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(opts.Metrics.BreakerState))

	_, err = r.Append(context.Background(), types.Submission{Payload: []byte(`{}`)})
	assert.Equal(t, ferrors.CodeCircuitOpen, ferrors.GetCode(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.Appends.WithLabelValues(DefaultLane, "failed")))
	assert.Equal(t, 1, testutil.CollectAndCount(opts.Metrics.AppendDuration))
}

func TestResilient_RateLimitHonoursContext(t *testing.T) {
	opts := fastOptions(1)
	opts.RateLimit = 0.001
	opts.RateBurst = 1
	r := NewResilient(&flakyBuffer{}, nil, opts, nil)

	_, err := r.Append(context.Background(), types.Submission{Payload: []byte(`{}`)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Append(ctx, types.Submission{Payload: []byte(`{}`)})
	assert.Error(t, err)
}

func TestResilient_ScanPassesThrough(t *testing.T) {
	primary := &flakyBuffer{}
	r := NewResilient(primary, nil, fastOptions(1), nil)
	for i := 0; i < 3; i++ {
		_, err := r.Append(context.Background(), types.Submission{Payload: []byte(`{}`)})
		require.NoError(t, err)
	}
	out, err := r.Scan(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	hw, err := r.HighWatermark(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), hw)
}

func TestResilient_RetriesReuseReceiptTime(t *testing.T) {
	primary := &lostAckBuffer{flakyBuffer: flakyBuffer{failures: 1}}
	r := NewResilient(primary, nil, fastOptions(3), nil)

	c, err := r.Append(context.Background(), types.Submission{Payload: []byte(`{"action":"a"}`)})
	require.NoError(t, err)

	require.Len(t, primary.receipts, 2)
	assert.False(t, primary.receipts[0].IsZero())
	assert.Equal(t, primary.receipts[0], primary.receipts[1])
	assert.Equal(t, primary.receipts[0], c.ReceivedAt)
	require.Len(t, primary.stored, 2)
	assert.Equal(t, primary.stored[0].ReceivedAt, primary.stored[1].ReceivedAt)
}

func TestResilient_KeepsSuppliedReceiptTime(t *testing.T) {
	primary := &lostAckBuffer{flakyBuffer: flakyBuffer{failures: 1}}
	r := NewResilient(primary, nil, fastOptions(3), nil)
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	_, err := r.Append(context.Background(), types.Submission{Payload: []byte(`{}`), ReceivedAt: at})
	require.NoError(t, err)
	assert.Equal(t, []time.Time{at, at}, primary.receipts)
}
