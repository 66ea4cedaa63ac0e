package observability

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFilterConcurrent(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	var wg sync.WaitGroup
	numGoroutines := 10
	recordsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				qs.RecordFilter("action", "exact")
				qs.RecordFilter("subject", "exact")
				qs.RecordFilter("since", "range")
			}
		}()
	}
	wg.Wait()

	top := qs.TopFilters(10)
	require.Len(t, top, 3)
	for _, stat := range top {
		assert.Equal(t, int64(numGoroutines*recordsPerGoroutine), stat.Frequency, stat.Name)
	}
}

func TestTopFiltersOrdering(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	for i := 0; i < 10; i++ {
		qs.RecordFilter("subject", "exact")
	}
	for i := 0; i < 5; i++ {
		qs.RecordFilter("nonce", "exact")
	}
	for i := 0; i < 20; i++ {
		qs.RecordFilter("action", "prefix")
	}

	top := qs.TopFilters(3)
	require.Len(t, top, 3)
	assert.Equal(t, "action", top[0].Name)
	assert.Equal(t, "subject", top[1].Name)
	assert.Equal(t, "nonce", top[2].Name)
}

func TestRecordFilterTracksModes(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	for i := 0; i < 5; i++ {
		qs.RecordFilter("action", "exact")
	}
	for i := 0; i < 3; i++ {
		qs.RecordFilter("action", "prefix")
	}

	top := qs.TopFilters(1)
	require.Len(t, top, 1)
	assert.Equal(t, int64(8), top[0].Frequency)
	assert.Equal(t, 5, top[0].Modes["exact"])
	assert.Equal(t, 3, top[0].Modes["prefix"])

	// returned copies are detached from the tracker
	top[0].Modes["exact"] = 100
	assert.Equal(t, 5, qs.TopFilters(1)[0].Modes["exact"])
}

func TestPruneRemovesStaleEntries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	qs := NewQueryStats(time.Minute)
	qs.now = func() time.Time { return now }

	qs.RecordFilter("action", "exact")
	qs.RecordAttribute("principal")

	now = now.Add(30 * time.Second)
	qs.RecordAttribute("nonce")

	now = now.Add(45 * time.Second)
	qs.Prune()

	assert.Empty(t, qs.TopFilters(10))
	attrs := qs.TopAttributes(10)
	require.Len(t, attrs, 1)
	assert.Equal(t, "nonce", attrs[0].Name)
}

func TestTopEmptyAndOversizedLimit(t *testing.T) {
	qs := NewQueryStats(time.Hour)
	assert.Empty(t, qs.TopFilters(10))
	assert.Empty(t, qs.TopAttributes(0))

	qs.RecordAttribute("principal")
	qs.RecordAttribute("execution_seconds")
	assert.Len(t, qs.TopAttributes(100), 2)
}
