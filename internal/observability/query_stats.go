// Package observability holds the prometheus collectors and the query usage
// tracker that tells operators which view indexes readers actually lean on.
package observability

import (
	"sort"
	"sync"
	"time"
)

// QueryStats tracks filter and attribute usage across view queries.
type QueryStats struct {
	mu         sync.RWMutex
	filterFreq map[string]*UsageStats
	attrFreq   map[string]*UsageStats
	window     time.Duration
	now        func() time.Time
}

// UsageStats holds statistics for a filter field or attribute path.
type UsageStats struct {
	Name      string         `json:"name"`
	Frequency int64          `json:"frequency"`
	LastSeen  time.Time      `json:"last_seen"`
	Modes     map[string]int `json:"modes,omitempty"` // mode → count (e.g., "exact" → 5, "prefix" → 2)
}

// NewQueryStats creates a tracker that forgets entries unused for window.
func NewQueryStats(window time.Duration) *QueryStats {
	return &QueryStats{
		filterFreq: make(map[string]*UsageStats),
		attrFreq:   make(map[string]*UsageStats),
		window:     window,
		now:        time.Now,
	}
}

// RecordFilter records one use of a filter field (action, subject, since...)
// with the way it was matched.
func (q *QueryStats) RecordFilter(field, mode string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record(q.filterFreq, field).Modes[mode]++
}

// RecordAttribute records an attribute path referenced by a predicate.
func (q *QueryStats) RecordAttribute(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.record(q.attrFreq, path)
}

func (q *QueryStats) record(m map[string]*UsageStats, name string) *UsageStats {
	stats, exists := m[name]
	if !exists {
		stats = &UsageStats{Name: name, Modes: make(map[string]int)}
		m[name] = stats
	}
	stats.Frequency++
	stats.LastSeen = q.now()
	return stats
}

// TopFilters returns copies of the n most used filter fields.
func (q *QueryStats) TopFilters(n int) []UsageStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return top(q.filterFreq, n)
}

// TopAttributes returns copies of the n most referenced attribute paths.
func (q *QueryStats) TopAttributes(n int) []UsageStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return top(q.attrFreq, n)
}

func top(m map[string]*UsageStats, n int) []UsageStats {
	if n <= 0 || len(m) == 0 {
		return []UsageStats{}
	}

	stats := make([]UsageStats, 0, len(m))
	for _, s := range m {
		c := *s
		c.Modes = make(map[string]int, len(s.Modes))
		for mode, count := range s.Modes {
			c.Modes[mode] = count
		}
		stats = append(stats, c)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Name < stats[j].Name
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes entries not seen within the window.
func (q *QueryStats) Prune() {
	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := q.now().Add(-q.window)
	for _, m := range []map[string]*UsageStats{q.filterFreq, q.attrFreq} {
		for name, stats := range m {
			if stats.LastSeen.Before(threshold) {
				delete(m, name)
			}
		}
	}
}
