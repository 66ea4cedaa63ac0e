package access

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/factlog/factlog/internal/pipeline"
	"github.com/factlog/factlog/pkg/types"
)

var now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

// fakeView applies EventFilter the way the view store does.
type fakeView struct {
	events []types.Event
	err    error
}

func (v *fakeView) add(evs ...types.Event) { v.events = append(v.events, evs...) }

func (v *fakeView) Find(_ context.Context, f types.EventFilter) ([]types.Event, error) {
	if v.err != nil {
		return nil, v.err
	}
	var out []types.Event
	for _, ev := range v.events {
		if len(f.Actions) > 0 && !contains(f.Actions, ev.Action) {
			continue
		}
		if f.ActionPrefix != "" && !strings.HasPrefix(ev.Action, f.ActionPrefix) {
			continue
		}
		if f.Subject != "" && ev.Principal() != f.Subject && ev.TokenHash() != f.Subject {
			continue
		}
		if f.Nonce != "" && ev.Nonce() != f.Nonce {
			continue
		}
		if !f.Since.IsZero() && ev.OccurredAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !ev.OccurredAt.Before(f.Until) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// recorder is an Appender that keeps what it was given.
type recorder struct {
	mu   sync.Mutex
	subs []types.Submission
	err  error
}

func (r *recorder) Append(_ context.Context, sub types.Submission) (types.Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return types.Candidate{}, r.err
	}
	r.subs = append(r.subs, sub)
	lsn := uint64(len(r.subs))
	return types.Candidate{LSN: lsn, CandidateID: fmt.Sprintf("c-%d", lsn), SourceLane: sub.SourceLane, Payload: sub.Payload}, nil
}

func (r *recorder) envelopes(t *testing.T) []pipeline.Envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []pipeline.Envelope
	for _, s := range r.subs {
		var env pipeline.Envelope
		require.NoError(t, json.Unmarshal(s.Payload, &env))
		out = append(out, env)
	}
	return out
}

func (r *recorder) actions(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, env := range r.envelopes(t) {
		out = append(out, env.Action)
	}
	return out
}

var nextID int

func permEvent(state State, at time.Time, attrs map[string]interface{}) types.Event {
	nextID++
	return types.Event{
		EventID:    fmt.Sprintf("p%03d", nextID),
		Action:     types.PermissionActionPrefix + string(state),
		ActorID:    "admin",
		Source:     SystemSource,
		OccurredAt: at,
		ReceivedAt: at,
		Attributes: attrs,
	}
}

func usageEvent(principal string, at time.Time, seconds float64) types.Event {
	nextID++
	return types.Event{
		EventID:    fmt.Sprintf("u%03d", nextID),
		Action:     "mcp.usage.recorded",
		ActorID:    principal,
		Source:     "mcp",
		OccurredAt: at,
		ReceivedAt: at,
		Attributes: map[string]interface{}{"principal": principal, "execution_seconds": seconds},
	}
}

func requestEvent(principal, nonce string, at time.Time) types.Event {
	nextID++
	return types.Event{
		EventID:    fmt.Sprintf("r%03d", nextID),
		Action:     "mcp.request.processed",
		ActorID:    principal,
		Source:     "mcp",
		OccurredAt: at,
		ReceivedAt: at,
		Attributes: map[string]interface{}{"principal": principal, "nonce": nonce},
	}
}

func testConfig() Config {
	return Config{}.withDefaults()
}
