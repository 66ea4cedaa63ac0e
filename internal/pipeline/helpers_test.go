package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/factlog/factlog/pkg/types"
)

var baseTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func candidate(t *testing.T, lsn uint64, payload map[string]interface{}) types.Candidate {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return types.Candidate{
		LSN:         lsn,
		CandidateID: types.ULID{byte(lsn)}.String(),
		SourceLane:  "test",
		ReceivedAt:  baseTime.Add(time.Duration(lsn) * time.Millisecond),
		Payload:     raw,
	}
}

func event(id string, occurred time.Time, received time.Time) types.Event {
	return types.Event{EventID: id, OccurredAt: occurred, ReceivedAt: received, Action: "order.created"}
}

type mapIndex map[string]time.Time

func (m mapIndex) OccurredAt(_ context.Context, ids []string) (map[string]time.Time, error) {
	out := map[string]time.Time{}
	for _, id := range ids {
		if t, ok := m[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}
