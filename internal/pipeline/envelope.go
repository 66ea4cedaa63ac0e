// Package pipeline derives events from raw candidates: validation, quality routing,
// namespace admission, version rewriting, canonical identity, deduplication,
// sequencing and dependency resolution. Everything here is pure except the parent
// lookup used by the dependency resolver.
package pipeline

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/factlog/factlog/pkg/types"
)

// Envelope is the producer-facing wire shape of an event.
type Envelope struct {
	EventID          string                 `json:"event_id,omitempty"`
	OccurredAt       string                 `json:"occurred_at,omitempty"`
	ActorID          string                 `json:"actor_id,omitempty"`
	Action           string                 `json:"action,omitempty"`
	Object           *types.ObjectRef       `json:"object,omitempty"`
	Source           string                 `json:"source,omitempty"`
	SchemaVersion    string                 `json:"schema_version,omitempty"`
	Attributes       map[string]interface{} `json:"attributes,omitempty"`
	DependsOnEventID string                 `json:"depends_on_event_id,omitempty"`
	Seq              *int64                 `json:"seq,omitempty"`
}

// decodeEnvelope parses a payload, keeping numbers as float64 to match how
// attributes round-trip through the view.
func decodeEnvelope(payload []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errNotObject
	}
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	// More reports false on a stray closing delimiter, so require a clean EOF.
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingData
	}
	return &env, nil
}

// toEvent builds an event from a validated envelope and its candidate. A missing
// occurred_at falls back to the receipt time.
func toEvent(c types.Candidate, env *Envelope, occurredAt time.Time) types.Event {
	ev := types.Event{
		EventID:          env.EventID,
		OccurredAt:       occurredAt,
		ActorID:          env.ActorID,
		Action:           env.Action,
		Source:           env.Source,
		SchemaVersion:    env.SchemaVersion,
		Attributes:       env.Attributes,
		DependsOnEventID: env.DependsOnEventID,
		SourceLane:       c.SourceLane,
		ReceivedAt:       c.ReceivedAt.UTC(),
		LSN:              c.LSN,
		Sequence:         env.Seq,
	}
	if env.Object != nil {
		ev.Object = *env.Object
	}
	return ev
}
