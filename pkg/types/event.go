package types

import (
	"strings"
	"time"
)

// Well-known attribute keys read by the access-control consumers.
const (
	AttrPrincipal      = "principal"
	AttrTokenHash      = "token_hash"
	AttrAllowedActions = "allowed_tools"
	AttrMaxRows        = "max_rows"
	AttrTTLSeconds     = "ttl_seconds"
	AttrExpiresAt      = "expires_at"
	AttrNonce          = "nonce"
	AttrBudgetSeconds  = "budget_seconds"
)

// PermissionActionPrefix namespaces the grant/revoke/deny/inherit events.
const PermissionActionPrefix = "system.permission."

// ObjectRef identifies the entity an event is about.
type ObjectRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Event is one immutable fact in the log as it appears in the materialized view.
type Event struct {
	EventID          string                 `json:"event_id"`
	OccurredAt       time.Time              `json:"occurred_at"`
	ActorID          string                 `json:"actor_id,omitempty"`
	Action           string                 `json:"action"`
	Object           ObjectRef              `json:"object"`
	Source           string                 `json:"source,omitempty"`
	SchemaVersion    string                 `json:"schema_version,omitempty"`
	Attributes       map[string]interface{} `json:"attributes,omitempty"`
	DependsOnEventID string                 `json:"depends_on_event_id,omitempty"`

	// Ingestion metadata, owned by the buffer.
	SourceLane string    `json:"source_lane"`
	ReceivedAt time.Time `json:"received_at"`
	LSN        uint64    `json:"lsn"`

	// Sequence is an optional caller-supplied intra-timestamp ordering hint.
	Sequence *int64 `json:"seq,omitempty"`
	// SeqRank is the dense rank among events sharing OccurredAt.
	SeqRank  int64  `json:"seq_rank"`
	AttrHash string `json:"-"`
}

// Namespace returns the first dot-separated segment of the action.
func (e *Event) Namespace() string {
	if i := strings.IndexByte(e.Action, '.'); i >= 0 {
		return e.Action[:i]
	}
	return e.Action
}

// IsPermissionEvent reports whether the event belongs to the permission family.
func (e *Event) IsPermissionEvent() bool {
	return strings.HasPrefix(e.Action, PermissionActionPrefix)
}

// Principal extracts the subject an event speaks about. Permission events never
// fall back to the actor, since the actor there is the administrator.
func (e *Event) Principal() string {
	if s := e.StringAttr(AttrPrincipal); s != "" {
		return s
	}
	if e.Object.Type == "principal" && e.Object.ID != "" {
		return e.Object.ID
	}
	if e.IsPermissionEvent() {
		return ""
	}
	return e.ActorID
}

// TokenHash returns the credential hash attribute, if any.
func (e *Event) TokenHash() string {
	return e.StringAttr(AttrTokenHash)
}

// Nonce returns the nonce attribute, if any.
func (e *Event) Nonce() string {
	return e.StringAttr(AttrNonce)
}

// StringAttr returns a string attribute or "".
func (e *Event) StringAttr(key string) string {
	if e.Attributes == nil {
		return ""
	}
	s, _ := e.Attributes[key].(string)
	return s
}

// NumberAttr returns a numeric attribute. JSON numbers decode as float64; numeric
// strings are not coerced.
func (e *Event) NumberAttr(key string) (float64, bool) {
	if e.Attributes == nil {
		return 0, false
	}
	switch v := e.Attributes[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Candidate is a raw, unvalidated submission as stored by the ingest buffer.
type Candidate struct {
	LSN         uint64    `json:"lsn"`
	CandidateID string    `json:"candidate_id"`
	SourceLane  string    `json:"source_lane"`
	ReceivedAt  time.Time `json:"received_at"`
	Payload     []byte    `json:"payload"`
}

// Submission is what producers hand to Append. A zero ReceivedAt lets the buffer stamp
// receipt time; producers that need idempotent retries supply their own.
type Submission struct {
	Payload    []byte
	SourceLane string
	ReceivedAt time.Time
}

// EventFilter selects rows from the materialized view. Zero values mean "any".
type EventFilter struct {
	Actions      []string
	ActionPrefix string
	// Subject matches either the extracted principal or the credential hash.
	Subject    string
	Nonce      string
	Since      time.Time
	Until      time.Time
	Limit      int
	Descending bool
}
