package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/factlog/factlog/pkg/types"
)

// Reason classifies a candidate. The empty reason means valid.
type Reason string

const (
	ReasonValid            Reason = ""
	ReasonMalformed        Reason = "malformed"
	ReasonOversized        Reason = "oversized"
	ReasonMissingAction    Reason = "missing_action"
	ReasonMissingTimestamp Reason = "missing_timestamp"
	ReasonDeadLetter       Reason = "dead_letter"
)

// DefaultMaxPayloadBytes is the oversize ceiling used when none is configured.
const DefaultMaxPayloadBytes = 1_000_000

var (
	errNotObject    = errors.New("payload is not a JSON object")
	errTrailingData = errors.New("trailing data after JSON object")
)

// Result is the outcome of validating one candidate.
type Result struct {
	Reason     Reason
	Detail     string
	Envelope   *Envelope
	OccurredAt time.Time
}

// Valid reports whether the candidate passed.
func (r Result) Valid() bool { return r.Reason == ReasonValid }

// Validator classifies candidates. It is pure and safe for concurrent use.
type Validator struct {
	MaxPayloadBytes int
}

// NewValidator creates a validator with the given ceiling (0 → default).
func NewValidator(maxPayloadBytes int) *Validator {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &Validator{MaxPayloadBytes: maxPayloadBytes}
}

// Validate classifies a candidate. Checks run in a fixed order: size, parse,
// action, timestamp.
func (v *Validator) Validate(c types.Candidate) Result {
	return v.validate(c, true)
}

// Timestamps are stored as Unix nanoseconds; anything outside this range cannot be.
var (
	minStorableTime = time.Unix(0, math.MinInt64).UTC()
	maxStorableTime = time.Unix(0, math.MaxInt64).UTC()
)

func storable(t time.Time) bool {
	return !t.Before(minStorableTime) && !t.After(maxStorableTime)
}

// validate optionally skips the size ceiling. Quality candidates are bounded by
// their excerpt and are never rejected for size.
func (v *Validator) validate(c types.Candidate, enforceSize bool) Result {
	if enforceSize && len(c.Payload) > v.MaxPayloadBytes {
		return Result{
			Reason: ReasonOversized,
			Detail: fmt.Sprintf("payload is %d bytes, ceiling is %d", len(c.Payload), v.MaxPayloadBytes),
		}
	}

	env, err := decodeEnvelope(c.Payload)
	if err != nil {
		return Result{Reason: ReasonMalformed, Detail: err.Error()}
	}

	var occurredAt time.Time
	if env.OccurredAt != "" {
		occurredAt, err = time.Parse(time.RFC3339Nano, env.OccurredAt)
		if err != nil {
			return Result{Reason: ReasonMalformed, Detail: "occurred_at is not RFC 3339: " + env.OccurredAt}
		}
		occurredAt = occurredAt.UTC()
		if !storable(occurredAt) {
			return Result{Reason: ReasonMalformed, Detail: "occurred_at is outside the storable range: " + env.OccurredAt}
		}
	}

	if strings.TrimSpace(env.Action) == "" {
		return Result{Reason: ReasonMissingAction, Detail: "action is absent or empty"}
	}

	if occurredAt.IsZero() {
		if c.ReceivedAt.IsZero() {
			return Result{Reason: ReasonMissingTimestamp, Detail: "neither occurred_at nor received_at is present"}
		}
		occurredAt = c.ReceivedAt.UTC()
		if !storable(occurredAt) {
			return Result{Reason: ReasonMalformed, Detail: "received_at is outside the storable range"}
		}
	}

	return Result{Envelope: env, OccurredAt: occurredAt}
}
