package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/factlog/factlog/pkg/types"
)

// Quality event identity.
const (
	QualitySource    = "quality"
	QualityActor     = "quality"
	QualityNamespace = "quality."
	CandidateObject  = "candidate"
)

// DefaultExcerptBytes bounds the payload excerpt when none is configured.
const DefaultExcerptBytes = 1024

// QualityRouter turns rejected candidates into quality.<reason> events.
type QualityRouter struct {
	ExcerptBytes  int
	SchemaVersion string
}

// NewQualityRouter creates a router with the given excerpt bound (0 → default).
func NewQualityRouter(excerptBytes int, schemaVersion string) *QualityRouter {
	if excerptBytes <= 0 {
		excerptBytes = DefaultExcerptBytes
	}
	return &QualityRouter{ExcerptBytes: excerptBytes, SchemaVersion: schemaVersion}
}

// Route builds the quality candidate for a rejected one. The result keeps the
// original candidate's LSN, lane and receipt time so it is derived identically on
// every refresh; its payload is a regular envelope that re-enters the pipeline.
func (q *QualityRouter) Route(c types.Candidate, reason Reason, detail string) types.Candidate {
	excerpt, truncated := Excerpt(c.Payload, q.ExcerptBytes)
	env := Envelope{
		EventID:       QualityEventID(c.CandidateID, reason),
		OccurredAt:    c.ReceivedAt.UTC().Format(time.RFC3339Nano),
		ActorID:       QualityActor,
		Action:        QualityNamespace + string(reason),
		Object:        &types.ObjectRef{Type: CandidateObject, ID: c.CandidateID},
		Source:        QualitySource,
		SchemaVersion: q.SchemaVersion,
		Attributes: map[string]interface{}{
			"reason":                string(reason),
			"detail":                detail,
			"original_lane":         c.SourceLane,
			"original_candidate_id": c.CandidateID,
			"original_lsn":          float64(c.LSN),
			"original_received_at":  c.ReceivedAt.UTC().Format(time.RFC3339Nano),
			"payload_bytes":         float64(len(c.Payload)),
			"excerpt":               excerpt,
			"excerpt_truncated":     truncated,
		},
	}
	payload, _ := json.Marshal(env)
	return types.Candidate{
		LSN:         c.LSN,
		CandidateID: c.CandidateID,
		SourceLane:  c.SourceLane,
		ReceivedAt:  c.ReceivedAt,
		Payload:     payload,
	}
}

// QualityEventID derives a stable ID so re-deriving the same rejection collapses.
func QualityEventID(candidateID string, reason Reason) string {
	sum := sha256.Sum256([]byte(candidateID + fieldSep + string(reason)))
	return "q-" + hex.EncodeToString(sum[:16])
}

// Excerpt returns at most max bytes of payload as valid UTF-8, and whether it was cut.
func Excerpt(payload []byte, max int) (string, bool) {
	truncated := len(payload) > max
	if truncated {
		payload = payload[:max]
	}
	return strings.ToValidUTF8(string(payload), ""), truncated
}

// DeadLetterPayload builds the quality.dead_letter envelope for a submission whose
// append failed permanently.
func DeadLetterPayload(sub types.Submission, cause error, excerptBytes int) ([]byte, error) {
	if excerptBytes <= 0 {
		excerptBytes = DefaultExcerptBytes
	}
	excerpt, truncated := Excerpt(sub.Payload, excerptBytes)
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	env := Envelope{
		ActorID: QualityActor,
		Action:  QualityNamespace + string(ReasonDeadLetter),
		Object:  &types.ObjectRef{Type: "submission", ID: sub.SourceLane},
		Source:  QualitySource,
		Attributes: map[string]interface{}{
			"reason":            string(ReasonDeadLetter),
			"detail":            detail,
			"original_lane":     sub.SourceLane,
			"payload_bytes":     float64(len(sub.Payload)),
			"excerpt":           excerpt,
			"excerpt_truncated": truncated,
		},
	}
	if !sub.ReceivedAt.IsZero() {
		env.Attributes["original_received_at"] = sub.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(env)
}
