package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/factlog/factlog/pkg/types"
)

// DefaultIDVersion prefixes the canonical ID input.
const DefaultIDVersion = "v1"

const fieldSep = "\x1f"

// IDAssigner derives content-addressed event IDs.
type IDAssigner struct {
	Version string
}

// NewIDAssigner creates an assigner for the given ID scheme version.
func NewIDAssigner(version string) *IDAssigner {
	if version == "" {
		version = DefaultIDVersion
	}
	return &IDAssigner{Version: version}
}

// CanonicalID hashes the identifying fields. Receipt time is part of the input, so
// idempotent retries require the producer to resend the same received_at.
func (a *IDAssigner) CanonicalID(ev *types.Event) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		a.Version,
		ev.Action,
		ev.ActorID,
		ev.Object.Type,
		ev.Object.ID,
		isoTime(ev.OccurredAt),
		ev.SourceLane,
		isoTime(ev.ReceivedAt),
	}, fieldSep)))
	return hex.EncodeToString(h.Sum(nil))
}

// Assign sets ev.EventID unless the caller supplied one.
func (a *IDAssigner) Assign(ev *types.Event) {
	if ev.EventID == "" {
		ev.EventID = a.CanonicalID(ev)
	}
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// AttributesHash is the sha256 of the RFC 8785 canonical form of attrs. Nil and
// empty attributes hash identically.
func AttributesHash(attrs map[string]interface{}) (string, error) {
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
