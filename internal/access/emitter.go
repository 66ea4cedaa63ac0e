package access

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/factlog/factlog/internal/pipeline"
	"github.com/factlog/factlog/pkg/types"
)

// Lane is the source lane security and audit events are appended on.
const Lane = "access"

const emitterActor = "factlog"

// Emitter appends security and audit events. It never fails the caller: a
// rejected request stays rejected even when its audit record is lost.
type Emitter struct {
	buf    Appender
	logger *zap.Logger
	now    func() time.Time
}

// NewEmitter creates an emitter over buf. A nil buf disables emission.
func NewEmitter(buf Appender, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{buf: buf, logger: logger.Named("emitter"), now: time.Now}
}

// Emit appends a system-sourced event about principal.
func (e *Emitter) Emit(ctx context.Context, action, principal string, attrs map[string]interface{}) {
	if e == nil || e.buf == nil {
		return
	}
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	env := pipeline.Envelope{
		OccurredAt: e.now().UTC().Format(time.RFC3339Nano),
		ActorID:    emitterActor,
		Action:     action,
		Source:     SystemSource,
		Attributes: attrs,
	}
	if principal != "" {
		attrs[types.AttrPrincipal] = principal
		env.Object = &types.ObjectRef{Type: "principal", ID: principal}
	}
	if _, err := appendEnvelope(ctx, e.buf, env, Lane); err != nil {
		e.logger.Warn("security event not recorded",
			zap.String("action", action),
			zap.String("principal", principal),
			zap.Error(err))
	}
}

func appendEnvelope(ctx context.Context, buf Appender, env pipeline.Envelope, lane string) (types.Candidate, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return types.Candidate{}, err
	}
	return buf.Append(ctx, types.Submission{Payload: payload, SourceLane: lane})
}
