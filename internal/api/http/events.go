package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/pkg/types"
)

// AppendResponse acknowledges a stored candidate. The LSN is what a producer
// passes as min_lsn to read its own write.
type AppendResponse struct {
	LSN         uint64    `json:"lsn"`
	CandidateID string    `json:"candidate_id"`
	SourceLane  string    `json:"source_lane"`
	ReceivedAt  time.Time `json:"received_at"`
	RequestID   string    `json:"request_id"`
}

// EventsHandler handles POST /v1/events. The body is stored as-is; whether it is
// a valid event is decided later by the pipeline.
type EventsHandler struct {
	buf     Appender
	maxBody int64
	logger  *zap.Logger
}

// NewEventsHandler creates an append handler.
func NewEventsHandler(buf Appender, maxBody int64, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{buf: buf, maxBody: maxBody, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", requestID)
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	sub := types.Submission{
		Payload:    body,
		SourceLane: r.Header.Get("X-Source-Lane"),
	}
	if v := r.Header.Get("X-Received-At"); v != "" {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeFactlogError(w, r, ferrors.NewValidationError(ferrors.CodeMalformed, "X-Received-At must be RFC 3339"))
			return
		}
		sub.ReceivedAt = at
	}

	c, err := h.buf.Append(r.Context(), sub)
	if err != nil {
		h.logger.Warn("append failed", zap.Error(err), zap.String("request_id", requestID))
		writeFactlogError(w, r, err)
		return
	}

	writeAccepted(w, r, c)
}
