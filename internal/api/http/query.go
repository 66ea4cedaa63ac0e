package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/factlog/factlog/internal/view"
	"github.com/factlog/factlog/pkg/types"
)

const (
	defaultQueryLimit = 1000
	maxQueryLimit     = 10000
)

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	Actions      []string   `json:"actions,omitempty"`
	ActionPrefix string     `json:"action_prefix,omitempty"`
	Subject      string     `json:"subject,omitempty"`
	Nonce        string     `json:"nonce,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
	Until        *time.Time `json:"until,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Descending   bool       `json:"descending,omitempty"`

	// Predicate is a CEL expression over `event`
	Predicate string `json:"predicate,omitempty"`

	// MinLSN makes the read wait until the view has consumed this buffer LSN
	MinLSN uint64 `json:"min_lsn,omitempty"`
}

// QueryResponse carries events in view order.
type QueryResponse struct {
	Events    []types.Event `json:"events"`
	Count     int           `json:"count"`
	RequestID string        `json:"request_id"`
}

// QueryHandler handles POST /v1/query requests.
type QueryHandler struct {
	querier *view.Querier
	fresh   freshness
}

// ServeHTTP handles the query HTTP request.
func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if req.Limit < 0 || req.Limit > maxQueryLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 0 and %d", maxQueryLimit), requestID)
		return
	}

	if err := h.fresh.wait(r.Context(), req.MinLSN); err != nil {
		writeFactlogError(w, r, err)
		return
	}

	events, err := h.querier.Query(r.Context(), view.QueryRequest{
		Filter:    req.filter(),
		Predicate: req.Predicate,
	})
	if err != nil {
		writeFactlogError(w, r, err)
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{Events: events, Count: len(events), RequestID: requestID})
}

func (req QueryRequest) filter() types.EventFilter {
	f := types.EventFilter{
		Actions:      req.Actions,
		ActionPrefix: req.ActionPrefix,
		Subject:      req.Subject,
		Nonce:        req.Nonce,
		Limit:        req.Limit,
		Descending:   req.Descending,
	}
	if f.Limit == 0 {
		f.Limit = defaultQueryLimit
	}
	if req.Since != nil {
		f.Since = *req.Since
	}
	if req.Until != nil {
		f.Until = *req.Until
	}
	return f
}
