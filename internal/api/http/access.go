package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/factlog/factlog/internal/access"
	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/pkg/types"
)

// CredentialHeader carries a raw bearer token. It is hashed before any lookup
// and never logged.
const CredentialHeader = "X-Credential"

// AccessHandler serves the permission, budget and nonce checks, request
// admission and the administrative permission writes.
type AccessHandler struct {
	perms   *access.PermissionResolver
	budgets *access.BudgetTracker
	replays *access.ReplayGuard
	gate    *access.Gate
	admin   *access.Admin
	hasher  *access.CredentialHasher
	fresh   freshness
}

// NonceResponse is the answer of GET /v1/nonces/{nonce}.
type NonceResponse struct {
	Nonce   string              `json:"nonce"`
	Verdict access.NonceVerdict `json:"verdict"`
}

// UsageRequest is the body of POST /v1/usage.
type UsageRequest struct {
	Principal        string  `json:"principal"`
	Nonce            string  `json:"nonce,omitempty"`
	ExecutionSeconds float64 `json:"execution_seconds"`
}

var adminStates = map[string]access.State{
	"grant":     access.StateGranted,
	"granted":   access.StateGranted,
	"revoke":    access.StateRevoked,
	"revoked":   access.StateRevoked,
	"deny":      access.StateDenied,
	"denied":    access.StateDenied,
	"inherit":   access.StateInherited,
	"inherited": access.StateInherited,
}

// waitFresh applies ?min_lsn= and reports whether the handler may continue.
func (h *AccessHandler) waitFresh(w http.ResponseWriter, r *http.Request) bool {
	lsn, err := minLSNParam(r)
	if err == nil {
		err = h.fresh.wait(r.Context(), lsn)
	}
	if err != nil {
		writeFactlogError(w, r, err)
		return false
	}
	return true
}

func (h *AccessHandler) permission(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, chi.URLParam(r, "key"))
}

// credentialPermission resolves the credential in the X-Credential header.
func (h *AccessHandler) credentialPermission(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(CredentialHeader)
	if token == "" || h.hasher == nil {
		writeFactlogError(w, r, ferrors.NewValidationError(ferrors.CodeMalformed, CredentialHeader+" header is required"))
		return
	}
	h.resolve(w, r, h.hasher.Hash(token))
}

func (h *AccessHandler) resolve(w http.ResponseWriter, r *http.Request, key string) {
	if !h.waitFresh(w, r) {
		return
	}
	perm, err := h.perms.ResolvePermission(r.Context(), key)
	if err != nil {
		writeFactlogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (h *AccessHandler) budget(w http.ResponseWriter, r *http.Request) {
	if !h.waitFresh(w, r) {
		return
	}
	status, err := h.budgets.CheckBudget(r.Context(), chi.URLParam(r, "principal"))
	if err != nil {
		writeFactlogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// nonce checks and claims a nonce. A replay is a normal answer, not an error.
func (h *AccessHandler) nonce(w http.ResponseWriter, r *http.Request) {
	if !h.waitFresh(w, r) {
		return
	}
	nonce := chi.URLParam(r, "nonce")
	verdict, err := h.replays.CheckNonce(r.Context(), r.URL.Query().Get("principal"), nonce)
	if err != nil {
		writeFactlogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NonceResponse{Nonce: nonce, Verdict: verdict})
}

func (h *AccessHandler) admit(w http.ResponseWriter, r *http.Request) {
	var req access.AdmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), GetRequestID(r.Context()))
		return
	}
	if token := r.Header.Get(CredentialHeader); token != "" {
		req.Credential = token
	}
	if !h.waitFresh(w, r) {
		return
	}

	adm, err := h.gate.Admit(r.Context(), req)
	if err != nil {
		writeFactlogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adm)
}

func (h *AccessHandler) usage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), GetRequestID(r.Context()))
		return
	}
	c, err := h.gate.RecordUsage(r.Context(), req.Principal, req.Nonce, req.ExecutionSeconds)
	if err != nil {
		writeFactlogError(w, r, err)
		return
	}
	writeAccepted(w, r, c)
}

// change handles POST /v1/admin/{state}.
func (h *AccessHandler) change(w http.ResponseWriter, r *http.Request) {
	state, ok := adminStates[chi.URLParam(r, "state")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown permission change", GetRequestID(r.Context()))
		return
	}
	var c access.PermissionChange
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), GetRequestID(r.Context()))
		return
	}

	stored, err := h.admin.Apply(r.Context(), state, c)
	if err != nil {
		writeFactlogError(w, r, err)
		return
	}
	writeAccepted(w, r, stored)
}

func writeAccepted(w http.ResponseWriter, r *http.Request, c types.Candidate) {
	writeJSON(w, http.StatusAccepted, AppendResponse{
		LSN:         c.LSN,
		CandidateID: c.CandidateID,
		SourceLane:  c.SourceLane,
		ReceivedAt:  c.ReceivedAt,
		RequestID:   GetRequestID(r.Context()),
	})
}
