package access

import (
	"context"
	"time"

	"go.uber.org/zap"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/internal/pipeline"
	"github.com/factlog/factlog/pkg/types"
)

// AdmitRequest is what the request router asks about before running an action.
type AdmitRequest struct {
	// Credential is a raw bearer token; it is hashed before use.
	Credential string `json:"credential,omitempty"`
	TokenHash  string `json:"token_hash,omitempty"`
	Principal  string `json:"principal,omitempty"`
	Action     string `json:"action"`
	Nonce      string `json:"nonce"`
}

// Admission is a successful admission.
type Admission struct {
	Principal   string        `json:"principal"`
	Permission  *Permission   `json:"permission"`
	Budget      *BudgetStatus `json:"budget"`
	RequestLSN  uint64        `json:"request_lsn"`
	CandidateID string        `json:"candidate_id"`
}

// Gate runs the read-side checks in order: permission, allowed action, budget,
// nonce. Budget is checked before anything executes; nothing is cut off midway.
type Gate struct {
	cfg     Config
	hasher  *CredentialHasher
	perms   *PermissionResolver
	budgets *BudgetTracker
	replays *ReplayGuard
	buf     Appender
	emitter *Emitter
	opts    options
}

// NewGate wires the checks together. Admitted requests are appended to buf.
func NewGate(cfg Config, hasher *CredentialHasher, perms *PermissionResolver, budgets *BudgetTracker,
	replays *ReplayGuard, buf Appender, emitter *Emitter, opts ...Option) *Gate {
	o := buildOptions(opts)
	o.logger = o.logger.Named("gate")
	return &Gate{
		cfg:     cfg.withDefaults(),
		hasher:  hasher,
		perms:   perms,
		budgets: budgets,
		replays: replays,
		buf:     buf,
		emitter: emitter,
		opts:    o,
	}
}

// Admit checks req and, when every check passes, records the request so its
// nonce cannot be used again. Rejections are ACCESS errors.
func (g *Gate) Admit(ctx context.Context, req AdmitRequest) (*Admission, error) {
	key := req.TokenHash
	if req.Credential != "" {
		key = g.hasher.Hash(req.Credential)
	}
	byCredential := key != ""
	if !byCredential {
		key = req.Principal
	}

	perm, err := g.perms.ResolvePermission(ctx, key)
	if err != nil {
		return nil, err
	}

	principal := req.Principal
	if principal == "" {
		principal = perm.Principal
	}
	if principal == "" {
		principal = key
	}
	if req.Principal != "" && perm.Principal != "" && perm.Principal != req.Principal {
		return nil, g.reject(ctx, "permission", principal, ferrors.CodePermissionDenied, "credential_mismatch",
			map[string]interface{}{"credential_principal": perm.Principal})
	}
	if !perm.Allows(req.Action) {
		return nil, g.reject(ctx, "action", principal, ferrors.CodePermissionDenied, "action_not_allowed",
			map[string]interface{}{"requested_action": req.Action})
	}

	budget, err := g.budgets.CheckBudgetFor(ctx, principal, perm)
	if err != nil {
		return nil, err
	}
	if budget.Exceeded {
		return nil, ferrors.NewAccessError(ferrors.CodeBudgetExceeded, "budget exceeded").
			WithDetails(map[string]interface{}{"used_seconds": budget.UsedSeconds, "quota_seconds": budget.QuotaSeconds})
	}

	verdict, err := g.replays.CheckNonce(ctx, principal, req.Nonce)
	if err != nil {
		return nil, err
	}
	if verdict == NonceReplay {
		return nil, ferrors.NewAccessError(ferrors.CodeReplayDetected, "nonce already used")
	}

	attrs := map[string]interface{}{
		types.AttrPrincipal: principal,
		types.AttrNonce:     req.Nonce,
		"requested_action":  req.Action,
	}
	if byCredential {
		attrs[types.AttrTokenHash] = key
	}
	c, err := g.append(ctx, g.cfg.RequestAction, principal, &types.ObjectRef{Type: "request", ID: req.Nonce}, attrs)
	if err != nil {
		return nil, err
	}

	g.opts.logger.Debug("request admitted",
		zap.String("principal", principal),
		zap.String("action", req.Action),
		zap.Uint64("lsn", c.LSN))
	return &Admission{
		Principal:   principal,
		Permission:  perm,
		Budget:      budget,
		RequestLSN:  c.LSN,
		CandidateID: c.CandidateID,
	}, nil
}

// RecordUsage appends a usage event for a finished request.
func (g *Gate) RecordUsage(ctx context.Context, principal, nonce string, seconds float64) (types.Candidate, error) {
	if principal == "" || seconds < 0 {
		return types.Candidate{}, ferrors.NewValidationError(ferrors.CodeMalformed, "usage needs a principal and non-negative seconds")
	}
	attrs := map[string]interface{}{
		types.AttrPrincipal:  principal,
		g.cfg.UsageAttribute: seconds,
	}
	if nonce != "" {
		attrs["request_nonce"] = nonce
	}
	return g.append(ctx, g.cfg.UsageActions[0], principal, &types.ObjectRef{Type: "principal", ID: principal}, attrs)
}

func (g *Gate) append(ctx context.Context, action, actor string, obj *types.ObjectRef, attrs map[string]interface{}) (types.Candidate, error) {
	env := pipeline.Envelope{
		OccurredAt: g.opts.now().UTC().Format(time.RFC3339Nano),
		ActorID:    actor,
		Action:     action,
		Object:     obj,
		Source:     g.cfg.RequestSource,
		Attributes: attrs,
	}
	return appendEnvelope(ctx, g.buf, env, Lane)
}

func (g *Gate) reject(ctx context.Context, check, principal, code, reason string, attrs map[string]interface{}) error {
	g.opts.metrics.AccessDecisions.WithLabelValues(check, "denied").Inc()
	attrs["reason"] = reason
	g.emitter.Emit(ctx, ActionPermissionDenied, principal, attrs)
	return ferrors.NewAccessError(code, "permission denied: "+reason).
		WithDetails(map[string]interface{}{"reason": reason})
}
