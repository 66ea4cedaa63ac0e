package access

import (
	"context"
	"time"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/internal/pipeline"
	"github.com/factlog/factlog/pkg/types"
)

// AdminLane is the source lane administrative permission changes arrive on.
const AdminLane = "admin"

// PermissionChange describes one grant, revocation, denial or inheritance.
// Either Principal or a credential (raw Token or TokenHash) is required.
type PermissionChange struct {
	Principal string `json:"principal,omitempty"`
	// Token is a raw credential; only its hash is written to the log.
	Token          string     `json:"token,omitempty"`
	TokenHash      string     `json:"token_hash,omitempty"`
	AllowedActions []string   `json:"allowed_actions,omitempty"`
	MaxRows        *int64     `json:"max_rows,omitempty"`
	TTLSeconds     float64    `json:"ttl_seconds,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	BudgetSeconds  *float64   `json:"budget_seconds,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Actor          string     `json:"actor,omitempty"`
	// OccurredAt defaults to now. Backdating is how late corrections are recorded.
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// Admin turns permission changes into system.permission.* events. There is no
// other way to change a permission.
type Admin struct {
	cfg    Config
	hasher *CredentialHasher
	buf    Appender
	opts   options
}

// NewAdmin creates an admin writer appending to buf.
func NewAdmin(cfg Config, hasher *CredentialHasher, buf Appender, opts ...Option) *Admin {
	return &Admin{cfg: cfg.withDefaults(), hasher: hasher, buf: buf, opts: buildOptions(opts)}
}

// Grant appends system.permission.granted.
func (a *Admin) Grant(ctx context.Context, c PermissionChange) (types.Candidate, error) {
	return a.Apply(ctx, StateGranted, c)
}

// Revoke appends system.permission.revoked.
func (a *Admin) Revoke(ctx context.Context, c PermissionChange) (types.Candidate, error) {
	return a.Apply(ctx, StateRevoked, c)
}

// Deny appends system.permission.denied.
func (a *Admin) Deny(ctx context.Context, c PermissionChange) (types.Candidate, error) {
	return a.Apply(ctx, StateDenied, c)
}

// Inherit appends system.permission.inherited.
func (a *Admin) Inherit(ctx context.Context, c PermissionChange) (types.Candidate, error) {
	return a.Apply(ctx, StateInherited, c)
}

// Apply appends the permission event for state.
func (a *Admin) Apply(ctx context.Context, state State, c PermissionChange) (types.Candidate, error) {
	if _, ok := precedence[state]; !ok {
		return types.Candidate{}, ferrors.NewValidationError(ferrors.CodeMalformed, "unknown permission state "+string(state))
	}
	env, err := a.Envelope(state, c)
	if err != nil {
		return types.Candidate{}, err
	}
	return appendEnvelope(ctx, a.buf, env, AdminLane)
}

// Envelope builds the event payload without appending it.
func (a *Admin) Envelope(state State, c PermissionChange) (pipeline.Envelope, error) {
	tokenHash := c.TokenHash
	if c.Token != "" {
		tokenHash = a.hasher.Hash(c.Token)
	}
	if c.Principal == "" && tokenHash == "" {
		return pipeline.Envelope{}, ferrors.NewValidationError(ferrors.CodeMalformed, "a principal or credential is required")
	}

	attrs := map[string]interface{}{}
	obj := &types.ObjectRef{Type: "credential", ID: tokenHash}
	if c.Principal != "" {
		attrs[types.AttrPrincipal] = c.Principal
		obj = &types.ObjectRef{Type: "principal", ID: c.Principal}
	}
	if tokenHash != "" {
		attrs[types.AttrTokenHash] = tokenHash
	}
	if c.AllowedActions != nil {
		attrs[types.AttrAllowedActions] = c.AllowedActions
	}
	if c.MaxRows != nil {
		attrs[types.AttrMaxRows] = *c.MaxRows
	}
	if c.TTLSeconds > 0 {
		attrs[types.AttrTTLSeconds] = c.TTLSeconds
	}
	if c.ExpiresAt != nil {
		attrs[types.AttrExpiresAt] = c.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if c.BudgetSeconds != nil {
		attrs[a.cfg.QuotaAttribute] = *c.BudgetSeconds
	}
	if c.Reason != "" {
		attrs["reason"] = c.Reason
	}

	at := a.opts.now()
	if c.OccurredAt != nil {
		at = *c.OccurredAt
	}
	actor := c.Actor
	if actor == "" {
		actor = "admin"
	}
	return pipeline.Envelope{
		OccurredAt: at.UTC().Format(time.RFC3339Nano),
		ActorID:    actor,
		Action:     types.PermissionActionPrefix + string(state),
		Object:     obj,
		Source:     SystemSource,
		Attributes: attrs,
	}, nil
}
