package access

import (
	"context"
	"time"

	"go.uber.org/zap"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/pkg/types"
)

// State is the kind of a permission event.
type State string

const (
	StateGranted   State = "granted"
	StateRevoked   State = "revoked"
	StateDenied    State = "denied"
	StateInherited State = "inherited"
)

// precedence breaks ties between permission events at the same instant.
var precedence = map[State]int{
	StateDenied:    4,
	StateRevoked:   3,
	StateGranted:   2,
	StateInherited: 1,
}

// WildcardAction in allowed_tools allows every action.
const WildcardAction = "*"

// StateOf maps a permission action to its state.
func StateOf(action string) (State, bool) {
	switch action {
	case ActionGranted:
		return StateGranted, true
	case ActionRevoked:
		return StateRevoked, true
	case ActionDenied:
		return StateDenied, true
	case ActionInherited:
		return StateInherited, true
	}
	return "", false
}

// Permission is the effective permission of a principal or credential.
type Permission struct {
	Principal      string     `json:"principal,omitempty"`
	TokenHash      string     `json:"token_hash,omitempty"`
	State          State      `json:"state"`
	AllowedActions []string   `json:"allowed_actions"`
	MaxRows        int64      `json:"max_rows"`
	TTLSeconds     float64    `json:"ttl_seconds,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	QuotaSeconds   *float64   `json:"quota_seconds,omitempty"`
	EventID        string     `json:"event_id"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// Allows reports whether action is among the allowed actions.
func (p *Permission) Allows(action string) bool {
	for _, a := range p.AllowedActions {
		if a == action || a == WildcardAction {
			return true
		}
	}
	return false
}

// TTL returns the grant's time-to-live, zero when unset.
func (p *Permission) TTL() time.Duration {
	return time.Duration(p.TTLSeconds * float64(time.Second))
}

// ResolveEffective picks the effective permission event among events. Non
// permission events and grants expired at now are ignored. The rest are ordered
// by occurred_at desc, received_at desc, precedence (denied > revoked > granted >
// inherited), event_id desc, and the first one wins. It returns nil when nothing
// is left.
func ResolveEffective(events []types.Event, now time.Time) *types.Event {
	var best *types.Event
	for i := range events {
		ev := &events[i]
		state, ok := StateOf(ev.Action)
		if !ok {
			continue
		}
		if (state == StateGranted || state == StateInherited) && expired(ev, now) {
			continue
		}
		if best == nil || outranks(ev, best) {
			best = ev
		}
	}
	return best
}

func outranks(a, b *types.Event) bool {
	if !a.OccurredAt.Equal(b.OccurredAt) {
		return a.OccurredAt.After(b.OccurredAt)
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.After(b.ReceivedAt)
	}
	sa, _ := StateOf(a.Action)
	sb, _ := StateOf(b.Action)
	if precedence[sa] != precedence[sb] {
		return precedence[sa] > precedence[sb]
	}
	return a.EventID > b.EventID
}

// expiry returns the earlier of expires_at and occurred_at+ttl_seconds. invalid
// is set when expires_at is present but unreadable.
func expiry(ev *types.Event) (at time.Time, invalid bool) {
	if raw, present := ev.Attributes[types.AttrExpiresAt]; present && raw != nil {
		s, _ := raw.(string)
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, true
		}
		at = t
	}
	if ttl, ok := ev.NumberAttr(types.AttrTTLSeconds); ok && ttl > 0 {
		t := ev.OccurredAt.Add(time.Duration(ttl * float64(time.Second)))
		if at.IsZero() || t.Before(at) {
			at = t
		}
	}
	return at, false
}

// expired fails closed on an unreadable expiry.
func expired(ev *types.Event, now time.Time) bool {
	at, invalid := expiry(ev)
	if invalid {
		return true
	}
	return !at.IsZero() && !now.Before(at)
}

// PermissionResolver resolves latest-wins permissions from the view.
type PermissionResolver struct {
	cfg     Config
	view    EventFinder
	emitter *Emitter
	opts    options
}

// NewPermissionResolver creates a resolver reading from view. emitter may be nil.
func NewPermissionResolver(cfg Config, view EventFinder, emitter *Emitter, opts ...Option) *PermissionResolver {
	o := buildOptions(opts)
	o.logger = o.logger.Named("permissions")
	return &PermissionResolver{cfg: cfg.withDefaults(), view: view, emitter: emitter, opts: o}
}

// ResolvePermission resolves key, a principal or a credential hash. A missing,
// expired, revoked or denied permission is an ACCESS/PERMISSION_DENIED error and
// is recorded as a security event.
func (r *PermissionResolver) ResolvePermission(ctx context.Context, key string) (*Permission, error) {
	if key == "" {
		return nil, ferrors.NewAccessError(ferrors.CodePermissionDenied, "no principal or credential given")
	}
	eff, err := r.effective(ctx, key)
	if err != nil {
		return nil, err
	}
	if eff == nil {
		return nil, r.deny(ctx, key, "", "no_permission", "")
	}
	state, _ := StateOf(eff.Action)
	if state == StateDenied || state == StateRevoked {
		return nil, r.deny(ctx, key, eff.Principal(), string(state), eff.EventID)
	}

	r.opts.metrics.AccessDecisions.WithLabelValues("permission", "allowed").Inc()
	return r.permissionFrom(eff, state), nil
}

// effective picks the event deciding key. A credential hash is decided by its own
// events plus the principal-wide events of its owners. A principal is decided by
// its principal-wide events; without any, it holds what its newest live
// credential holds, so closing one credential never closes the others.
func (r *PermissionResolver) effective(ctx context.Context, key string) (*types.Event, error) {
	direct, err := r.view.Find(ctx, types.EventFilter{ActionPrefix: types.PermissionActionPrefix, Subject: key})
	if err != nil {
		return nil, err
	}
	now := r.opts.now()

	var own, wide []types.Event
	perCredential := map[string][]types.Event{}
	for _, ev := range direct {
		switch h := ev.TokenHash(); {
		case h == key:
			own = append(own, ev)
		case h == "":
			wide = append(wide, ev)
		default:
			perCredential[h] = append(perCredential[h], ev)
		}
	}

	if len(own) > 0 {
		events, err := r.withOwners(ctx, key, own)
		if err != nil {
			return nil, err
		}
		return ResolveEffective(events, now), nil
	}

	if eff := ResolveEffective(wide, now); eff != nil {
		return eff, nil
	}
	var best *types.Event
	for _, events := range perCredential {
		eff := ResolveEffective(events, now)
		if eff == nil {
			continue
		}
		if state, _ := StateOf(eff.Action); state != StateGranted && state != StateInherited {
			continue
		}
		if best == nil || outranks(eff, best) {
			best = eff
		}
	}
	if best != nil {
		return best, nil
	}
	// every credential is closed; report the newest closing event
	return ResolveEffective(direct, now), nil
}

// withOwners adds the principal-wide events of the principals owning key, so a
// denial of the principal also closes its credentials.
func (r *PermissionResolver) withOwners(ctx context.Context, key string, own []types.Event) ([]types.Event, error) {
	var owners []string
	seenOwner := map[string]bool{key: true}
	for i := range own {
		if p := own[i].Principal(); p != "" && !seenOwner[p] {
			seenOwner[p] = true
			owners = append(owners, p)
		}
	}

	out := own
	seen := make(map[string]bool, len(own))
	for i := range own {
		seen[own[i].EventID] = true
	}
	for _, p := range owners {
		events, err := r.view.Find(ctx, types.EventFilter{ActionPrefix: types.PermissionActionPrefix, Subject: p})
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if ev.TokenHash() == "" && !seen[ev.EventID] {
				seen[ev.EventID] = true
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

func (r *PermissionResolver) permissionFrom(ev *types.Event, state State) *Permission {
	p := &Permission{
		Principal:      ev.Principal(),
		TokenHash:      ev.TokenHash(),
		State:          state,
		AllowedActions: stringList(ev.Attributes[types.AttrAllowedActions]),
		MaxRows:        r.cfg.DefaultMaxRows,
		EventID:        ev.EventID,
		OccurredAt:     ev.OccurredAt,
	}
	if n, ok := ev.NumberAttr(types.AttrMaxRows); ok && n >= 0 {
		p.MaxRows = int64(n)
	}
	if ttl, ok := ev.NumberAttr(types.AttrTTLSeconds); ok && ttl > 0 {
		p.TTLSeconds = ttl
	}
	if at, _ := expiry(ev); !at.IsZero() {
		at = at.UTC()
		p.ExpiresAt = &at
	}
	if q, ok := ev.NumberAttr(r.cfg.QuotaAttribute); ok {
		p.QuotaSeconds = &q
	}
	return p
}

func (r *PermissionResolver) deny(ctx context.Context, key, principal, reason, eventID string) error {
	r.opts.metrics.AccessDecisions.WithLabelValues("permission", "denied").Inc()
	r.opts.logger.Info("permission denied",
		zap.String("principal", principal),
		zap.String("reason", reason))

	attrs := map[string]interface{}{"subject": key, "reason": reason}
	if eventID != "" {
		attrs["effective_event_id"] = eventID
	}
	r.emitter.Emit(ctx, ActionPermissionDenied, principal, attrs)

	return ferrors.NewAccessError(ferrors.CodePermissionDenied, "permission denied: "+reason).
		WithDetails(map[string]interface{}{"reason": reason})
}

func stringList(v interface{}) []string {
	var out []string
	switch vs := v.(type) {
	case []interface{}:
		for _, x := range vs {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, vs...)
	}
	return out
}
