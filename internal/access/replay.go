package access

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/pkg/types"
)

// NonceVerdict is the outcome of a nonce check.
type NonceVerdict string

const (
	NonceFresh  NonceVerdict = "fresh"
	NonceReplay NonceVerdict = "replay"
)

// NonceReserver claims a nonce ahead of the view. Reserve returns false when the
// nonce was already claimed inside ttl.
type NonceReserver interface {
	Reserve(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// RedisNonceReserver claims nonces with SET NX and an expiry of one window.
type RedisNonceReserver struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisNonceReserver creates a reserver over client.
func NewRedisNonceReserver(client redis.UniversalClient) *RedisNonceReserver {
	return &RedisNonceReserver{client: client, prefix: "factlog:nonce:"}
}

// Reserve implements NonceReserver.
func (r *RedisNonceReserver) Reserve(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+nonce, 1, ttl).Result()
}

// ReplayGuard rejects nonces already used inside the validity window.
type ReplayGuard struct {
	cfg      Config
	view     EventFinder
	reserver NonceReserver
	emitter  *Emitter
	opts     options
}

// NewReplayGuard creates a guard. reserver and emitter may be nil; without a
// reserver two uses within one refresh interval can both pass.
func NewReplayGuard(cfg Config, view EventFinder, reserver NonceReserver, emitter *Emitter, opts ...Option) *ReplayGuard {
	o := buildOptions(opts)
	o.logger = o.logger.Named("replay")
	return &ReplayGuard{cfg: cfg.withDefaults(), view: view, reserver: reserver, emitter: emitter, opts: o}
}

// CheckNonce reports whether nonce is fresh. A nonce counts as used when a
// materialized request event inside the window carries it, or when the reserver
// has already claimed it. A fresh nonce is claimed by the check. Replays are
// recorded as security events against principal.
func (g *ReplayGuard) CheckNonce(ctx context.Context, principal, nonce string) (NonceVerdict, error) {
	if nonce == "" {
		return "", ferrors.NewValidationError(ferrors.CodeMalformed, "nonce is required")
	}
	now := g.opts.now()

	seen, err := g.view.Find(ctx, types.EventFilter{
		Actions: []string{g.cfg.RequestAction},
		Nonce:   nonce,
		Since:   now.Add(-g.cfg.NonceWindow),
		Limit:   1,
	})
	if err != nil {
		return "", err
	}
	if len(seen) > 0 {
		return g.replay(ctx, principal, nonce, "view", seen[0].EventID), nil
	}

	if g.reserver != nil {
		fresh, err := g.reserver.Reserve(ctx, nonce, g.cfg.NonceWindow)
		switch {
		case err != nil:
			g.opts.logger.Warn("nonce reservation unavailable, using view answer", zap.Error(err))
		case !fresh:
			return g.replay(ctx, principal, nonce, "reservation", ""), nil
		}
	}

	g.opts.metrics.AccessDecisions.WithLabelValues("nonce", "fresh").Inc()
	return NonceFresh, nil
}

func (g *ReplayGuard) replay(ctx context.Context, principal, nonce, via, eventID string) NonceVerdict {
	g.opts.metrics.AccessDecisions.WithLabelValues("nonce", "replay").Inc()
	g.opts.logger.Warn("replay detected", zap.String("principal", principal), zap.String("via", via))

	attrs := map[string]interface{}{"replayed_nonce": nonce, "detected_by": via}
	if eventID != "" {
		attrs["original_event_id"] = eventID
	}
	g.emitter.Emit(ctx, ActionReplayDetected, principal, attrs)
	return NonceReplay
}
