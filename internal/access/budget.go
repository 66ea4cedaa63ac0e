package access

import (
	"context"
	"errors"
	"time"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/pkg/types"
)

// BudgetStatus is a principal's usage against its quota over the trailing window.
type BudgetStatus struct {
	Principal        string  `json:"principal"`
	UsedSeconds      float64 `json:"used_seconds"`
	QuotaSeconds     float64 `json:"quota_seconds"`
	RemainingSeconds float64 `json:"remaining_seconds"`

	// Limited is false when the effective permission carries no quota.
	Limited  bool          `json:"limited"`
	Exceeded bool          `json:"exceeded"`
	Window   time.Duration `json:"window_ns"`
	Events   int           `json:"events"`
}

// BudgetTracker sums usage events from the view on every call.
type BudgetTracker struct {
	cfg     Config
	view    EventFinder
	perms   *PermissionResolver
	emitter *Emitter
	opts    options
}

// NewBudgetTracker creates a tracker. Quotas come from perms.
func NewBudgetTracker(cfg Config, view EventFinder, perms *PermissionResolver, emitter *Emitter, opts ...Option) *BudgetTracker {
	o := buildOptions(opts)
	o.logger = o.logger.Named("budget")
	return &BudgetTracker{cfg: cfg.withDefaults(), view: view, perms: perms, emitter: emitter, opts: o}
}

// CheckBudget compares the principal's usage inside the window with its quota.
// Exceeded means used > quota. A principal without an effective permission has a
// quota of zero and is always exceeded.
func (b *BudgetTracker) CheckBudget(ctx context.Context, principal string) (*BudgetStatus, error) {
	perm, err := b.perms.ResolvePermission(ctx, principal)
	if err != nil && !errors.Is(err, ferrors.ErrPermissionDenied) {
		return nil, err
	}
	return b.CheckBudgetFor(ctx, principal, perm)
}

// CheckBudgetFor is CheckBudget against an already resolved permission, which
// supplies the quota. A nil perm means no effective permission.
func (b *BudgetTracker) CheckBudgetFor(ctx context.Context, principal string, perm *Permission) (*BudgetStatus, error) {
	now := b.opts.now()
	status := &BudgetStatus{Principal: principal, Window: b.cfg.BudgetWindow, Limited: true}

	switch {
	case perm == nil:
	case perm.QuotaSeconds == nil:
		status.Limited = false
	default:
		status.QuotaSeconds = *perm.QuotaSeconds
	}

	used, n, err := b.usage(ctx, principal, now)
	if err != nil {
		return nil, err
	}
	status.UsedSeconds = used
	status.Events = n

	if status.Limited {
		status.Exceeded = perm == nil || used > status.QuotaSeconds
		if remaining := status.QuotaSeconds - used; remaining > 0 {
			status.RemainingSeconds = remaining
		}
	}

	outcome := "ok"
	if status.Exceeded {
		outcome = "exceeded"
		b.emitter.Emit(ctx, ActionBudgetExceeded, principal, map[string]interface{}{
			"used_seconds":   used,
			"quota_seconds":  status.QuotaSeconds,
			"window_seconds": b.cfg.BudgetWindow.Seconds(),
		})
	}
	b.opts.metrics.AccessDecisions.WithLabelValues("budget", outcome).Inc()
	return status, nil
}

// usage sums the usage attribute of usage events in [now-window, now].
func (b *BudgetTracker) usage(ctx context.Context, principal string, now time.Time) (float64, int, error) {
	events, err := b.view.Find(ctx, types.EventFilter{
		Actions: b.cfg.UsageActions,
		Subject: principal,
		Since:   now.Add(-b.cfg.BudgetWindow),
		Until:   now.Add(time.Nanosecond),
	})
	if err != nil {
		return 0, 0, err
	}
	var sum float64
	for i := range events {
		if v, ok := events[i].NumberAttr(b.cfg.UsageAttribute); ok && v > 0 {
			sum += v
		}
	}
	return sum, len(events), nil
}
