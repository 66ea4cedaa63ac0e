// Package access answers the read-side questions the request router asks before
// running a privileged operation: who may do what, how much budget is left and
// whether a nonce was already used. Every answer is recomputed from the
// materialized view; there is no separate permission or counter state.
package access

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/factlog/factlog/internal/config"
	"github.com/factlog/factlog/internal/observability"
	"github.com/factlog/factlog/pkg/types"
)

// Well-known actions written and read by this package.
const (
	ActionGranted   = types.PermissionActionPrefix + "granted"
	ActionRevoked   = types.PermissionActionPrefix + "revoked"
	ActionDenied    = types.PermissionActionPrefix + "denied"
	ActionInherited = types.PermissionActionPrefix + "inherited"

	ActionPermissionDenied = "system.security.permission_denied"
	ActionBudgetExceeded   = "system.security.budget_exceeded"
	ActionReplayDetected   = "system.security.replay_detected"
)

// SystemSource owns the system.* namespace.
const SystemSource = "system"

// EventFinder is the slice of the view the access checks read from.
type EventFinder interface {
	Find(ctx context.Context, f types.EventFilter) ([]types.Event, error)
}

// Appender is the write side of the ingest buffer.
type Appender interface {
	Append(ctx context.Context, sub types.Submission) (types.Candidate, error)
}

// Config holds the tunables shared by the access checks.
type Config struct {
	BudgetWindow   time.Duration
	UsageActions   []string
	UsageAttribute string
	QuotaAttribute string

	NonceWindow   time.Duration
	RequestAction string
	// RequestSource owns RequestAction's namespace.
	RequestSource string

	DefaultMaxRows int64
}

// ConfigFrom maps the file configuration onto Config.
func ConfigFrom(c config.AccessConfig) Config {
	return Config{
		BudgetWindow:   c.BudgetWindow,
		UsageActions:   c.UsageActions,
		UsageAttribute: c.UsageAttribute,
		QuotaAttribute: c.QuotaAttribute,
		NonceWindow:    c.NonceWindow,
		RequestAction:  c.RequestAction,
		RequestSource:  c.RequestSource,
		DefaultMaxRows: c.DefaultMaxRows,
	}
}

func (c Config) withDefaults() Config {
	if c.BudgetWindow <= 0 {
		c.BudgetWindow = 24 * time.Hour
	}
	if len(c.UsageActions) == 0 {
		c.UsageActions = []string{"mcp.usage.recorded"}
	}
	if c.UsageAttribute == "" {
		c.UsageAttribute = "execution_seconds"
	}
	if c.QuotaAttribute == "" {
		c.QuotaAttribute = types.AttrBudgetSeconds
	}
	if c.NonceWindow <= 0 {
		c.NonceWindow = 15 * time.Minute
	}
	if c.RequestAction == "" {
		c.RequestAction = "mcp.request.processed"
	}
	if c.RequestSource == "" {
		c.RequestSource = "mcp"
	}
	if c.DefaultMaxRows <= 0 {
		c.DefaultMaxRows = 10000
	}
	return c
}

// Option configures optional collaborators of the access components.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records decisions on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = observability.NewMetrics(nil)
	}
	return o
}
