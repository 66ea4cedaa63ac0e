package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/factlog/factlog/internal/access"
	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/internal/observability"
	"github.com/factlog/factlog/internal/view"
	"github.com/factlog/factlog/pkg/types"
)

// Appender is the write side of the ingest buffer.
type Appender interface {
	Append(ctx context.Context, sub types.Submission) (types.Candidate, error)
}

// Deps are the services behind the routes. A nil service leaves its routes
// unmounted, which is how one binary serves the ingest-only and query-only modes.
type Deps struct {
	Buffer    Appender
	Refresher *view.Refresher
	Waiter    *view.Waiter
	Querier   *view.Querier

	Perms   *access.PermissionResolver
	Budgets *access.BudgetTracker
	Replays *access.ReplayGuard
	Gate    *access.Gate
	Admin   *access.Admin
	Hasher  *access.CredentialHasher

	QueryStats  *observability.QueryStats
	Gatherer    prometheus.Gatherer
	MetricsPath string

	// WaitTimeout bounds how long a read waits for its min_lsn
	WaitTimeout  time.Duration
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// NewRouter builds the chi router for d.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.WaitTimeout <= 0 {
		d.WaitTimeout = 30 * time.Second
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 8 << 20
	}
	if d.MetricsPath == "" {
		d.MetricsPath = "/metrics"
	}
	logger := d.Logger.Named("http")

	r := chi.NewRouter()
	r.Use(DefaultMiddleware(logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if d.Gatherer != nil {
		r.Handle(d.MetricsPath, promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if d.Buffer != nil {
			r.Method(http.MethodPost, "/events", NewEventsHandler(d.Buffer, d.MaxBodyBytes, logger))
		}
		if d.Refresher != nil {
			r.Post("/refresh", refreshHandler(d.Refresher))
		}

		f := freshness{waiter: d.Waiter, timeout: d.WaitTimeout}
		if d.Querier != nil {
			r.Method(http.MethodPost, "/query", &QueryHandler{querier: d.Querier, fresh: f})
		}
		if d.QueryStats != nil {
			r.Get("/stats/queries", statsHandler(d.QueryStats))
		}

		a := &AccessHandler{
			perms:   d.Perms,
			budgets: d.Budgets,
			replays: d.Replays,
			gate:    d.Gate,
			admin:   d.Admin,
			hasher:  d.Hasher,
			fresh:   f,
		}
		if d.Perms != nil {
			r.Get("/permissions", a.credentialPermission)
			r.Get("/permissions/{key}", a.permission)
		}
		if d.Budgets != nil {
			r.Get("/budgets/{principal}", a.budget)
		}
		if d.Replays != nil {
			r.Get("/nonces/{nonce}", a.nonce)
		}
		if d.Gate != nil {
			r.Post("/admit", a.admit)
			r.Post("/usage", a.usage)
		}
		if d.Admin != nil {
			r.Post("/admin/{state}", a.change)
		}
	})
	return r
}

// freshness makes a read wait until the view has consumed min_lsn.
type freshness struct {
	waiter  *view.Waiter
	timeout time.Duration
}

func (f freshness) wait(ctx context.Context, minLSN uint64) error {
	if minLSN == 0 || f.waiter == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.waiter.WaitFor(ctx, minLSN)
}

// minLSNParam reads ?min_lsn=.
func minLSNParam(r *http.Request) (uint64, error) {
	v := r.URL.Query().Get("min_lsn")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, ferrors.NewValidationError(ferrors.CodeMalformed, "min_lsn must be an unsigned integer")
	}
	return n, nil
}

func refreshHandler(ref *view.Refresher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := ref.Refresh(r.Context())
		if err != nil {
			writeFactlogError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type statsResponse struct {
	Filters    []observability.UsageStats `json:"filters"`
	Attributes []observability.UsageStats `json:"attributes"`
}

func statsHandler(stats *observability.QueryStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := 20
		if v := r.URL.Query().Get("top"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "top must be a positive integer", GetRequestID(r.Context()))
				return
			}
			n = parsed
		}
		stats.Prune()
		writeJSON(w, http.StatusOK, statsResponse{
			Filters:    stats.TopFilters(n),
			Attributes: stats.TopAttributes(n),
		})
	}
}
