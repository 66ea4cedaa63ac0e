package view

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/factlog/factlog/internal/bloom"
	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/internal/observability"
	"github.com/factlog/factlog/internal/pipeline"
	"github.com/factlog/factlog/internal/router"
	"github.com/factlog/factlog/pkg/types"
)

// Well-known source names.
const (
	PrimarySource    = "primary"
	DeadLetterSource = "dead_letter"
)

// Scanner is the read side of an ingest buffer.
type Scanner interface {
	Scan(ctx context.Context, afterLSN uint64, limit int) ([]types.Candidate, error)
	HighWatermark(ctx context.Context) (uint64, error)
}

// Source is one buffer the view consumes, tracked by its own watermark.
type Source struct {
	Name    string
	Scanner Scanner
}

// RefresherConfig holds configuration for the refresh daemon.
type RefresherConfig struct {
	// Interval between scheduled cycles (default: 60s).
	Interval time.Duration

	// BatchSize is candidates per Scan call (default: 1000).
	BatchSize int

	// MaxCandidatesPerCycle bounds what one cycle reads from each source; zero is unbounded.
	MaxCandidatesPerCycle int

	// ExpectedEvents sizes the parent bloom filter.
	ExpectedEvents uint
}

// CycleResult summarizes one refresh cycle.
type CycleResult struct {
	Scanned    int               `json:"scanned"`
	Admitted   int               `json:"admitted"`
	Withheld   int               `json:"withheld"`
	Quality    int               `json:"quality"`
	Dropped    int               `json:"dropped"`
	Duplicates int               `json:"duplicates"`
	Watermarks map[string]uint64 `json:"watermarks"`
	Duration   time.Duration     `json:"duration_ns"`
}

// Refresher incrementally folds new buffer candidates into the view.
type Refresher struct {
	cfg       RefresherConfig
	store     *Store
	pipe      *pipeline.Pipeline
	sources   []Source
	notifier  *router.Notifier
	metrics   *observability.Metrics
	snapshots *Snapshotter
	logger    *zap.Logger
	tracer    trace.Tracer

	// cycleMu keeps cycles from overlapping; it also guards the fields below.
	cycleMu  sync.Mutex
	parents  *bloom.Filter
	capacity uint
	cycles   int

	trigger chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// RefresherOption configures optional collaborators.
type RefresherOption func(*Refresher)

// WithNotifier publishes a notification per source after every cycle.
func WithNotifier(n *router.Notifier) RefresherOption {
	return func(r *Refresher) { r.notifier = n }
}

// WithMetrics records cycle metrics.
func WithMetrics(m *observability.Metrics) RefresherOption {
	return func(r *Refresher) { r.metrics = m }
}

// WithSnapshots uploads a snapshot when one is due.
func WithSnapshots(s *Snapshotter) RefresherOption {
	return func(r *Refresher) { r.snapshots = s }
}

// WithRefresherLogger sets the logger.
func WithRefresherLogger(l *zap.Logger) RefresherOption {
	return func(r *Refresher) { r.logger = l }
}

// NewRefresher creates a refresher over sources. The first source is the one
// freshness waits are measured against.
func NewRefresher(cfg RefresherConfig, store *Store, pipe *pipeline.Pipeline, sources []Source, opts ...RefresherOption) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	r := &Refresher{
		cfg:     cfg,
		store:   store,
		pipe:    pipe,
		sources: sources,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("github.com/factlog/factlog/internal/view"),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = observability.NewMetrics(nil)
	}
	r.logger = r.logger.Named("refresher")
	return r
}

// Start begins the refresh loop. It runs until the context is cancelled or Stop is called.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("view: refresher is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
	return nil
}

// Stop waits for the running cycle, if any, and stops the loop.
func (r *Refresher) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}

	r.cancel()
	<-r.done
	r.running = false
	return nil
}

// Trigger asks the loop for an early cycle. It never blocks; triggers that
// arrive while one is queued are merged.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Refresher) run(ctx context.Context) {
	defer close(r.done)

	r.RunOnce(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-r.trigger:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one cycle and logs its failure instead of returning it.
func (r *Refresher) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("refresh cycle failed", zap.Error(err))
	}
}

// Refresh runs one cycle: scan each source from its watermark, derive, merge
// with pending events, deduplicate, resolve dependencies, then apply atomically.
// Concurrent callers wait for the running cycle.
func (r *Refresher) Refresh(ctx context.Context) (CycleResult, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "view.refresh")
	defer span.End()

	res, err := r.refresh(ctx)
	res.Duration = time.Since(start)
	r.metrics.RefreshDuration.Observe(res.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("factlog.refresh.scanned", res.Scanned),
		attribute.Int("factlog.refresh.admitted", res.Admitted),
		attribute.Int("factlog.refresh.withheld", res.Withheld),
		attribute.Int("factlog.refresh.quality", res.Quality),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RefreshCycles.WithLabelValues("error").Inc()
		r.publish(router.RefreshFailed, res)
		return res, err
	}
	if res.Scanned == 0 {
		r.metrics.RefreshCycles.WithLabelValues("idle").Inc()
		return res, nil
	}

	r.metrics.RefreshCycles.WithLabelValues("ok").Inc()
	r.metrics.Derived.WithLabelValues("admitted").Add(float64(res.Admitted))
	r.metrics.Derived.WithLabelValues("withheld").Add(float64(res.Withheld))
	r.metrics.Derived.WithLabelValues("quality").Add(float64(res.Quality))
	r.metrics.Derived.WithLabelValues("dropped").Add(float64(res.Dropped))
	r.metrics.Derived.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	r.metrics.PendingEvents.Set(float64(res.Withheld))
	for source, wm := range res.Watermarks {
		r.metrics.ViewWatermark.WithLabelValues(source).Set(float64(wm))
	}
	r.publish(router.ViewRefreshed, res)

	r.logger.Info("view refreshed",
		zap.Int("scanned", res.Scanned),
		zap.Int("admitted", res.Admitted),
		zap.Int("withheld", res.Withheld),
		zap.Int("quality", res.Quality),
		zap.Int("dropped", res.Dropped),
		zap.Duration("duration", res.Duration))

	r.cycles++
	if r.snapshots != nil && r.snapshots.Due(r.cycles) {
		if key, err := r.snapshots.Take(ctx, r.store); err != nil {
			r.logger.Warn("snapshot upload failed", zap.Error(err))
		} else {
			r.logger.Info("snapshot uploaded", zap.String("key", key))
		}
	}
	return res, nil
}

func (r *Refresher) refresh(ctx context.Context) (CycleResult, error) {
	res := CycleResult{Watermarks: map[string]uint64{}}

	marks, err := r.store.Watermarks(ctx)
	if err != nil {
		return res, ferrors.NewViewError(ferrors.CodeRefreshFailed, "load watermarks", err)
	}

	var candidates []types.Candidate
	next := make(map[string]uint64, len(r.sources))
	for _, src := range r.sources {
		batch, err := r.scan(ctx, src, marks[src.Name])
		if err != nil {
			return res, err
		}
		res.Watermarks[src.Name] = marks[src.Name]
		if len(batch) > 0 {
			next[src.Name] = batch[len(batch)-1].LSN
			res.Watermarks[src.Name] = next[src.Name]
		}
		candidates = append(candidates, batch...)
	}
	res.Scanned = len(candidates)
	if len(candidates) == 0 {
		return res, nil
	}

	pending, err := r.store.Pending(ctx)
	if err != nil {
		return res, ferrors.NewViewError(ferrors.CodeRefreshFailed, "load pending", err)
	}

	d := r.pipe.Derive(candidates)
	res.Quality = d.Stats.Quality
	res.Dropped = d.Stats.Dropped

	merged := pipeline.Deduplicate(append(pending, d.Events...))
	res.Duplicates = len(pending) + len(d.Events) - len(merged)

	if err := r.warm(ctx); err != nil {
		return res, ferrors.NewViewError(ferrors.CodeRefreshFailed, "load parent filter", err)
	}
	admitted, withheld, err := pipeline.DependencyResolver{}.Resolve(ctx, merged, parentFilter{filter: r.parents, index: r.store})
	if err != nil {
		return res, ferrors.NewViewError(ferrors.CodeRefreshFailed, "resolve dependencies", err)
	}

	if err := r.store.Apply(ctx, Batch{Admitted: admitted, Withheld: withheld, Watermarks: next}); err != nil {
		return res, err
	}
	for i := range admitted {
		r.parents.AddString(admitted[i].EventID)
	}
	res.Admitted = len(admitted)
	res.Withheld = len(withheld)
	return res, nil
}

// scan reads a source from after, in batches, up to the per-cycle bound.
func (r *Refresher) scan(ctx context.Context, src Source, after uint64) ([]types.Candidate, error) {
	var out []types.Candidate
	for {
		limit := r.cfg.BatchSize
		if bound := r.cfg.MaxCandidatesPerCycle; bound > 0 {
			if remaining := bound - len(out); remaining < limit {
				limit = remaining
			}
		}
		if limit <= 0 {
			return out, nil
		}

		batch, err := src.Scanner.Scan(ctx, after, limit)
		if err != nil {
			return nil, ferrors.NewStorageError(ferrors.CodeScanFailed, "scan "+src.Name, err)
		}
		out = append(out, batch...)
		if len(batch) < limit {
			return out, nil
		}
		after = batch[len(batch)-1].LSN
	}
}

// warm (re)builds the parent bloom filter from the store on first use and
// whenever it has outgrown its sizing.
func (r *Refresher) warm(ctx context.Context) error {
	if r.parents != nil && r.parents.Count() <= uint64(r.capacity) {
		return nil
	}
	n, err := r.store.Count(ctx)
	if err != nil {
		return err
	}
	capacity := r.cfg.ExpectedEvents
	if c := uint(n) * 2; c > capacity {
		capacity = c
	}
	if capacity < 1024 {
		capacity = 1024
	}

	filter := bloom.NewWithEstimates(capacity, 0.01)
	if err := r.store.EachID(ctx, filter.AddString); err != nil {
		return err
	}
	r.parents = filter
	r.capacity = capacity
	r.logger.Debug("parent filter built", zap.Int64("events", n), zap.Uint("capacity", capacity))
	return nil
}

func (r *Refresher) publish(typ router.NotificationType, res CycleResult) {
	if r.notifier == nil {
		return
	}
	now := time.Now().UnixNano()
	for _, src := range r.sources {
		r.notifier.Publish(router.Notification{
			Type:      typ,
			Source:    src.Name,
			Watermark: res.Watermarks[src.Name],
			Admitted:  res.Admitted,
			Withheld:  res.Withheld,
			Quality:   res.Quality,
			Timestamp: now,
		})
	}
}

// parentFilter skips the store lookup for IDs the bloom filter has never seen.
type parentFilter struct {
	filter *bloom.Filter
	index  pipeline.ParentIndex
}

func (p parentFilter) OccurredAt(ctx context.Context, ids []string) (map[string]time.Time, error) {
	maybe := make([]string, 0, len(ids))
	for _, id := range ids {
		if p.filter.MayContainString(id) {
			maybe = append(maybe, id)
		}
	}
	if len(maybe) == 0 {
		return map[string]time.Time{}, nil
	}
	return p.index.OccurredAt(ctx, maybe)
}
