// Package app wires the factlog services together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/factlog/factlog/internal/access"
	grpcapi "github.com/factlog/factlog/internal/api/grpc"
	httpapi "github.com/factlog/factlog/internal/api/http"
	"github.com/factlog/factlog/internal/config"
	"github.com/factlog/factlog/internal/ingest"
	"github.com/factlog/factlog/internal/logging"
	"github.com/factlog/factlog/internal/observability"
	"github.com/factlog/factlog/internal/pipeline"
	"github.com/factlog/factlog/internal/router"
	"github.com/factlog/factlog/internal/server"
	"github.com/factlog/factlog/internal/storage"
	"github.com/factlog/factlog/internal/view"
)

// App manages all factlog service lifecycles.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	shutdown *server.Shutdown

	// Shared resources
	buffer   ingest.Buffer
	sources  []view.Source
	store    *view.Store
	notifier *router.Notifier
	objects  storage.ObjectStorage
	redis    redis.UniversalClient

	// Service components
	refresher    *view.Refresher
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration. A nil logger is built
// from cfg.Logger.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	if logger == nil {
		var err error
		if logger, err = logging.New(cfg.Logger); err != nil {
			return nil, err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  observability.NewMetrics(registry),
		shutdown: server.NewShutdown(server.ShutdownConfig{}, logger),
	}, nil
}

// Start initializes shared resources and starts all configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initSharedResources(ctx); err != nil {
		a.fail()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if a.cfg.ShouldRunRefresh() {
		if err := a.startRefresher(ctx); err != nil {
			a.fail()
			return fmt.Errorf("failed to start refresher: %w", err)
		}
	}

	deps, err := a.httpDeps()
	if err != nil {
		a.fail()
		return err
	}
	if err := a.startHTTP(deps); err != nil {
		a.fail()
		return fmt.Errorf("failed to start http server: %w", err)
	}

	if a.cfg.ShouldRunIngest() && a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.fail()
			return fmt.Errorf("failed to start grpc server: %w", err)
		}
	}

	a.logger.Info("factlog started",
		zap.String("mode", string(a.cfg.Mode)),
		zap.String("backend", a.cfg.Ingest.Backend))
	return nil
}

// initSharedResources opens the ingest buffer, object storage, the view and
// the optional redis client.
func (a *App) initSharedResources(ctx context.Context) error {
	if err := a.openBuffer(ctx); err != nil {
		return err
	}

	if a.cfg.View.Snapshot.Enabled {
		objects, err := storage.New(ctx, a.cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.objects = objects
		a.logger.Info("storage initialized", zap.String("type", a.cfg.Storage.Type))
	}

	if a.cfg.ShouldRunQuery() || a.cfg.ShouldRunRefresh() {
		if err := a.restoreView(ctx); err != nil {
			return err
		}
		store, err := view.Open(a.cfg.View.Path, a.logger)
		if err != nil {
			return fmt.Errorf("failed to open view: %w", err)
		}
		a.store = store
		a.shutdown.Register("view", store)
	}

	if a.cfg.Access.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Access.Redis.Addr,
			Password: a.cfg.Access.Redis.Password,
			DB:       a.cfg.Access.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			a.logger.Warn("redis unreachable, nonce checks use the view only", zap.Error(err))
		}
		cancel()
		a.shutdown.Register("redis", a.redis)
	}
	return nil
}

// openBuffer builds the ingest buffer. With the postgres backend the local WAL
// receives dead letters and is consumed as a second source.
func (a *App) openBuffer(ctx context.Context) error {
	opts := ingest.ResilientOptions{
		RateLimit:         a.cfg.Ingest.RateLimit,
		RateBurst:         a.cfg.Ingest.RateBurst,
		RetryAttempts:     a.cfg.Ingest.RetryAttempts,
		RetryDelay:        a.cfg.Ingest.RetryDelay,
		RetryMaxDelay:     a.cfg.Ingest.RetryMaxDelay,
		BreakerFailures:   a.cfg.Ingest.BreakerFailures,
		BreakerTimeout:    a.cfg.Ingest.BreakerTimeout,
		DeadLetterExcerpt: a.cfg.Pipeline.ExcerptBytes,
		Metrics:           a.metrics,
	}

	wal, err := ingest.OpenWAL(a.cfg.Ingest.WALDir, a.cfg.Ingest.MaxSegmentBytes, ingest.WithWALLogger(a.logger))
	if err != nil {
		return fmt.Errorf("failed to open WAL: %w", err)
	}

	switch a.cfg.Ingest.Backend {
	case config.BackendPostgres:
		pg, err := ingest.OpenPostgres(ctx, a.cfg.Ingest.PostgresURL)
		if err != nil {
			wal.Close()
			return err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			wal.Close()
			return err
		}
		a.buffer = ingest.NewResilient(pg, wal, opts, a.logger)
		a.sources = []view.Source{
			{Name: view.PrimarySource, Scanner: pg},
			{Name: view.DeadLetterSource, Scanner: wal},
		}
	default:
		a.buffer = ingest.NewResilient(wal, nil, opts, a.logger)
		a.sources = []view.Source{{Name: view.PrimarySource, Scanner: wal}}
	}
	a.shutdown.Register("buffer", a.buffer)
	a.logger.Info("ingest buffer opened",
		zap.String("backend", a.cfg.Ingest.Backend),
		zap.String("wal_dir", a.cfg.Ingest.WALDir))
	return nil
}

// restoreView seeds a missing view database from the newest snapshot.
func (a *App) restoreView(ctx context.Context) error {
	snap := a.cfg.View.Snapshot
	if a.objects == nil || !snap.RestoreOnStart {
		return nil
	}
	if _, err := os.Stat(a.cfg.View.Path); err == nil {
		return nil
	}

	key, err := a.snapshotter().Restore(ctx, a.cfg.View.Path)
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		a.logger.Info("no view snapshot to restore; rebuilding from the buffer")
		return nil
	case err != nil:
		return fmt.Errorf("failed to restore view snapshot: %w", err)
	}
	a.logger.Info("view restored from snapshot", zap.String("key", key))
	return nil
}

func (a *App) snapshotter() *view.Snapshotter {
	snap := a.cfg.View.Snapshot
	return view.NewSnapshotter(a.objects, view.SnapshotConfig{
		EveryCycles: snap.EveryCycles,
		Prefix:      snap.Prefix,
		Retain:      snap.Retain,
		TempDir:     a.cfg.DataDir,
	}, a.logger)
}

func (a *App) pipelineOptions() (pipeline.Options, error) {
	pc := a.cfg.Pipeline
	schemas, err := pipeline.LoadAttributeSchemas(pc.AttributeSchemas)
	if err != nil {
		return pipeline.Options{}, err
	}
	rewrites := make([]pipeline.RewriteRule, 0, len(pc.SchemaRewrites))
	for _, r := range pc.SchemaRewrites {
		rewrites = append(rewrites, pipeline.RewriteRule{From: r.From, To: r.To})
	}
	return pipeline.Options{
		MaxPayloadBytes:      pc.MaxPayloadBytes,
		ExcerptBytes:         pc.ExcerptBytes,
		IDVersion:            pc.IDVersion,
		DefaultSchemaVersion: pc.DefaultSchemaVersion,
		Rewrites:             rewrites,
		NamespaceOwners:      pc.NamespaceOwners,
		Schemas:              schemas,
	}, nil
}

// startRefresher starts the loop folding the buffer into the view.
func (a *App) startRefresher(ctx context.Context) error {
	opts, err := a.pipelineOptions()
	if err != nil {
		return err
	}
	pipe, err := pipeline.New(opts, a.logger)
	if err != nil {
		return err
	}

	a.notifier = router.NewNotifier(64)
	refOpts := []view.RefresherOption{
		view.WithNotifier(a.notifier),
		view.WithMetrics(a.metrics),
		view.WithRefresherLogger(a.logger),
	}
	if a.objects != nil {
		refOpts = append(refOpts, view.WithSnapshots(a.snapshotter()))
	}

	vc := a.cfg.View
	a.refresher = view.NewRefresher(view.RefresherConfig{
		Interval:              vc.RefreshInterval,
		BatchSize:             vc.ScanBatchSize,
		MaxCandidatesPerCycle: vc.MaxCandidatesPerCycle,
		ExpectedEvents:        vc.ExpectedEvents,
	}, a.store, pipe, a.sources, refOpts...)

	if err := a.refresher.Start(ctx); err != nil {
		return err
	}
	a.shutdown.Register("refresher", server.CloserFunc(a.refresher.Stop))
	a.logger.Info("refresher started",
		zap.Duration("interval", vc.RefreshInterval),
		zap.Int("sources", len(a.sources)))
	return nil
}

// httpDeps assembles the services the HTTP routes need for the current mode.
func (a *App) httpDeps() (httpapi.Deps, error) {
	d := httpapi.Deps{
		Refresher:    a.refresher,
		Gatherer:     a.registry,
		MetricsPath:  a.cfg.Metrics.Path,
		WaitTimeout:  a.cfg.HTTP.FreshnessTimeout,
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
		Logger:       a.logger,
	}
	if !a.cfg.Metrics.Enabled {
		d.Gatherer = nil
	}

	acfg := access.ConfigFrom(a.cfg.Access)
	if a.cfg.Access.Pepper == "" {
		a.logger.Warn("access.pepper is empty; credential hashes are unkeyed")
	}
	hasher := access.NewCredentialHasher(a.cfg.Access.Pepper)
	accessOpts := []access.Option{access.WithLogger(a.logger), access.WithMetrics(a.metrics)}

	if a.cfg.ShouldRunIngest() {
		d.Buffer = a.buffer
		d.Admin = access.NewAdmin(acfg, hasher, a.buffer, accessOpts...)
	}

	if a.cfg.ShouldRunQuery() {
		stats := observability.NewQueryStats(24 * time.Hour)
		querier, err := view.NewQuerier(a.store, stats, a.metrics)
		if err != nil {
			return d, err
		}

		var nudge func()
		if a.refresher != nil {
			nudge = a.refresher.Trigger
		}

		var reserver access.NonceReserver
		if a.redis != nil {
			reserver = access.NewRedisNonceReserver(a.redis)
		}

		emitter := access.NewEmitter(a.buffer, a.logger)
		perms := access.NewPermissionResolver(acfg, a.store, emitter, accessOpts...)
		budgets := access.NewBudgetTracker(acfg, a.store, perms, emitter, accessOpts...)
		replays := access.NewReplayGuard(acfg, a.store, reserver, emitter, accessOpts...)

		d.Waiter = view.NewWaiter(a.store, a.notifier, view.PrimarySource, 0, nudge)
		d.Querier = querier
		d.QueryStats = stats
		d.Perms = perms
		d.Budgets = budgets
		d.Replays = replays
		d.Gate = access.NewGate(acfg, hasher, perms, budgets, replays, a.buffer, emitter, accessOpts...)
		d.Hasher = hasher
	}
	return d, nil
}

// startHTTP serves the router behind the shutdown middleware.
func (a *App) startHTTP(d httpapi.Deps) error {
	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	a.httpListener = lis
	a.httpServer = &http.Server{
		Handler:      a.shutdown.Middleware(httpapi.NewRouter(d)),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.Register("http", server.HTTPCloser(a.httpServer, 10*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("http server listening", zap.String("addr", lis.Addr().String()))
		if err := a.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
		}
	}()
	return nil
}

// startGRPC serves the gRPC ingest service.
func (a *App) startGRPC() error {
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.grpcListener = lis
	a.grpcServer = grpcapi.NewServer(a.buffer, int(a.cfg.HTTP.MaxBodyBytes), a.logger)
	a.shutdown.Register("grpc", server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			a.logger.Error("grpc server error", zap.Error(err))
		}
	}()
	return nil
}

// HTTPAddr returns the bound HTTP address, or "" before Start.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is not served.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	if a.cancel != nil {
		a.cancel()
	}
	a.waitServers(ctx)
	_ = a.logger.Sync()
	return err
}

// WaitForShutdown blocks until a signal or ctx ends, then shuts down.
func (a *App) WaitForShutdown(ctx context.Context) error {
	err := a.shutdown.Wait(ctx)
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	a.waitServers(ctx)
	return err
}

func (a *App) waitServers(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		a.logger.Warn("shutdown timeout, some servers may not have finished")
	case <-ctx.Done():
	}
}

// fail releases whatever Start managed to open.
func (a *App) fail() {
	_ = a.shutdown.Shutdown(context.Background(), "start failed")
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}
