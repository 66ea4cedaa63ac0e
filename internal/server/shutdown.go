// Package server coordinates process shutdown: signal handling, draining
// in-flight HTTP requests and closing resources in reverse start order.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Shutdown drains requests and then runs the registered closers, newest first.
type Shutdown struct {
	timeout      time.Duration
	drainTimeout time.Duration
	logger       *zap.Logger

	once     sync.Once
	done     chan struct{}
	draining atomic.Bool
	inFlight atomic.Int64

	mu      sync.Mutex
	closers []namedCloser
}

type namedCloser struct {
	name string
	c    io.Closer
}

// ShutdownConfig bounds the whole shutdown and the request drain inside it.
type ShutdownConfig struct {
	Timeout      time.Duration
	DrainTimeout time.Duration
}

// NewShutdown creates a coordinator. Zero timeouts default to 30s and 15s.
func NewShutdown(cfg ShutdownConfig, logger *zap.Logger) *Shutdown {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shutdown{
		timeout:      cfg.Timeout,
		drainTimeout: cfg.DrainTimeout,
		logger:       logger.Named("shutdown"),
		done:         make(chan struct{}),
	}
}

// Register adds a closer. Closers run in reverse registration order.
func (s *Shutdown) Register(name string, c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, namedCloser{name: name, c: c})
}

// Wait blocks until SIGINT, SIGTERM, ctx cancellation or another caller's
// Shutdown, then shuts down.
func (s *Shutdown) Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return s.Shutdown(context.Background(), "signal "+sig.String())
	case <-ctx.Done():
		return s.Shutdown(context.Background(), "context done")
	case <-s.done:
		return nil
	}
}

// Shutdown runs once; later calls return nil immediately. The first closer
// error is returned, the rest are logged.
func (s *Shutdown) Shutdown(ctx context.Context, reason string) error {
	var firstErr error
	s.once.Do(func() {
		s.logger.Info("shutting down", zap.String("reason", reason))
		s.draining.Store(true)
		close(s.done)

		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		if err := s.drain(ctx); err != nil {
			s.logger.Warn("drain incomplete", zap.Error(err))
		}

		s.mu.Lock()
		closers := append([]namedCloser(nil), s.closers...)
		s.mu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].c.Close(); err != nil {
				s.logger.Error("close failed", zap.String("component", closers[i].name), zap.Error(err))
				if firstErr == nil {
					firstErr = fmt.Errorf("close %s: %w", closers[i].name, err)
				}
			}
		}
		s.logger.Info("shutdown complete")
	})
	return firstErr
}

func (s *Shutdown) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		n := s.inFlight.Load()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d requests still in flight", n)
		case <-ticker.C:
		}
	}
}

// Done is closed when shutdown begins.
func (s *Shutdown) Done() <-chan struct{} { return s.done }

// InFlight returns the number of tracked requests.
func (s *Shutdown) InFlight() int64 { return s.inFlight.Load() }

// Middleware tracks in-flight requests and turns new ones away with 503 once
// shutdown has begun.
func (s *Shutdown) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.Header().Set("Connection", "close")
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }

// HTTPCloser shuts srv down gracefully within timeout.
func HTTPCloser(srv *http.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}
