package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	ferrors "github.com/factlog/factlog/internal/errors"
	"github.com/factlog/factlog/internal/observability"
	"github.com/factlog/factlog/internal/pipeline"
	"github.com/factlog/factlog/pkg/types"
)

// DeadLetterLane is the source lane of dead-letter candidates.
const DeadLetterLane = "dead_letter"

// ResilientOptions tunes the Resilient wrapper.
type ResilientOptions struct {
	// RateLimit is appends per second; zero disables limiting.
	RateLimit float64
	RateBurst int

	RetryAttempts uint
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// BreakerFailures consecutive failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// DeadLetterExcerpt bounds the payload excerpt stored with dead letters.
	DeadLetterExcerpt int

	// Metrics may be nil.
	Metrics *observability.Metrics
}

// Resilient wraps a primary Buffer with rate limiting, a circuit breaker and bounded
// exponential retry. When retries are exhausted the failure itself becomes data: a
// quality.dead_letter candidate is appended to the fallback buffer.
type Resilient struct {
	primary  Buffer
	fallback Buffer
	opts     ResilientOptions
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
	clock    *receiptClock
	onRetry  func(n uint, err error)
}

// NewResilient wraps primary. fallback may be nil, in which case dead letters are only logged.
func NewResilient(primary, fallback Buffer, opts ResilientOptions, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 1
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.DeadLetterExcerpt <= 0 {
		opts.DeadLetterExcerpt = 1024
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics(nil)
	}

	r := &Resilient{
		primary:  primary,
		fallback: fallback,
		opts:     opts,
		logger:   logger.Named("ingest"),
		clock:    newReceiptClock(nil),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	threshold := opts.BreakerFailures
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ingest-buffer",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			r.opts.Metrics.BreakerState.Set(float64(to))
		},
	})
	return r
}

// Append implements Buffer.
func (r *Resilient) Append(ctx context.Context, sub types.Submission) (types.Candidate, error) {
	start := time.Now()
	c, err := r.append(ctx, sub)
	r.opts.Metrics.AppendDuration.Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "failed"
	}
	r.opts.Metrics.Appends.WithLabelValues(laneOrDefault(sub.SourceLane), result).Inc()
	return c, err
}

func (r *Resilient) append(ctx context.Context, sub types.Submission) (types.Candidate, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return types.Candidate{}, err
		}
	}

	// Every attempt carries the same receipt time, so an attempt that stored
	// before failing is an exact duplicate the dedup stage can drop.
	sub.ReceivedAt = r.clock.stamp(sub.ReceivedAt)

	var stored types.Candidate
	retrier := retry.New(
		retry.Context(ctx),
		retry.Attempts(r.opts.RetryAttempts),
		retry.Delay(r.opts.RetryDelay),
		retry.MaxDelay(r.opts.RetryMaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, context.Canceled)
		}),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			if r.onRetry != nil {
				r.onRetry(n, err)
			}
			return retry.BackOffDelay(n, err, config)
		}),
	)

	err := retrier.Do(func() error {
		res, err := r.breaker.Execute(func() (interface{}, error) {
			return r.primary.Append(ctx, sub)
		})
		if err != nil {
			return err
		}
		stored = res.(types.Candidate)
		return nil
	})
	if err == nil {
		return stored, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) {
		err = ferrors.NewStorageError(ferrors.CodeCircuitOpen, "ingest buffer unavailable", err)
	} else if ferrors.GetCode(err) != ferrors.CodeAppendFailed {
		err = ferrors.NewStorageError(ferrors.CodeAppendFailed, "append failed after retries", err)
	}
	r.deadLetter(ctx, sub, err)
	return types.Candidate{}, err
}

// deadLetter records a permanently failed append. It never returns an error: a
// failure to record the failure is only logged.
func (r *Resilient) deadLetter(ctx context.Context, sub types.Submission, cause error) {
	r.logger.Error("append exhausted retries",
		zap.String("source_lane", sub.SourceLane),
		zap.Int("payload_bytes", len(sub.Payload)),
		zap.Error(cause))

	if r.fallback == nil {
		return
	}
	payload, err := pipeline.DeadLetterPayload(sub, cause, r.opts.DeadLetterExcerpt)
	if err != nil {
		r.logger.Error("failed to build dead letter", zap.Error(err))
		return
	}
	if _, err := r.fallback.Append(ctx, types.Submission{Payload: payload, SourceLane: DeadLetterLane}); err != nil {
		r.logger.Error("failed to append dead letter", zap.Error(err))
	}
}

// Scan implements Buffer. Reads go straight to the primary; the refresher has its
// own retry cadence.
func (r *Resilient) Scan(ctx context.Context, afterLSN uint64, limit int) ([]types.Candidate, error) {
	return r.primary.Scan(ctx, afterLSN, limit)
}

// HighWatermark implements Buffer.
func (r *Resilient) HighWatermark(ctx context.Context) (uint64, error) {
	return r.primary.HighWatermark(ctx)
}

// Close closes the primary and fallback buffers.
func (r *Resilient) Close() error {
	err := r.primary.Close()
	if r.fallback != nil {
		if ferr := r.fallback.Close(); err == nil {
			err = ferr
		}
	}
	return err
}
