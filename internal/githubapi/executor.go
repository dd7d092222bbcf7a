package githubapi

import (
	"context"
	"errors"
	"time"

	"github.com/cam3ron2/github-quest/internal/telemetry"
	"github.com/google/go-github/v75/github"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = time.Minute
)

// RetryConfig configures rate-limit retries for one remote call.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the retry budget used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     defaultMaxRetries,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
}

// Executor runs remote calls and retries them when GitHub reports a rate limit.
// Other failures are returned to the caller untouched.
type Executor struct {
	retry  RetryConfig
	logger *zap.Logger

	// Sleep is injected for testability. It must return early with ctx.Err()
	// when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry, when set, observes every scheduled retry.
	OnRetry func(name string, attempt int, wait time.Duration)
}

// NewExecutor creates an executor with the given retry budget.
func NewExecutor(retry RetryConfig, logger *zap.Logger) *Executor {
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = defaultInitialBackoff
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		retry:  retry,
		logger: logger,
		Sleep:  SleepContext,
	}
}

// Do runs op, retrying on rate-limit failures while budget remains.
func (e *Executor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	_, err := Call(ctx, e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call runs op through e and returns its value. A nil executor runs op once.
func Call[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error)) (T, error) {
	if e == nil {
		return op(ctx)
	}

	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("github-quest/internal/githubapi").Start(
			ctx,
			"githubapi.executor.call",
			trace.WithAttributes(
				attribute.String("github.operation", name),
				attribute.Int("github.max_retries", e.retry.MaxRetries),
			),
		)
		defer span.End()
	}

	var zero T
	for attempt := 1; ; attempt++ {
		value, err := op(ctx)
		if err == nil {
			if span != nil {
				span.SetStatus(codes.Ok, "call completed")
			}
			return value, nil
		}

		if !IsRateLimit(err) || attempt > e.retry.MaxRetries {
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return zero, err
		}

		wait := e.waitFor(err, attempt)
		e.logger.Debug("rate limited, retrying",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
		)
		if span != nil {
			span.AddEvent("rate_limited", trace.WithAttributes(
				attribute.Int("github.attempt", attempt),
				attribute.Int64("github.wait_ms", wait.Milliseconds()),
			))
		}
		if e.OnRetry != nil {
			e.OnRetry(name, attempt, wait)
		}
		if sleepErr := e.Sleep(ctx, wait); sleepErr != nil {
			return zero, err
		}
	}
}

// waitFor prefers a server-provided retry-after when it fits under the cap.
func (e *Executor) waitFor(err error, attempt int) time.Duration {
	wait := backoffForAttempt(e.retry.InitialBackoff, e.retry.MaxBackoff, attempt)

	var secondary *github.AbuseRateLimitError
	if errors.As(err, &secondary) && secondary.RetryAfter != nil {
		if hint := *secondary.RetryAfter; hint > wait {
			wait = min(hint, e.retry.MaxBackoff)
		}
	}
	return wait
}

func backoffForAttempt(initial, maxBackoff time.Duration, attempt int) time.Duration {
	backoff := initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if maxBackoff > 0 && backoff > maxBackoff {
			return maxBackoff
		}
	}
	if maxBackoff > 0 && backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
