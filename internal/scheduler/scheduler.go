package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cam3ron2/github-quest/internal/githubapi"
	"go.uber.org/zap"
)

const (
	defaultConcurrency      = 10
	defaultBatchSize        = 20
	defaultMaxRetries       = 2
	defaultBatchDelay       = time.Second
	defaultRetryBackoff     = 500 * time.Millisecond
	defaultRateLimitBackoff = 5 * time.Second
	defaultMaxBackoff       = time.Minute
)

// Config configures the worker pool.
type Config struct {
	// Concurrency is the maximum number of items in flight at once.
	Concurrency int
	// BatchSize is the number of items fed to the pool before pausing BatchDelay.
	BatchSize  int
	BatchDelay time.Duration
	// MaxRetries is the number of per-item retries after the first attempt.
	MaxRetries int
	// RetryBackoff is the base wait after a generic failure.
	RetryBackoff time.Duration
	// RateLimitBackoff is the base wait after a rate-limit failure.
	RateLimitBackoff time.Duration
	MaxBackoff       time.Duration
}

// DefaultConfig returns the pool settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Concurrency:      defaultConcurrency,
		BatchSize:        defaultBatchSize,
		BatchDelay:       defaultBatchDelay,
		MaxRetries:       defaultMaxRetries,
		RetryBackoff:     defaultRetryBackoff,
		RateLimitBackoff: defaultRateLimitBackoff,
		MaxBackoff:       defaultMaxBackoff,
	}
}

// ProgressFunc observes every finished item, successful or dropped.
// Calls are serialized.
type ProgressFunc func(completed, total int, label string)

// Scheduler runs items through a fixed-size worker pool in paced batches.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger

	// Sleep is injected for testability.
	Sleep func(ctx context.Context, d time.Duration) error
	// IsRateLimit selects the long backoff. Defaults to githubapi.IsRateLimit.
	IsRateLimit func(err error) bool
	// OnItem, when set, observes "collected" or "failed" for each item.
	OnItem func(outcome string)
}

// New creates a scheduler. Zero config fields take defaults.
func New(cfg Config, logger *zap.Logger) *Scheduler {
	defaults := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = defaults.RateLimitBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:         cfg,
		logger:      logger,
		Sleep:       githubapi.SleepContext,
		IsRateLimit: githubapi.IsRateLimit,
	}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Result is the outcome of one Run.
type Result[O any] struct {
	// Outputs holds successful results in completion order.
	Outputs []O
	// Completed counts finished items, successful and dropped.
	Completed int
	// Failed counts items dropped after exhausting retries.
	Failed int
}

// Run processes items with at most Concurrency in flight. An item whose process
// call still fails after MaxRetries retries is dropped; progress advances either
// way. Run returns ctx.Err() with the partial result when ctx ends first.
func Run[I, O any](
	ctx context.Context,
	s *Scheduler,
	items []I,
	label func(I) string,
	process func(ctx context.Context, item I) (O, error),
	progress ProgressFunc,
) (Result[O], error) {
	total := len(items)
	result := Result[O]{Outputs: make([]O, 0, total)}
	if total == 0 {
		return result, ctx.Err()
	}

	var mu sync.Mutex
	finish := func(item I, output O, ok bool) {
		mu.Lock()
		defer mu.Unlock()
		result.Completed++
		if ok {
			result.Outputs = append(result.Outputs, output)
		} else {
			result.Failed++
		}
		if progress != nil {
			progress(result.Completed, total, label(item))
		}
	}

	for start := 0; start < total; start += s.cfg.BatchSize {
		if start > 0 && s.cfg.BatchDelay > 0 {
			if err := s.Sleep(ctx, s.cfg.BatchDelay); err != nil {
				return result, err
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch := items[start:min(start+s.cfg.BatchSize, total)]
		jobs := make(chan I, len(batch))
		for _, item := range batch {
			jobs <- item
		}
		close(jobs)

		var wg sync.WaitGroup
		for range min(s.cfg.Concurrency, len(batch)) {
			wg.Go(func() {
				for item := range jobs {
					if ctx.Err() != nil {
						return
					}
					output, ok := runItem(ctx, s, item, label, process)
					if s.OnItem != nil {
						s.OnItem(outcomeLabel(ok))
					}
					finish(item, output, ok)
				}
			})
		}
		wg.Wait()
	}

	return result, ctx.Err()
}

func runItem[I, O any](
	ctx context.Context,
	s *Scheduler,
	item I,
	label func(I) string,
	process func(ctx context.Context, item I) (O, error),
) (O, bool) {
	var zero O
	for attempt := 1; ; attempt++ {
		output, err := safeProcess(ctx, item, process)
		if err == nil {
			return output, true
		}
		if attempt > s.cfg.MaxRetries || ctx.Err() != nil {
			s.logger.Warn("dropping item after retries",
				zap.String("item", label(item)),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return zero, false
		}

		wait := s.backoff(err, attempt)
		s.logger.Debug("retrying item",
			zap.String("item", label(item)),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		if sleepErr := s.Sleep(ctx, wait); sleepErr != nil {
			return zero, false
		}
	}
}

func safeProcess[I, O any](ctx context.Context, item I, process func(ctx context.Context, item I) (O, error)) (output O, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic processing item: %v", recovered)
		}
	}()
	return process(ctx, item)
}

func (s *Scheduler) backoff(err error, attempt int) time.Duration {
	base := s.cfg.RetryBackoff
	if s.IsRateLimit != nil && s.IsRateLimit(err) {
		base = s.cfg.RateLimitBackoff
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return min(wait, s.cfg.MaxBackoff)
}

func outcomeLabel(ok bool) string {
	if ok {
		return "collected"
	}
	return "failed"
}
