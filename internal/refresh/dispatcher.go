// Package refresh runs user aggregations in the background, one at a time
// per user.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/github-quest/internal/aggregate"
	"github.com/cam3ron2/github-quest/internal/progress"
	"github.com/cam3ron2/github-quest/internal/store"
	"github.com/cam3ron2/github-quest/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyRunning is returned when the user already has a refresh in flight.
	ErrAlreadyRunning = errors.New("refresh already running")
	// ErrRateLimited is returned when the dispatcher's per-minute budget is spent.
	ErrRateLimited = errors.New("refresh rate limited")
)

// Runner executes one aggregation. *aggregate.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req aggregate.Request) aggregate.Outcome
}

// ClientFunc builds the GitHub client used for username's aggregation.
type ClientFunc func(ctx context.Context, username string) (aggregate.Client, error)

// Config controls dispatcher behavior.
type Config struct {
	Workers     int
	QueueBuffer int
	// LockTTL bounds how long a crashed refresh can block the next one. It
	// should exceed the aggregation timeout.
	LockTTL time.Duration
	// MaxJobAge drops jobs that waited in the queue longer than this.
	MaxJobAge            time.Duration
	MaxEnqueuesPerMinute int
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     2,
		QueueBuffer: 64,
		LockTTL:     4 * time.Minute,
		MaxJobAge:   10 * time.Minute,
	}
}

// Job is one queued refresh.
type Job struct {
	ID        string              `json:"id"`
	Username  string              `json:"username"`
	Range     aggregate.TimeRange `json:"range"`
	Orgs      []string            `json:"orgs,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// Request asks for a refresh of one user.
type Request struct {
	Username string
	Range    aggregate.TimeRange
	Orgs     []string
}

// Dependencies are the collaborators of a Dispatcher. Board and Metrics are
// optional.
type Dependencies struct {
	Runner  Runner
	Clients ClientFunc
	Locker  store.Locker
	Board   progress.Board
	Metrics *telemetry.Metrics
}

// Dispatcher deduplicates refresh requests per user and runs them on a fixed
// worker pool.
type Dispatcher struct {
	cfg    Config
	deps   Dependencies
	queue  *Queue
	logger *zap.Logger

	// limiter is nil when enqueues are unlimited.
	limiter *rate.Limiter

	// Now is injected for testability.
	Now func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config, deps Dependencies, logger *zap.Logger) *Dispatcher {
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueBuffer <= 0 {
		cfg.QueueBuffer = defaults.QueueBuffer
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.MaxJobAge <= 0 {
		cfg.MaxJobAge = defaults.MaxJobAge
	}
	if deps.Locker == nil {
		deps.Locker = store.NewMemoryLocker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:     cfg,
		deps:    deps,
		queue:   NewQueue(cfg.QueueBuffer),
		logger:  logger,
		limiter: newEnqueueLimiter(cfg.MaxEnqueuesPerMinute),
		Now:     time.Now,
	}
}

// LockKey is the locker key guarding username's refresh.
func LockKey(username string) string {
	return "refresh:" + store.NormalizeUsername(username)
}

// Enqueue queues a refresh of req.Username. It fails with ErrAlreadyRunning
// while another refresh of the same user holds the lock.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) (Job, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return Job{}, errors.New("username is required")
	}
	if req.Range == "" {
		req.Range = aggregate.RangeAll
	}
	now := d.Now()

	if !d.allow(now) {
		d.deps.Metrics.ObserveRefresh("rate_limited")
		return Job{}, ErrRateLimited
	}

	key := LockKey(username)
	acquired, err := d.deps.Locker.Acquire(ctx, key, d.cfg.LockTTL)
	if err != nil {
		d.deps.Metrics.ObserveRefresh("error")
		return Job{}, fmt.Errorf("lock refresh of %s: %w", username, err)
	}
	if !acquired {
		d.deps.Metrics.ObserveRefresh("duplicate")
		return Job{}, ErrAlreadyRunning
	}

	job := Job{
		ID:        fmt.Sprintf("%s:%d", key, now.UnixNano()),
		Username:  username,
		Range:     req.Range,
		Orgs:      req.Orgs,
		CreatedAt: now,
	}
	if err := d.queue.Publish(job); err != nil {
		d.release(ctx, job)
		d.deps.Metrics.ObserveRefresh("queue_full")
		return Job{}, err
	}
	d.deps.Metrics.ObserveRefresh("queued")
	// Replaces the previous run's terminal event so new listeners wait for this run.
	d.sink(username).Report(ctx, progress.Event{Stage: progress.StageInitializing, Detail: "queued", At: now})
	d.logger.Debug("refresh queued", zap.String("username", username), zap.String("job_id", job.ID))
	return job, nil
}

// Run starts the workers and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var g errgroup.Group
	for range d.cfg.Workers {
		g.Go(func() error {
			d.queue.Consume(ctx, d.handle)
			return nil
		})
	}
	return g.Wait()
}

// Depth returns the number of jobs waiting for a worker.
func (d *Dispatcher) Depth() int {
	return d.queue.Depth()
}

func (d *Dispatcher) handle(ctx context.Context, job Job) {
	defer d.release(ctx, job)

	logger := d.logger.With(zap.String("username", job.Username), zap.String("job_id", job.ID))
	sink := d.sink(job.Username)

	if ShouldDropJobByAge(job, d.Now(), d.cfg.MaxJobAge) {
		logger.Warn("dropping stale refresh", zap.Time("created_at", job.CreatedAt))
		sink.Report(ctx, progress.Event{
			Stage:  progress.StageFailed,
			Detail: fmt.Sprintf("refresh dropped after waiting %s in the queue", d.Now().Sub(job.CreatedAt).Round(time.Second)),
		})
		d.deps.Metrics.ObserveRefresh("stale")
		return
	}

	client, err := d.deps.Clients(ctx, job.Username)
	if err != nil {
		logger.Warn("resolving github client failed", zap.Error(err))
		sink.Report(ctx, progress.Event{
			Stage:  progress.StageFailed,
			Detail: fmt.Sprintf("%s: %v", progress.StageInitializing, err),
		})
		d.deps.Metrics.ObserveRefresh("failed")
		return
	}

	outcome := d.deps.Runner.Run(ctx, aggregate.Request{
		Username: job.Username,
		Range:    job.Range,
		Orgs:     job.Orgs,
		Client:   client,
		Sink:     sink,
	})
	d.deps.Metrics.ObserveRefresh(string(outcome.Status))
}

func (d *Dispatcher) sink(username string) progress.Sink {
	if d.deps.Board == nil {
		return progress.Discard{}
	}
	return progress.SinkFor(d.deps.Board, username, d.logger)
}

func (d *Dispatcher) release(ctx context.Context, job Job) {
	if err := d.deps.Locker.Release(context.WithoutCancel(ctx), LockKey(job.Username)); err != nil {
		d.logger.Warn("releasing refresh lock failed", zap.String("username", job.Username), zap.Error(err))
	}
}

func newEnqueueLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}

func (d *Dispatcher) allow(now time.Time) bool {
	if d.limiter == nil {
		return true
	}
	return d.limiter.AllowN(now, 1)
}

// ShouldDropJobByAge reports whether job waited longer than maxAge.
func ShouldDropJobByAge(job Job, now time.Time, maxAge time.Duration) bool {
	if job.CreatedAt.IsZero() || maxAge <= 0 {
		return false
	}
	return now.Sub(job.CreatedAt) > maxAge
}
