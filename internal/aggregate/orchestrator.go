package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cam3ron2/github-quest/internal/collector"
	"github.com/cam3ron2/github-quest/internal/discovery"
	"github.com/cam3ron2/github-quest/internal/githubapi"
	"github.com/cam3ron2/github-quest/internal/progress"
	"github.com/cam3ron2/github-quest/internal/scheduler"
	"github.com/cam3ron2/github-quest/internal/streak"
	"github.com/cam3ron2/github-quest/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const defaultTimeout = 180 * time.Second

// Client is every remote capability one run needs, bound to one credential.
// *githubapi.DataClient satisfies it.
type Client interface {
	discovery.Source
	discovery.OrgSource
	collector.Source
	streak.CalendarSource
}

// Saver persists the stats of a finished run.
type Saver interface {
	Save(ctx context.Context, username string, stats Stats) error
}

// Finalizer runs after stats are saved, typically to award achievements.
type Finalizer interface {
	Finalize(ctx context.Context, username string, stats Stats) error
}

// Config configures the orchestrator.
type Config struct {
	// Timeout bounds a whole run.
	Timeout time.Duration
	// ZeroFallback makes Aggregate report failed runs as zero stats with a nil error.
	ZeroFallback   bool
	StreakLookback time.Duration
}

// Dependencies are the collaborators of the orchestrator. Saver, Finalizer and
// Metrics are optional.
type Dependencies struct {
	Discoverer *discovery.Discoverer
	Scheduler  *scheduler.Scheduler
	Collector  *collector.Collector
	Saver      Saver
	Finalizer  Finalizer
	Metrics    *telemetry.Metrics
}

// Request is one aggregation run.
type Request struct {
	Username string
	Range    TimeRange
	// Orgs are organizations the caller already knows about.
	Orgs   []string
	Client Client
	// Sink receives progress. Nil discards it.
	Sink progress.Sink
}

// Orchestrator sequences discovery, per-repository collection, streaks and
// persistence for one user under a hard timeout.
type Orchestrator struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger

	// Now is injected for testability.
	Now func() time.Time
}

// New creates an orchestrator. Missing collaborators get default instances.
func New(cfg Config, deps Dependencies, logger *zap.Logger) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Discoverer == nil {
		deps.Discoverer = discovery.New(discovery.Config{}, logger)
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New(scheduler.DefaultConfig(), logger)
	}
	if deps.Collector == nil {
		deps.Collector = collector.New(collector.Config{}, logger)
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger, Now: time.Now}
}

// Aggregate runs req and returns its stats. With ZeroFallback set, failed
// runs return zero stats and a nil error.
func (o *Orchestrator) Aggregate(ctx context.Context, req Request) (Stats, error) {
	outcome := o.Run(ctx, req)
	if outcome.Status == StatusSucceeded || o.cfg.ZeroFallback {
		return outcome.Stats, nil
	}
	return outcome.Stats, outcome.Err
}

// Run executes req and reports how it ended. Panics become failed outcomes,
// and Run returns once the timeout elapses even if a stage hangs.
func (o *Orchestrator) Run(ctx context.Context, req Request) Outcome {
	if req.Range == "" {
		req.Range = RangeAll
	}
	if req.Sink == nil {
		req.Sink = progress.Discard{}
	}
	started := o.Now()

	ctx, span := telemetry.StartSpan(ctx, "aggregate.run",
		attribute.String("github.user", req.Username),
		attribute.String("aggregate.range", string(req.Range)),
	)
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	r := &run{o: o, req: req, logger: o.logger.With(zap.String("username", req.Username))}
	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- r.failed(&StageError{Stage: r.currentStage(), Err: fmt.Errorf("panic: %v", recovered)})
			}
		}()
		done <- r.execute(runCtx)
	}()

	var outcome Outcome
	select {
	case outcome = <-done:
	case <-runCtx.Done():
		if ctx.Err() == nil {
			outcome = Outcome{
				Stats:  ZeroStats(req.Range),
				Status: StatusTimedOut,
				Err:    fmt.Errorf("%w after %s during %s", ErrTimedOut, o.cfg.Timeout, r.currentStage()),
			}
		} else {
			outcome = r.failed(&StageError{Stage: r.currentStage(), Err: ctx.Err()})
		}
	}
	r.finished.Store(true)

	terminal := progress.StageComplete
	switch outcome.Status {
	case StatusFailed:
		terminal = progress.StageFailed
	case StatusTimedOut:
		terminal = progress.StageTimedOut
	}
	if terminal != progress.StageComplete {
		// Reported from here so a hung stage cannot suppress it.
		req.Sink.Report(context.WithoutCancel(ctx), progress.Event{
			Stage:  terminal,
			Detail: outcome.Message(),
			At:     o.Now().UTC(),
		})
		span.SetStatus(codes.Error, string(outcome.Status))
		span.RecordError(outcome.Err)
		o.logger.Warn("aggregation did not complete",
			zap.String("username", req.Username),
			zap.String("status", string(outcome.Status)),
			zap.Error(outcome.Err),
		)
	}

	elapsed := o.Now().Sub(started)
	o.deps.Metrics.ObserveAggregation(string(outcome.Status), elapsed)
	o.logger.Info("aggregation finished",
		zap.String("username", req.Username),
		zap.String("range", string(req.Range)),
		zap.String("status", string(outcome.Status)),
		zap.Int("contributions", outcome.Stats.Contributions),
		zap.Duration("elapsed", elapsed),
	)
	return outcome
}

type run struct {
	o      *Orchestrator
	req    Request
	logger *zap.Logger

	mu       sync.Mutex
	stage    progress.Stage
	finished atomic.Bool
}

func (r *run) setStage(stage progress.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stage = stage
}

func (r *run) currentStage() progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stage == "" {
		return progress.StageInitializing
	}
	return r.stage
}

func (r *run) failed(err error) Outcome {
	return Outcome{Stats: ZeroStats(r.req.Range), Status: StatusFailed, Err: err}
}

func (r *run) execute(ctx context.Context) Outcome {
	req := r.req
	if strings.TrimSpace(req.Username) == "" {
		return r.failed(&StageError{Stage: progress.StageInitializing, Err: errors.New("username is required")})
	}
	if req.Client == nil {
		return r.failed(&StageError{Stage: progress.StageInitializing, Err: errors.New("github client is required")})
	}

	r.enter(ctx, progress.StageInitializing, "preparing aggregation")
	now := r.o.Now()
	window := req.Range.Window(now)

	r.enter(ctx, progress.StageDiscoveringRepos, "discovering organizations")
	repos := r.discover(ctx)
	if err := ctx.Err(); err != nil {
		return r.failed(&StageError{Stage: progress.StageDiscoveringRepos, Err: err})
	}

	r.enter(ctx, progress.StageProcessingRepos, fmt.Sprintf("processing %d repositories", len(repos)))
	results, err := r.collect(ctx, repos, window)
	if err != nil {
		return r.failed(&StageError{Stage: progress.StageProcessingRepos, Err: err})
	}

	r.enter(ctx, progress.StageCalculatingStreak, "reading contribution calendar")
	state := streak.NewCalculator(req.Client, r.o.cfg.StreakLookback, r.logger).Compute(ctx, req.Username)

	r.enter(ctx, progress.StageCalculatingImpact, "summing repository activity")
	stats := ApplyStreak(Rollup(req.Username, req.Range, repos, results), state)

	r.enter(ctx, progress.StageSaving, "saving stats")
	if saver := r.o.deps.Saver; saver != nil {
		if err := saver.Save(ctx, req.Username, stats); err != nil {
			return r.failed(&StageError{Stage: progress.StageSaving, Err: err})
		}
	}

	r.enter(ctx, progress.StageFinalizing, "evaluating achievements")
	if finalizer := r.o.deps.Finalizer; finalizer != nil {
		if err := finalizer.Finalize(ctx, req.Username, stats); err != nil {
			// Stats are saved; finalizing is idempotent and reruns next time.
			r.logger.Warn("finalizing aggregation failed", zap.Error(err))
		}
	}

	r.enter(ctx, progress.StageComplete, "done")
	return Outcome{Stats: stats, Status: StatusSucceeded}
}

func (r *run) discover(ctx context.Context) []githubapi.Repository {
	ctx, span := telemetry.StartSpan(ctx, "aggregate.discover")
	defer span.End()

	req := r.req
	orgs := discovery.MergeOrgs(req.Orgs, r.o.deps.Discoverer.Organizations(ctx, req.Client, req.Username))
	r.report(ctx, progress.Event{
		Stage:  progress.StageDiscoveringRepos,
		Total:  len(orgs),
		Detail: fmt.Sprintf("found %d organizations", len(orgs)),
	})

	repos := r.o.deps.Discoverer.Repositories(ctx, req.Client, discovery.Request{
		Username: req.Username,
		Orgs:     orgs,
		OnProgress: func(detail, org string) {
			if req.Sink.Active(ctx) {
				r.report(ctx, progress.Event{Stage: progress.StageDiscoveringRepos, Detail: detail, Org: org})
			}
		},
	})
	span.SetAttributes(attribute.Int("aggregate.repositories", len(repos)))
	return repos
}

func (r *run) collect(ctx context.Context, repos []githubapi.Repository, window collector.Window) ([]collector.RepoMetrics, error) {
	ctx, span := telemetry.StartSpan(ctx, "aggregate.collect", attribute.Int("aggregate.repositories", len(repos)))
	defer span.End()

	req := r.req
	result, err := scheduler.Run(ctx, r.o.deps.Scheduler, repos,
		func(repo githubapi.Repository) string { return repo.FullName },
		func(ctx context.Context, repo githubapi.Repository) (collector.RepoMetrics, error) {
			return r.o.deps.Collector.Collect(ctx, req.Client, repo, req.Username, window)
		},
		func(completed, total int, label string) {
			org := ""
			if owner, _, ok := githubapi.SplitFullName(label); ok && !strings.EqualFold(owner, req.Username) {
				org = owner
			}
			r.report(ctx, progress.Event{
				Stage:     progress.StageProcessingRepos,
				Completed: completed,
				Total:     total,
				Detail:    label,
				Org:       org,
			})
		},
	)
	if err != nil {
		return nil, err
	}
	if result.Failed > 0 {
		r.logger.Warn("repositories dropped after retries",
			zap.Int("failed", result.Failed),
			zap.Int("total", len(repos)),
		)
	}
	return result.Outputs, nil
}

func (r *run) enter(ctx context.Context, stage progress.Stage, detail string) {
	r.setStage(stage)
	r.report(ctx, progress.Event{Stage: stage, Detail: detail})
}

// report drops events from a run that Run already gave up on.
func (r *run) report(ctx context.Context, event progress.Event) {
	if r.finished.Load() {
		return
	}
	if event.At.IsZero() {
		event.At = r.o.Now().UTC()
	}
	r.req.Sink.Report(ctx, event)
}
