package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cam3ron2/github-quest/internal/aggregate"
	"github.com/cam3ron2/github-quest/internal/collector"
	"github.com/cam3ron2/github-quest/internal/config"
	"github.com/cam3ron2/github-quest/internal/discovery"
	"github.com/cam3ron2/github-quest/internal/exporter"
	"github.com/cam3ron2/github-quest/internal/gamify"
	"github.com/cam3ron2/github-quest/internal/githubapi"
	"github.com/cam3ron2/github-quest/internal/health"
	"github.com/cam3ron2/github-quest/internal/progress"
	"github.com/cam3ron2/github-quest/internal/refresh"
	"github.com/cam3ron2/github-quest/internal/scheduler"
	"github.com/cam3ron2/github-quest/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const (
	exporterRecordLimit     = 1000
	exporterRefreshInterval = 30 * time.Second
)

// Runtime owns the long-lived collaborators of the service.
type Runtime struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	metrics   *telemetry.Metrics
	backends  *sharedBackends
	resolver  *githubapi.CredentialResolver
	executor  *githubapi.Executor
	aggregate *aggregate.Orchestrator
	refresh   *refresh.Dispatcher
	evaluator *health.StatusEvaluator

	refreshRunning atomic.Bool
}

// NewRuntime builds every collaborator from cfg.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	backends, err := newSharedBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	executor := githubapi.NewExecutor(githubapi.RetryConfig{
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
	}, logger)
	executor.OnRetry = metrics.ObserveRetry

	resolver := githubapi.NewCredentialResolver(githubapi.ResolverConfig{
		APIBaseURL:     cfg.GitHub.APIBaseURL,
		GraphQLURL:     cfg.GitHub.GraphQLURL,
		RequestTimeout: cfg.GitHub.RequestTimeout,
		DefaultToken:   cfg.GitHub.Token,
		UserTokens:     cfg.GitHub.UserTokens,
		Installation: githubapi.InstallationAuthConfig{
			AppID:          cfg.GitHub.App.AppID,
			InstallationID: cfg.GitHub.App.InstallationID,
			PrivateKeyPath: cfg.GitHub.App.PrivateKeyPath,
		},
		Pacing: githubapi.PacingPolicy{
			MinRemaining:     cfg.RateLimit.MinRemainingThreshold,
			ResetBuffer:      cfg.RateLimit.MinResetBuffer,
			SecondaryBackoff: cfg.RateLimit.SecondaryLimitBackoff,
			MaxPause:         cfg.RateLimit.MaxPause,
		},
	}, logger)

	pool := scheduler.New(scheduler.Config(cfg.Scheduler), logger)
	pool.OnItem = metrics.ObserveRepository

	engine := gamify.New(backends.stats, logger)
	orchestrator := aggregate.New(aggregate.Config{
		Timeout:        cfg.Aggregate.Timeout,
		ZeroFallback:   cfg.Aggregate.ZeroFallback,
		StreakLookback: cfg.Aggregate.StreakLookback,
	}, aggregate.Dependencies{
		Discoverer: discovery.New(discovery.Config{
			KnownOrgs:            cfg.Discovery.KnownOrgs,
			MaxUserPages:         cfg.Discovery.MaxUserPages,
			MaxOrgPages:          cfg.Discovery.MaxOrgPages,
			SearchPages:          cfg.Discovery.SearchPages,
			ContributionTimeout:  cfg.Discovery.ContributionTimeout,
			ContributionLookback: cfg.Discovery.ContributionLookback,
			FanOut:               cfg.Discovery.FanOut,
		}, logger),
		Scheduler: pool,
		Collector: collector.New(collector.Config{
			MaxCommitPages: cfg.Collector.MaxCommitPages,
			MaxPRPages:     cfg.Collector.MaxPRPages,
			ReviewSample:   cfg.Collector.ReviewSample,
			Sampling: collector.SamplingConfig{
				SmallMax:   cfg.Collector.SampleSmallMax,
				MediumMax:  cfg.Collector.SampleMediumMax,
				MediumRate: cfg.Collector.SampleMediumRate,
				LargeRate:  cfg.Collector.SampleLargeRate,
				LargeFloor: cfg.Collector.SampleLargeFloor,
				MaxSample:  cfg.Collector.SampleMax,
			},
		}, logger),
		Saver:     engine,
		Finalizer: engine,
		Metrics:   metrics,
	}, logger)

	runtime := &Runtime{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		metrics:   metrics,
		backends:  backends,
		resolver:  resolver,
		executor:  executor,
		aggregate: orchestrator,
		evaluator: health.NewStatusEvaluator(),
	}
	runtime.refresh = refresh.NewDispatcher(refresh.Config{
		Workers:              cfg.Refresh.Workers,
		QueueBuffer:          cfg.Refresh.QueueBuffer,
		LockTTL:              cfg.Refresh.LockTTL,
		MaxJobAge:            cfg.Refresh.MaxJobAge,
		MaxEnqueuesPerMinute: cfg.Refresh.MaxEnqueuesPerMinute,
	}, refresh.Dependencies{
		Runner:  orchestrator,
		Clients: runtime.client,
		Locker:  backends.locker,
		Board:   backends.board,
		Metrics: metrics,
	}, logger)
	return runtime, nil
}

func (r *Runtime) client(ctx context.Context, username string) (aggregate.Client, error) {
	client, err := r.resolver.NewDataClient(ctx, username, r.executor)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Run consumes queued refreshes until ctx is canceled.
func (r *Runtime) Run(ctx context.Context) error {
	r.refreshRunning.Store(true)
	defer r.refreshRunning.Store(false)
	return r.refresh.Run(ctx)
}

// RunOnce aggregates username in the foreground, reporting progress to the
// shared board.
func (r *Runtime) RunOnce(ctx context.Context, username string, timeRange aggregate.TimeRange) aggregate.Outcome {
	client, err := r.client(ctx, username)
	if err != nil {
		return aggregate.Outcome{
			Stats:  aggregate.ZeroStats(timeRange),
			Status: aggregate.StatusFailed,
			Err:    &aggregate.StageError{Stage: progress.StageInitializing, Err: err},
		}
	}
	return r.aggregate.Run(ctx, aggregate.Request{
		Username: username,
		Range:    timeRange,
		Client:   client,
		Sink:     progress.SinkFor(r.backends.board, username, r.logger),
	})
}

// Handler returns the HTTP surface of the service.
func (r *Runtime) Handler() http.Handler {
	snapshots := exporter.NewCachedSnapshotReader(
		exporter.NewStoreSnapshotReader(r.backends.stats, exporterRecordLimit),
		exporter.CacheConfig{RefreshInterval: exporterRefreshInterval},
		r.logger,
	)
	api := NewAPI(r.backends.stats, r.refresh, r.backends.board, r.logger)
	return NewHTTPHandler(
		api,
		exporter.NewOpenMetricsHandler(snapshots, r.registry),
		health.NewHandler(r),
	)
}

// CurrentStatus implements health.Provider.
func (r *Runtime) CurrentStatus(ctx context.Context) health.Status {
	input := health.Input{
		StoreHealthy:   r.backends.stats.Ping(ctx) == nil,
		RedisHealthy:   true,
		RefreshRunning: r.refreshRunning.Load(),
		MinRemaining:   r.cfg.RateLimit.MinRemainingThreshold,
		Quotas:         make(map[string]health.Quota),
	}
	if r.backends.redis != nil {
		input.RedisHealthy = r.backends.redis.Ping(ctx).Err() == nil
	}
	if _, err := r.resolver.Resolve(ctx, ""); err == nil {
		input.GitHubClientUsable = true
	}
	for key, pacer := range r.resolver.Pacers() {
		snapshot := pacer.LastSnapshot()
		if !snapshot.Present {
			continue
		}
		input.Quotas[key] = health.Quota{
			Limit:     snapshot.Limit,
			Remaining: snapshot.Remaining,
			ResetAt:   snapshot.ResetAt,
		}
	}
	return r.evaluator.Evaluate(input)
}

// Close releases the shared backends.
func (r *Runtime) Close() error {
	return r.backends.close()
}
