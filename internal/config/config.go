package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validBackends   = []string{"memory", "postgres"}
	validRedisModes = []string{"disabled", "standalone", "sentinel"}
	validTraceModes = []string{"off", "errors", "sampled", "detailed"}
)

// maxLookback bounds how far back contribution windows reach.
const maxLookback = 365 * 24 * time.Hour

// Environment keys that override secrets from YAML.
const (
	EnvGitHubToken   = "GITHUB_TOKEN"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvRedisPassword = "REDIS_PASSWORD"
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	GitHub    GitHubConfig
	Retry     RetryConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig
	Discovery DiscoveryConfig
	Collector CollectorConfig
	Aggregate AggregateConfig
	Store     StoreConfig
	Refresh   RefreshConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr      string
	LogLevel        string
	ShutdownTimeout time.Duration
}

// GitHubConfig configures GitHub API access.
type GitHubConfig struct {
	APIBaseURL     string
	GraphQLURL     string
	RequestTimeout time.Duration
	// Token is the system credential shared by users without their own token.
	Token      string
	App        GitHubAppConfig
	UserTokens map[string]string
}

// GitHubAppConfig is a GitHub App installation credential.
type GitHubAppConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

// Enabled reports whether any app field is set.
func (c GitHubAppConfig) Enabled() bool {
	return c.AppID != 0 || c.InstallationID != 0 || c.PrivateKeyPath != ""
}

// RetryConfig configures rate-limit retries of single remote calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RateLimitConfig configures outbound pacing.
type RateLimitConfig struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
	MaxPause              time.Duration
}

// SchedulerConfig configures the per-repository worker pool.
type SchedulerConfig struct {
	Concurrency      int
	BatchSize        int
	BatchDelay       time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	RateLimitBackoff time.Duration
	MaxBackoff       time.Duration
}

// DiscoveryConfig configures organization and repository discovery.
type DiscoveryConfig struct {
	KnownOrgs            []string
	MaxUserPages         int
	MaxOrgPages          int
	SearchPages          int
	ContributionTimeout  time.Duration
	ContributionLookback time.Duration
	FanOut               int
}

// CollectorConfig configures per-repository collection and line sampling.
type CollectorConfig struct {
	MaxCommitPages   int
	MaxPRPages       int
	ReviewSample     int
	SampleSmallMax   int
	SampleMediumMax  int
	SampleMediumRate float64
	SampleLargeRate  float64
	SampleLargeFloor int
	SampleMax        int
}

// AggregateConfig configures aggregation runs.
type AggregateConfig struct {
	Timeout        time.Duration
	ZeroFallback   bool
	StreakLookback time.Duration
}

// StoreConfig configures stats persistence and the shared Redis.
type StoreConfig struct {
	Backend         string
	PostgresDSN     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Migrate         bool

	RedisMode          string
	RedisAddr          string
	RedisMasterSet     string
	RedisSentinelAddrs []string
	RedisPassword      string
	RedisDB            int
	Namespace          string
	ProgressTTL        time.Duration
	ListenerTTL        time.Duration
}

// RefreshConfig configures background refreshes.
type RefreshConfig struct {
	Workers              int
	QueueBuffer          int
	LockTTL              time.Duration
	MaxJobAge            time.Duration
	MaxEnqueuesPerMinute int
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// LoadFile loads an optional .env file, then the YAML file at path.
func LoadFile(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	return LoadWithEnv(file, os.LookupEnv)
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	return LoadWithEnv(reader, nil)
}

// LoadWithEnv reads YAML, applies secrets found by lookup over it, then
// applies defaults and validates.
func LoadWithEnv(reader io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyEnv(cfg, lookup)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}

	hasUserToken := false
	for user, token := range c.GitHub.UserTokens {
		if strings.TrimSpace(user) == "" || strings.TrimSpace(token) == "" {
			errs = append(errs, "github.user_tokens entries need a username and a token")
			continue
		}
		hasUserToken = true
	}
	if c.GitHub.App.Enabled() {
		if c.GitHub.App.AppID <= 0 {
			errs = append(errs, "github.app.app_id must be > 0")
		}
		if c.GitHub.App.InstallationID <= 0 {
			errs = append(errs, "github.app.installation_id must be > 0")
		}
		if c.GitHub.App.PrivateKeyPath == "" {
			errs = append(errs, "github.app.private_key_path is required")
		}
	}
	if c.GitHub.Token == "" && !c.GitHub.App.Enabled() && !hasUserToken {
		errs = append(errs, "github requires a token, app credentials or user_tokens")
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.max_retries must be >= 0")
	}
	if c.Scheduler.Concurrency <= 0 {
		errs = append(errs, "scheduler.concurrency must be > 0")
	}
	if c.Scheduler.MaxRetries < 0 {
		errs = append(errs, "scheduler.max_retries must be >= 0")
	}

	for i, org := range c.Discovery.KnownOrgs {
		if strings.TrimSpace(org) == "" {
			errs = append(errs, fmt.Sprintf("discovery.known_orgs[%d] is empty", i))
		}
	}

	if c.Discovery.ContributionLookback <= 0 || c.Discovery.ContributionLookback > maxLookback {
		errs = append(errs, "discovery.contribution_lookback must be in (0, 365d]")
	}

	if c.Collector.SampleMediumRate <= 0 || c.Collector.SampleMediumRate > 1 {
		errs = append(errs, "collector.sample_medium_rate must be in (0, 1]")
	}
	if c.Collector.SampleLargeRate <= 0 || c.Collector.SampleLargeRate > 1 {
		errs = append(errs, "collector.sample_large_rate must be in (0, 1]")
	}
	if c.Collector.SampleSmallMax > c.Collector.SampleMediumMax {
		errs = append(errs, "collector.sample_small_max must be <= collector.sample_medium_max")
	}

	if c.Aggregate.Timeout <= 0 {
		errs = append(errs, "aggregate.timeout must be > 0")
	}
	if c.Aggregate.StreakLookback <= 0 || c.Aggregate.StreakLookback > maxLookback {
		errs = append(errs, "aggregate.streak_lookback must be in (0, 365d]")
	}

	if !slices.Contains(validBackends, c.Store.Backend) {
		errs = append(errs, "store.backend must be memory or postgres")
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		errs = append(errs, "store.postgres_dsn is required when store.backend=postgres")
	}
	if !slices.Contains(validRedisModes, c.Store.RedisMode) {
		errs = append(errs, "store.redis_mode must be disabled, standalone or sentinel")
	}
	if c.Store.RedisMode == "standalone" && c.Store.RedisAddr == "" {
		errs = append(errs, "store.redis_addr is required when store.redis_mode=standalone")
	}
	if c.Store.RedisMode == "sentinel" && len(c.Store.RedisSentinelAddrs) == 0 {
		errs = append(errs, "store.redis_sentinel_addrs is required when store.redis_mode=sentinel")
	}

	if c.Refresh.Workers <= 0 {
		errs = append(errs, "refresh.workers must be > 0")
	}
	if c.Refresh.LockTTL <= c.Aggregate.Timeout {
		errs = append(errs, "refresh.lock_ttl must exceed aggregate.timeout")
	}

	if !slices.Contains(validTraceModes, c.Telemetry.OTELTraceMode) {
		errs = append(errs, "telemetry.otel_trace_mode must be one of off|errors|sampled|detailed")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if value, ok := lookup(EnvGitHubToken); ok && strings.TrimSpace(value) != "" {
		cfg.GitHub.Token = strings.TrimSpace(value)
	}
	if value, ok := lookup(EnvDatabaseURL); ok && strings.TrimSpace(value) != "" {
		cfg.Store.PostgresDSN = strings.TrimSpace(value)
	}
	if value, ok := lookup(EnvRedisPassword); ok && value != "" {
		cfg.Store.RedisPassword = value
	}
}

func applyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, ":8080")
	setDefault(&cfg.Server.LogLevel, "info")
	setDefault(&cfg.Server.ShutdownTimeout, 15*time.Second)

	setDefault(&cfg.GitHub.RequestTimeout, 30*time.Second)

	setDefault(&cfg.Retry.MaxRetries, 3)
	setDefault(&cfg.Retry.InitialBackoff, time.Second)
	setDefault(&cfg.Retry.MaxBackoff, time.Minute)

	setDefault(&cfg.RateLimit.MinRemainingThreshold, 50)
	setDefault(&cfg.RateLimit.MinResetBuffer, 2*time.Second)
	setDefault(&cfg.RateLimit.SecondaryLimitBackoff, time.Minute)
	setDefault(&cfg.RateLimit.MaxPause, 2*time.Minute)

	setDefault(&cfg.Scheduler.Concurrency, 10)
	setDefault(&cfg.Scheduler.BatchSize, 20)
	setDefault(&cfg.Scheduler.BatchDelay, time.Second)
	setDefault(&cfg.Scheduler.MaxRetries, 2)
	setDefault(&cfg.Scheduler.RetryBackoff, 500*time.Millisecond)
	setDefault(&cfg.Scheduler.RateLimitBackoff, 5*time.Second)
	setDefault(&cfg.Scheduler.MaxBackoff, time.Minute)

	setDefault(&cfg.Discovery.MaxUserPages, 10)
	setDefault(&cfg.Discovery.MaxOrgPages, 5)
	setDefault(&cfg.Discovery.SearchPages, 1)
	setDefault(&cfg.Discovery.ContributionTimeout, 30*time.Second)
	setDefault(&cfg.Discovery.ContributionLookback, maxLookback)
	setDefault(&cfg.Discovery.FanOut, 5)

	setDefault(&cfg.Collector.MaxCommitPages, 5)
	setDefault(&cfg.Collector.MaxPRPages, 2)
	setDefault(&cfg.Collector.ReviewSample, 20)
	setDefault(&cfg.Collector.SampleSmallMax, 10)
	setDefault(&cfg.Collector.SampleMediumMax, 100)
	setDefault(&cfg.Collector.SampleMediumRate, 0.25)
	setDefault(&cfg.Collector.SampleLargeRate, 0.10)
	setDefault(&cfg.Collector.SampleLargeFloor, 5)
	setDefault(&cfg.Collector.SampleMax, 20)

	setDefault(&cfg.Aggregate.Timeout, 180*time.Second)
	setDefault(&cfg.Aggregate.StreakLookback, maxLookback)

	setDefault(&cfg.Store.Backend, "memory")
	setDefault(&cfg.Store.RedisMode, "disabled")
	setDefault(&cfg.Store.Namespace, "github-quest")
	setDefault(&cfg.Store.ProgressTTL, time.Hour)
	setDefault(&cfg.Store.ListenerTTL, 10*time.Minute)

	setDefault(&cfg.Refresh.Workers, 2)
	setDefault(&cfg.Refresh.QueueBuffer, 64)
	setDefault(&cfg.Refresh.LockTTL, cfg.Aggregate.Timeout+time.Minute)
	setDefault(&cfg.Refresh.MaxJobAge, 10*time.Minute)

	setDefault(&cfg.Telemetry.OTELTraceMode, "sampled")
	setDefault(&cfg.Telemetry.OTELTraceSampleRatio, 0.1)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    rawServer       `yaml:"server"`
	GitHub    rawGitHub       `yaml:"github"`
	Retry     rawRetry        `yaml:"retry"`
	RateLimit rawRateLimit    `yaml:"rate_limit"`
	Scheduler rawScheduler    `yaml:"scheduler"`
	Discovery rawDiscovery    `yaml:"discovery"`
	Collector rawCollector    `yaml:"collector"`
	Aggregate rawAggregate    `yaml:"aggregate"`
	Store     rawStore        `yaml:"store"`
	Refresh   rawRefresh      `yaml:"refresh"`
	Telemetry rawTelemetry    `yaml:"telemetry"`
}

type rawServer struct {
	ListenAddr      string   `yaml:"listen_addr"`
	LogLevel        string   `yaml:"log_level"`
	ShutdownTimeout duration `yaml:"shutdown_timeout"`
}

type rawGitHub struct {
	APIBaseURL     string            `yaml:"api_base_url"`
	GraphQLURL     string            `yaml:"graphql_url"`
	RequestTimeout duration          `yaml:"request_timeout"`
	Token          string            `yaml:"token"`
	App            rawGitHubApp      `yaml:"app"`
	UserTokens     map[string]string `yaml:"user_tokens"`
}

type rawGitHubApp struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type rawRetry struct {
	MaxRetries     int      `yaml:"max_retries"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawRateLimit struct {
	MinRemainingThreshold int      `yaml:"min_remaining_threshold"`
	MinResetBuffer        duration `yaml:"min_reset_buffer"`
	SecondaryLimitBackoff duration `yaml:"secondary_limit_backoff"`
	MaxPause              duration `yaml:"max_pause"`
}

type rawScheduler struct {
	Concurrency      int      `yaml:"concurrency"`
	BatchSize        int      `yaml:"batch_size"`
	BatchDelay       duration `yaml:"batch_delay"`
	MaxRetries       int      `yaml:"max_retries"`
	RetryBackoff     duration `yaml:"retry_backoff"`
	RateLimitBackoff duration `yaml:"rate_limit_backoff"`
	MaxBackoff       duration `yaml:"max_backoff"`
}

type rawDiscovery struct {
	KnownOrgs            []string `yaml:"known_orgs"`
	MaxUserPages         int      `yaml:"max_user_pages"`
	MaxOrgPages          int      `yaml:"max_org_pages"`
	SearchPages          int      `yaml:"search_pages"`
	ContributionTimeout  duration `yaml:"contribution_timeout"`
	ContributionLookback duration `yaml:"contribution_lookback"`
	FanOut               int      `yaml:"fan_out"`
}

type rawCollector struct {
	MaxCommitPages   int     `yaml:"max_commit_pages"`
	MaxPRPages       int     `yaml:"max_pr_pages"`
	ReviewSample     int     `yaml:"review_sample"`
	SampleSmallMax   int     `yaml:"sample_small_max"`
	SampleMediumMax  int     `yaml:"sample_medium_max"`
	SampleMediumRate float64 `yaml:"sample_medium_rate"`
	SampleLargeRate  float64 `yaml:"sample_large_rate"`
	SampleLargeFloor int     `yaml:"sample_large_floor"`
	SampleMax        int     `yaml:"sample_max"`
}

type rawAggregate struct {
	Timeout        duration `yaml:"timeout"`
	ZeroFallback   bool     `yaml:"zero_fallback"`
	StreakLookback duration `yaml:"streak_lookback"`
}

type rawStore struct {
	Backend            string   `yaml:"backend"`
	PostgresDSN        string   `yaml:"postgres_dsn"`
	MaxOpenConns       int      `yaml:"max_open_conns"`
	MaxIdleConns       int      `yaml:"max_idle_conns"`
	ConnMaxLifetime    duration `yaml:"conn_max_lifetime"`
	Migrate            bool     `yaml:"migrate"`
	RedisMode          string   `yaml:"redis_mode"`
	RedisAddr          string   `yaml:"redis_addr"`
	RedisMasterSet     string   `yaml:"redis_master_set"`
	RedisSentinelAddrs []string `yaml:"redis_sentinel_addrs"`
	RedisPassword      string   `yaml:"redis_password"`
	RedisDB            int      `yaml:"redis_db"`
	Namespace          string   `yaml:"namespace"`
	ProgressTTL        duration `yaml:"progress_ttl"`
	ListenerTTL        duration `yaml:"listener_ttl"`
}

type rawRefresh struct {
	Workers              int      `yaml:"workers"`
	QueueBuffer          int      `yaml:"queue_buffer"`
	LockTTL              duration `yaml:"lock_ttl"`
	MaxJobAge            duration `yaml:"max_job_age"`
	MaxEnqueuesPerMinute int      `yaml:"max_enqueues_per_minute"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      r.Server.ListenAddr,
			LogLevel:        r.Server.LogLevel,
			ShutdownTimeout: r.Server.ShutdownTimeout.Duration,
		},
		GitHub: GitHubConfig{
			APIBaseURL:     r.GitHub.APIBaseURL,
			GraphQLURL:     r.GitHub.GraphQLURL,
			RequestTimeout: r.GitHub.RequestTimeout.Duration,
			Token:          r.GitHub.Token,
			App: GitHubAppConfig{
				AppID:          r.GitHub.App.AppID,
				InstallationID: r.GitHub.App.InstallationID,
				PrivateKeyPath: r.GitHub.App.PrivateKeyPath,
			},
			UserTokens: r.GitHub.UserTokens,
		},
		Retry: RetryConfig{
			MaxRetries:     r.Retry.MaxRetries,
			InitialBackoff: r.Retry.InitialBackoff.Duration,
			MaxBackoff:     r.Retry.MaxBackoff.Duration,
		},
		RateLimit: RateLimitConfig{
			MinRemainingThreshold: r.RateLimit.MinRemainingThreshold,
			MinResetBuffer:        r.RateLimit.MinResetBuffer.Duration,
			SecondaryLimitBackoff: r.RateLimit.SecondaryLimitBackoff.Duration,
			MaxPause:              r.RateLimit.MaxPause.Duration,
		},
		Scheduler: SchedulerConfig{
			Concurrency:      r.Scheduler.Concurrency,
			BatchSize:        r.Scheduler.BatchSize,
			BatchDelay:       r.Scheduler.BatchDelay.Duration,
			MaxRetries:       r.Scheduler.MaxRetries,
			RetryBackoff:     r.Scheduler.RetryBackoff.Duration,
			RateLimitBackoff: r.Scheduler.RateLimitBackoff.Duration,
			MaxBackoff:       r.Scheduler.MaxBackoff.Duration,
		},
		Discovery: DiscoveryConfig{
			KnownOrgs:            r.Discovery.KnownOrgs,
			MaxUserPages:         r.Discovery.MaxUserPages,
			MaxOrgPages:          r.Discovery.MaxOrgPages,
			SearchPages:          r.Discovery.SearchPages,
			ContributionTimeout:  r.Discovery.ContributionTimeout.Duration,
			ContributionLookback: r.Discovery.ContributionLookback.Duration,
			FanOut:               r.Discovery.FanOut,
		},
		Collector: CollectorConfig(r.Collector),
		Aggregate: AggregateConfig{
			Timeout:        r.Aggregate.Timeout.Duration,
			ZeroFallback:   r.Aggregate.ZeroFallback,
			StreakLookback: r.Aggregate.StreakLookback.Duration,
		},
		Store: StoreConfig{
			Backend:            r.Store.Backend,
			PostgresDSN:        r.Store.PostgresDSN,
			MaxOpenConns:       r.Store.MaxOpenConns,
			MaxIdleConns:       r.Store.MaxIdleConns,
			ConnMaxLifetime:    r.Store.ConnMaxLifetime.Duration,
			Migrate:            r.Store.Migrate,
			RedisMode:          r.Store.RedisMode,
			RedisAddr:          r.Store.RedisAddr,
			RedisMasterSet:     r.Store.RedisMasterSet,
			RedisSentinelAddrs: r.Store.RedisSentinelAddrs,
			RedisPassword:      r.Store.RedisPassword,
			RedisDB:            r.Store.RedisDB,
			Namespace:          r.Store.Namespace,
			ProgressTTL:        r.Store.ProgressTTL.Duration,
			ListenerTTL:        r.Store.ListenerTTL.Duration,
		},
		Refresh: RefreshConfig{
			Workers:              r.Refresh.Workers,
			QueueBuffer:          r.Refresh.QueueBuffer,
			LockTTL:              r.Refresh.LockTTL.Duration,
			MaxJobAge:            r.Refresh.MaxJobAge.Duration,
			MaxEnqueuesPerMinute: r.Refresh.MaxEnqueuesPerMinute,
		},
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}
}
