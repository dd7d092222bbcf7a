package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cam3ron2/github-quest/internal/aggregate"
	"github.com/cam3ron2/github-quest/internal/app"
	"github.com/cam3ron2/github-quest/internal/config"
	"github.com/cam3ron2/github-quest/internal/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "github-quest: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		envFile    string
		username   string
		rawRange   string
	)
	flag.StringVar(&configPath, "config", "config/local.yaml", "path to YAML config file")
	flag.StringVar(&envFile, "env", ".env", "optional dotenv file with secrets")
	flag.StringVar(&username, "user", "", "aggregate this user once, print the result and exit")
	flag.StringVar(&rawRange, "range", "all", "time range for -user: today, week, month, year or all")
	flag.Parse()

	cfg, err := config.LoadFile(configPath, envFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.Server.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil && !shouldIgnoreLoggerSyncError(syncErr) {
			_, _ = fmt.Fprintf(os.Stderr, "github-quest: sync logger: %v\n", syncErr)
		}
	}()

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      "github-quest",
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}()

	rootCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runtime, err := app.NewRuntime(rootCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer func() {
		_ = runtime.Close()
	}()

	if username != "" {
		timeRange, err := aggregate.ParseTimeRange(rawRange)
		if err != nil {
			return err
		}
		outcome := runtime.RunOnce(rootCtx, username, timeRange)
		return writeOutcome(os.Stdout, username, outcome)
	}
	return serve(rootCtx, cfg, runtime, logger)
}

func serve(ctx context.Context, cfg *config.Config, runtime *app.Runtime, logger *zap.Logger) error {
	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		if err := runtime.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("refresh workers stopped", zap.Error(err))
		}
	}()

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.ListenAddr))
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			serverErrCh <- serveErr
		}
		close(serverErrCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-serverErrCh:
		if serveErr != nil {
			return fmt.Errorf("http server failed: %w", serveErr)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	select {
	case <-refreshDone:
	case <-shutdownCtx.Done():
		logger.Warn("refresh workers did not stop before the shutdown timeout")
	}

	logger.Info("shutdown complete")
	return nil
}

type outcomeReport struct {
	Username string          `json:"username"`
	Status   string          `json:"status"`
	Stats    aggregate.Stats `json:"stats"`
	Error    string          `json:"error,omitempty"`
}

func writeOutcome(w io.Writer, username string, outcome aggregate.Outcome) error {
	report := outcomeReport{
		Username: username,
		Status:   string(outcome.Status),
		Stats:    outcome.Stats,
		Error:    outcome.Message(),
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("write outcome: %w", err)
	}
	if outcome.Status == aggregate.StatusFailed {
		return fmt.Errorf("aggregation of %s failed: %s", username, outcome.Message())
	}
	return nil
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// shouldIgnoreLoggerSyncError reports sync errors that stdout and stderr
// return when they are terminals or pipes.
func shouldIgnoreLoggerSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
