package githubapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cam3ron2/github-quest/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// PacingTransport holds requests back while GitHub reports the quota as exhausted.
// It never retries; retries belong to the Executor.
type PacingTransport struct {
	base   http.RoundTripper
	policy PacingPolicy
	logger *zap.Logger

	// Sleep and Now are injected for testability.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	mu         sync.Mutex
	pauseUntil time.Time
	last       RateSnapshot
}

// NewPacingTransport wraps base with quota-aware pacing.
func NewPacingTransport(base http.RoundTripper, policy PacingPolicy, logger *zap.Logger) *PacingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PacingTransport{
		base:   base,
		policy: policy,
		logger: logger,
		Sleep:  SleepContext,
		Now:    time.Now,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *PacingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if wait := t.pending(); wait > 0 {
		t.logger.Debug("pausing github request for quota reset",
			zap.String("path", req.URL.EscapedPath()),
			zap.Duration("wait", wait),
		)
		if err := t.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("github-quest/internal/githubapi").Start(
			ctx,
			"githubapi.transport.round_trip",
			trace.WithAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.path", req.URL.EscapedPath()),
			),
		)
		defer span.End()
		req = req.WithContext(ctx)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	snapshot := ReadRateSnapshot(resp.Header, resp.StatusCode)
	pause, reason := t.observe(snapshot)
	if span != nil {
		span.SetAttributes(
			attribute.Int("http.status_code", resp.StatusCode),
			attribute.Int("github.rate_limit_remaining", snapshot.Remaining),
			attribute.String("github.pacing_reason", reason),
		)
		if resp.StatusCode >= http.StatusBadRequest {
			span.SetStatus(codes.Error, resp.Status)
		}
	}
	if pause > 0 {
		t.logger.Info("github quota low, pacing requests",
			zap.String("reason", reason),
			zap.Int("remaining", snapshot.Remaining),
			zap.Duration("pause", pause),
		)
	}
	return resp, nil
}

// LastSnapshot returns the most recent quota state observed.
func (t *PacingTransport) LastSnapshot() RateSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *PacingTransport) pending() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pauseUntil.IsZero() {
		return 0
	}
	return t.pauseUntil.Sub(t.Now())
}

func (t *PacingTransport) observe(snapshot RateSnapshot) (time.Duration, string) {
	policy := t.policy
	if policy.Now == nil {
		policy.Now = t.Now
	}
	pause, reason := policy.Pause(snapshot)

	t.mu.Lock()
	defer t.mu.Unlock()
	if snapshot.Present || snapshot.Secondary {
		t.last = snapshot
	}
	if pause > 0 {
		until := t.Now().Add(pause)
		if until.After(t.pauseUntil) {
			t.pauseUntil = until
		}
	}
	return pause, reason
}
