package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Mode indicates high-level health mode.
type Mode string

const (
	// ModeHealthy indicates all required dependencies are healthy.
	ModeHealthy Mode = "healthy"
	// ModeDegraded indicates the app is ready but GitHub quota is running low.
	ModeDegraded Mode = "degraded"
	// ModeUnhealthy indicates a required dependency is unhealthy.
	ModeUnhealthy Mode = "unhealthy"
)

// Quota is the last observed rate-limit state of one credential.
type Quota struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitzero"`
}

// Input represents dependency states used for health evaluation.
type Input struct {
	StoreHealthy bool
	// RedisHealthy must be true when Redis is not configured.
	RedisHealthy       bool
	GitHubClientUsable bool
	RefreshRunning     bool
	// Quotas are keyed by credential. A credential below MinRemaining
	// degrades the app without making it unready.
	Quotas       map[string]Quota
	MinRemaining int
}

// Status represents evaluated application health.
type Status struct {
	Mode       Mode             `json:"mode"`
	Ready      bool             `json:"ready"`
	Components map[string]bool  `json:"components"`
	Quotas     map[string]Quota `json:"quotas,omitempty"`
}

// Provider supplies current health status.
type Provider interface {
	CurrentStatus(ctx context.Context) Status
}

// StatusEvaluator evaluates health and readiness.
type StatusEvaluator struct{}

// NewStatusEvaluator creates a health evaluator.
func NewStatusEvaluator() *StatusEvaluator {
	return &StatusEvaluator{}
}

// Evaluate evaluates readiness and mode from dependency state.
func (e *StatusEvaluator) Evaluate(input Input) Status {
	quotaHealthy := true
	for _, quota := range input.Quotas {
		if quota.Limit > 0 && quota.Remaining < input.MinRemaining {
			quotaHealthy = false
		}
	}

	components := map[string]bool{
		"store":          input.StoreHealthy,
		"redis":          input.RedisHealthy,
		"github_client":  input.GitHubClientUsable,
		"refresh":        input.RefreshRunning,
		"github_healthy": quotaHealthy,
	}

	ready := input.StoreHealthy && input.RedisHealthy && input.GitHubClientUsable && input.RefreshRunning

	mode := ModeHealthy
	if !ready {
		mode = ModeUnhealthy
	} else if !quotaHealthy {
		mode = ModeDegraded
	}

	return Status{
		Mode:       mode,
		Ready:      ready,
		Components: components,
		Quotas:     input.Quotas,
	}
}

// NewHandler returns the health HTTP handler with /livez, /readyz, and /healthz endpoints.
func NewHandler(provider Provider) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			return
		}
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		if status.Ready {
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ready")); err != nil {
				return
			}
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("not ready")); err != nil {
			return
		}
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := provider.CurrentStatus(r.Context())
		payload, err := json.Marshal(status)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			if _, writeErr := w.Write([]byte(`{"mode":"unhealthy","error":"marshal health status"}`)); writeErr != nil {
				return
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		//nolint:gosec // Health payload is server-generated JSON status.
		if _, err := w.Write(payload); err != nil {
			return
		}
	})

	return mux
}
