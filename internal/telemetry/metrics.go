package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-level Prometheus collectors for aggregation runs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	aggregationDuration *prometheus.HistogramVec
	repositoryOutcomes  *prometheus.CounterVec
	executorRetries     *prometheus.CounterVec
	refreshRequests     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		aggregationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gq_aggregation_duration_seconds",
			Help:    "Wall time of one user aggregation run by outcome status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 300},
		}, []string{"status"}),
		repositoryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gq_repository_collections_total",
			Help: "Per-repository collection results by outcome.",
		}, []string{"outcome"}),
		executorRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gq_github_rate_limit_retries_total",
			Help: "GitHub calls retried after a rate-limit rejection, by operation.",
		}, []string{"operation"}),
		refreshRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gq_refresh_requests_total",
			Help: "Refresh requests by dispatch result.",
		}, []string{"result"}),
	}

	if registerer == nil {
		return m, nil
	}
	for _, collector := range []prometheus.Collector{
		m.aggregationDuration,
		m.repositoryOutcomes,
		m.executorRetries,
		m.refreshRequests,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("register metrics collector: %w", err)
		}
	}
	return m, nil
}

// ObserveAggregation records one finished aggregation.
func (m *Metrics) ObserveAggregation(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.aggregationDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

// ObserveRepository records one repository collection outcome.
func (m *Metrics) ObserveRepository(outcome string) {
	if m == nil {
		return
	}
	m.repositoryOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveRetry matches the githubapi.Executor OnRetry hook.
func (m *Metrics) ObserveRetry(operation string, _ int, _ time.Duration) {
	if m == nil {
		return
	}
	m.executorRetries.WithLabelValues(operation).Inc()
}

// ObserveRefresh records one refresh dispatch result.
func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshRequests.WithLabelValues(result).Inc()
}
