// Package metrics exposes Prometheus collectors for the credit ledger.
package metrics

import (
	"context"
	"net/http"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "creditledger"

// Recorder owns a registry and the collectors registered on it.
// It implements credits.OperationLogger.
type Recorder struct {
	registry            *prometheus.Registry
	operationsTotal     *prometheus.CounterVec
	creditsTotal        *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewRecorder registers the ledger collectors on a fresh registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Recorder{
		registry: registry,
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Credit operations by outcome",
			},
			[]string{"operation", "status"},
		),
		creditsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_total",
				Help:      "Credits moved by successful operations",
			},
			[]string{"transaction_type"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// LogOperation counts the operation and, when it created a transaction, its credits.
func (recorder *Recorder) LogOperation(_ context.Context, entry credits.OperationLog) {
	recorder.operationsTotal.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Status != credits.OperationStatusOK || entry.Amount <= 0 {
		return
	}
	recorder.creditsTotal.WithLabelValues(entry.TransactionType.String()).Add(float64(entry.Amount))
}

// RecordHTTPRequest counts one served request.
func (recorder *Recorder) RecordHTTPRequest(method, path, status string, duration float64) {
	recorder.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	recorder.httpRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// Handler serves the registry in the Prometheus text format.
func (recorder *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(recorder.registry, promhttp.HandlerOpts{Registry: recorder.registry})
}
