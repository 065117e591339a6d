// Package metrics provides the process's Prometheus registry: HTTP
// request instrumentation plus counters/gauges for the primary store,
// eventbus, and replication pipeline.
//
// Grounded on the teacher's pkg/metrics (HTTPMetrics middleware shape,
// promauto-registered CounterVec/HistogramVec/Gauge construction),
// collapsed from the teacher's three-category Business/Technical/Infra
// registry down to the handful of subsystems this service actually has.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "configurator"

// Registry holds every metric this process exports.
type Registry struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ConfigMutationsTotal   *prometheus.CounterVec
	ProposalDecisionsTotal *prometheus.CounterVec

	EventbusReconnectsTotal prometheus.Counter
	EventbusEventsTotal     prometheus.Counter

	ReplicationPullsTotal     prometheus.Counter
	ReplicationPullErrors     prometheus.Counter
	ReplicationLagSeconds     prometheus.Gauge
	ReplicationConsumerActive prometheus.Gauge
}

// New constructs and registers a Registry against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the
// global default registry.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests processed, by method/route/status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "route", "status"},
		),
		ConfigMutationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "configsvc",
				Name:      "mutations_total",
				Help:      "Config create/update/delete calls, by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		ProposalDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proposal",
				Name:      "decisions_total",
				Help:      "Proposal approve/reject decisions, by decision.",
			},
			[]string{"decision"},
		),
		EventbusReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "reconnects_total",
			Help:      "LISTEN connection reconnect attempts.",
		}),
		EventbusEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "events_total",
			Help:      "NOTIFY events delivered to subscribers.",
		}),
		ReplicationPullsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "pulls_total",
			Help:      "Full snapshot pulls performed by the replica coordinator.",
		}),
		ReplicationPullErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "pull_errors_total",
			Help:      "Snapshot pulls that returned an error.",
		}),
		ReplicationLagSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "lag_seconds",
			Help:      "Seconds since the replica's last successful snapshot pull.",
		}),
		ReplicationConsumerActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "consumer_active",
			Help:      "1 if this process currently holds a valid consumer id, 0 otherwise.",
		}),
	}
}

// HTTPMiddleware instruments every request with HTTPRequestsTotal and
// HTTPRequestDuration. route should be the matched route pattern (e.g.
// "/projects/{projectId}/configs/{name}"), not the raw path, to keep
// label cardinality bounded.
func (r *Registry) HTTPMiddleware(routeFor func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			wrapped := &statusCapturingWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, req)

			route := routeFor(req)
			status := strconv.Itoa(wrapped.statusCode)
			r.HTTPRequestsTotal.WithLabelValues(req.Method, route, status).Inc()
			r.HTTPRequestDuration.WithLabelValues(req.Method, route, status).Observe(time.Since(start).Seconds())
		})
	}
}

type statusCapturingWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusCapturingWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
