// Package metrics exposes Prometheus counters for grant issuance, revocation
// and pushed authorization requests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry. All methods are safe on a nil receiver so
// components can run without metrics in tests.
type Recorder struct {
	registry *prometheus.Registry

	tokensIssued     *prometheus.CounterVec
	revocations      *prometheus.CounterVec
	parRequests      *prometheus.CounterVec
	policyViolations *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewRecorder creates and registers every collector.
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.tokensIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataholder_tokens_issued_total",
			Help: "Token responses issued by grant type",
		},
		[]string{"grant"},
	)
	r.revocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataholder_revocations_total",
			Help: "Revocation requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	r.parRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataholder_par_requests_total",
			Help: "Pushed authorization requests by outcome",
		},
		[]string{"outcome"},
	)
	r.policyViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataholder_policy_violations_total",
			Help: "Operations attempted against records owned by another client",
		},
		[]string{"operation"},
	)
	r.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dataholder_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	r.registry.MustRegister(
		r.tokensIssued,
		r.revocations,
		r.parRequests,
		r.policyViolations,
		r.httpDuration,
	)
	r.registry.MustRegister(collectors.NewGoCollector())
	r.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) TokenIssued(grant string) {
	if r == nil {
		return
	}
	r.tokensIssued.WithLabelValues(grant).Inc()
}

func (r *Recorder) Revocation(kind, outcome string) {
	if r == nil {
		return
	}
	r.revocations.WithLabelValues(kind, outcome).Inc()
}

func (r *Recorder) PushedRequest(outcome string) {
	if r == nil {
		return
	}
	r.parRequests.WithLabelValues(outcome).Inc()
}

func (r *Recorder) PolicyViolation(operation string) {
	if r == nil {
		return
	}
	r.policyViolations.WithLabelValues(operation).Inc()
}

func (r *Recorder) HTTPRequest(method, route, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.httpDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}
