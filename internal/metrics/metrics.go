// Package metrics exposes Prometheus collectors for the fallback chain,
// votes, analytics and the HTTP layer.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/moraltorture/internal/llm"
)

const namespace = "mtm"

// Metrics bundles the service collectors. A nil *Metrics is a no-op.
type Metrics struct {
	llmAttempts      *prometheus.CounterVec
	llmExhausted     *prometheus.CounterVec
	llmLatency       *prometheus.HistogramVec
	votes            *prometheus.CounterVec
	analyticsDropped prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// MustNew registers the collectors with reg, reusing collectors that are
// already registered under the same name. Other registration errors panic.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		llmAttempts: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_attempts_total",
			Help:      "Fallback chain attempts by model and outcome.",
		}, []string{"model", "outcome"})),
		llmExhausted: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_exhausted_total",
			Help:      "Calls for which every model in the chain failed.",
		}, []string{"operation"})),
		llmLatency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_attempt_duration_seconds",
			Help:      "Latency of a single fallback chain attempt.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"model"})),
		votes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Recorded votes by choice.",
		}, []string{"choice"})),
		analyticsDropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_dropped_total",
			Help:      "Analytics events dropped because the buffer was full or the store failed.",
		})),
		httpRequests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"})),
		httpDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveAttempt implements llm.Observer.
func (m *Metrics) ObserveAttempt(a llm.Attempt) {
	if m == nil {
		return
	}
	m.llmAttempts.WithLabelValues(a.Model, Outcome(a)).Inc()
	m.llmLatency.WithLabelValues(a.Model).Observe(a.Latency.Seconds())
}

// ObserveExhausted implements llm.ExhaustionObserver.
func (m *Metrics) ObserveExhausted(operation string, _ int) {
	if m == nil {
		return
	}
	m.llmExhausted.WithLabelValues(operation).Inc()
}

// IncVote counts a recorded vote; choice is yes, no, first or second.
func (m *Metrics) IncVote(choice string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(choice).Inc()
}

// IncAnalyticsDropped counts an analytics event that was not persisted.
func (m *Metrics) IncAnalyticsDropped() {
	if m == nil {
		return
	}
	m.analyticsDropped.Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Outcome classifies an attempt for the outcome label.
func Outcome(a llm.Attempt) string {
	switch {
	case a.Err == nil:
		return "success"
	case a.StatusCode == 429:
		return "rate_limited"
	case a.Err.Msg == "Timeout":
		return "timeout"
	case a.StatusCode == 0:
		return "transport"
	case a.StatusCode == 200:
		return "bad_response"
	default:
		return "http_error"
	}
}
