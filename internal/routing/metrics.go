package routing

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// HealthState is the derived per-upstream health spec.md §4.5 defines.
type HealthState string

const (
	HealthConnected    HealthState = "connected"
	HealthDegraded     HealthState = "degraded"
	HealthDisconnected HealthState = "disconnected"
	HealthUnknown      HealthState = "unknown"
)

// Metrics collects the per-upstream counters spec.md §4.5 calls for:
// requests, errors, total latency, in-flight and last-activity, plus a
// breaker-state gauge. It is built on its own prometheus.Registry
// rather than the global default one, so multiple gateway instances in
// the same test binary never collide on metric registration.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec
	LatencySeconds *prometheus.HistogramVec
	InFlight       *prometheus.GaugeVec
	BreakerState   *prometheus.GaugeVec
}

// NewMetrics builds and registers the routing metric family.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_requests_total",
			Help: "Total requests forwarded to an upstream server.",
		}, []string{"server"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total errored requests to an upstream server.",
		}, []string{"server"}),
		LatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_latency_seconds",
			Help:    "Upstream call latency in seconds.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"server"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_upstream_in_flight",
			Help: "In-flight requests per upstream server.",
		}, []string{"server"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_upstream_breaker_state",
			Help: "Circuit breaker state per upstream (0=closed,1=half-open,2=open).",
		}, []string{"server"}),
	}
	reg.MustRegister(m.RequestsTotal, m.ErrorsTotal, m.LatencySeconds, m.InFlight, m.BreakerState)
	return m
}

func breakerStateValue(s BreakerState) float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return -1
	}
}

// ObserveBreaker mirrors a breaker's current state into the gauge.
func (m *Metrics) ObserveBreaker(server string, s BreakerState) {
	m.BreakerState.WithLabelValues(server).Set(breakerStateValue(s))
}

// DeriveHealth computes a coarse per-upstream health label from breaker
// state and observed error rate, per spec.md §4.5: an open breaker is
// disconnected; an error rate above 0.5 is degraded; no samples yet is
// unknown; otherwise connected.
func DeriveHealth(state BreakerState, requests, errors float64) HealthState {
	if state == StateOpen {
		return HealthDisconnected
	}
	if requests == 0 {
		return HealthUnknown
	}
	if errors/requests > 0.5 {
		return HealthDegraded
	}
	return HealthConnected
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// RequestsFor returns the current request count recorded for server.
func (m *Metrics) RequestsFor(server string) float64 {
	return counterValue(m.RequestsTotal.WithLabelValues(server))
}

// ErrorsFor returns the current error count recorded for server.
func (m *Metrics) ErrorsFor(server string) float64 {
	return counterValue(m.ErrorsTotal.WithLabelValues(server))
}
