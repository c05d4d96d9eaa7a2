// Package metrics provides the Prometheus collectors of cdpdriver.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grafana/cdpdriver/cdp"
)

const namespace = "cdpdriver"

var _ cdp.Observer = &CustomMetrics{}

// CustomMetrics are the collectors for protocol traffic and browser state.
type CustomMetrics struct {
	CommandsTotal   *prometheus.CounterVec
	CommandErrors   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	EventsTotal     *prometheus.CounterVec
	Navigations     prometheus.Histogram
	Targets         *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// RegisterCustomMetrics creates the collectors and registers them with
// registry. A nil registry gets a fresh one.
func RegisterCustomMetrics(registry *prometheus.Registry) (*CustomMetrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &CustomMetrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Protocol commands sent, by method.",
		}, []string{"method"}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Protocol commands that failed, by method and kind.",
		}, []string{"method", "kind"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time from sending a command to its reply.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"method"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Protocol events received, by method.",
		}, []string{"method"}),
		Navigations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "navigation_duration_seconds",
			Help:      "Time taken by top level navigations including the settle delay.",
			Buckets:   prometheus.DefBuckets,
		}),
		Targets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "targets",
			Help:      "Known targets, by type.",
		}, []string{"type"}),
		gatherer: registry,
	}
	for _, c := range []prometheus.Collector{
		m.CommandsTotal, m.CommandErrors, m.CommandDuration,
		m.EventsTotal, m.Navigations, m.Targets,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// CommandDone implements cdp.Observer.
func (m *CustomMetrics) CommandDone(method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(method).Inc()
	m.CommandDuration.WithLabelValues(method).Observe(d.Seconds())
	if err != nil {
		m.CommandErrors.WithLabelValues(method, errorKind(err)).Inc()
	}
}

// EventReceived implements cdp.Observer.
func (m *CustomMetrics) EventReceived(method string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(method).Inc()
}

// ObserveNavigation records a navigation that took d.
func (m *CustomMetrics) ObserveNavigation(d time.Duration) {
	if m == nil {
		return
	}
	m.Navigations.Observe(d.Seconds())
}

// SetTargets sets the number of known targets per type.
func (m *CustomMetrics) SetTargets(counts map[string]int) {
	if m == nil {
		return
	}
	m.Targets.Reset()
	for typ, n := range counts {
		m.Targets.WithLabelValues(typ).Set(float64(n))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *CustomMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func errorKind(err error) string {
	var pe *cdp.ProtocolError
	switch {
	case errors.As(err, &pe):
		return "protocol"
	case errors.Is(err, cdp.ErrConnectionClosed):
		return "closed"
	default:
		return "other"
	}
}
