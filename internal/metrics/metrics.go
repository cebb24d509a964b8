// Package metrics exports connection lifecycle metrics for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adoconnect/internal/connection"
)

const namespace = "adoconnect"

// Metrics collects connection notifications into its own registry.
type Metrics struct {
	registry *prometheus.Registry

	connectionState   *prometheus.GaugeVec
	transitions       *prometheus.CounterVec
	failures          *prometheus.CounterVec
	authAttempts      *prometheus.CounterVec
	authDuration      *prometheus.HistogramVec
	tokenRefreshes    *prometheus.CounterVec
	interactivePrompt *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		connectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Current state of each connection (1 for the active state, 0 otherwise)",
			},
			[]string{"connection", "state"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of connection state transitions",
			},
			[]string{"from", "to"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_failures_total",
				Help:      "Total number of connection failures by stage and error kind",
			},
			[]string{"connection", "stage", "kind"},
		),
		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Total number of authentication attempts",
			},
			[]string{"strategy", "result"},
		),
		authDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auth_duration_seconds",
				Help:      "Duration of authentication attempts in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"strategy"},
		),
		tokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Total number of successful credential refreshes",
			},
			[]string{"connection"},
		),
		interactivePrompt: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interactive_prompts_total",
				Help:      "Total number of interactive sign-in prompts by flow",
			},
			[]string{"flow"},
		),
	}

	registry.MustRegister(
		m.connectionState,
		m.transitions,
		m.failures,
		m.authAttempts,
		m.authDuration,
		m.tokenRefreshes,
		m.interactivePrompt,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe records one notification. It is a connection.Listener.
func (m *Metrics) Observe(n connection.Notification) {
	switch v := n.(type) {
	case connection.StateChanged:
		m.transitions.WithLabelValues(string(v.From), string(v.To)).Inc()
		m.setState(v.ID, v.To)
	case connection.ConnectionFailed:
		kind := "unknown"
		if v.Err != nil {
			kind = string(v.Err.Kind)
		}
		m.failures.WithLabelValues(v.ID, string(v.Stage), kind).Inc()
	case connection.AuthAttempted:
		result := "failure"
		if v.Success {
			result = "success"
		}
		m.authAttempts.WithLabelValues(string(v.Strategy), result).Inc()
		m.authDuration.WithLabelValues(string(v.Strategy)).Observe(v.Duration.Seconds())
	case connection.TokenRefreshed:
		m.tokenRefreshes.WithLabelValues(v.ID).Inc()
	case connection.DeviceCodePresented:
		m.interactivePrompt.WithLabelValues("device-code").Inc()
	case connection.AuthURLPresented:
		m.interactivePrompt.WithLabelValues("auth-code").Inc()
	}
}

func (m *Metrics) setState(id string, current connection.State) {
	for _, s := range connection.AllStates {
		value := 0.0
		if s == current {
			value = 1.0
		}
		m.connectionState.WithLabelValues(id, string(s)).Set(value)
	}
}

// Forget drops the series of a removed connection.
func (m *Metrics) Forget(id string) {
	m.connectionState.DeletePartialMatch(prometheus.Labels{"connection": id})
	m.failures.DeletePartialMatch(prometheus.Labels{"connection": id})
	m.tokenRefreshes.DeleteLabelValues(id)
}
