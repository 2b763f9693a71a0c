// Package metrics holds the Prometheus collectors and the OpenTelemetry
// tracer shared by the server's components.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "keyman"

type Metrics struct {
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	UnlockTotal      *prometheus.CounterVec
	UnlockDuration   prometheus.Histogram
	ActuatorDuration prometheus.Histogram

	SessionsPruned  prometheus.Counter
	PublishFailures prometheus.Counter

	Tracer trace.Tracer

	gatherer prometheus.Gatherer
}

// New registers every collector on reg.  Passing a fresh
// prometheus.NewRegistry() keeps tests isolated; nil means the default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		UnlockTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "unlock",
				Name:      "attempts_total",
				Help:      "Unlock attempts by outcome code",
			},
			[]string{"outcome"},
		),
		UnlockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "unlock",
			Name:      "duration_seconds",
			Help:      "End-to-end unlock latency including the actuator call",
			Buckets:   prometheus.DefBuckets,
		}),
		ActuatorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "actuator",
			Name:      "duration_seconds",
			Help:      "Door actuator call latency",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}),
		SessionsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "pruned_total",
			Help:      "Expired sessions deleted by the pruner",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_failures_total",
			Help:      "Audit events that could not be published to the broker",
		}),
		Tracer: otel.Tracer("github.com/doguSXFR/KeymanServer"),
	}

	for _, c := range []prometheus.Collector{
		m.RequestCount, m.RequestDuration,
		m.UnlockTotal, m.UnlockDuration, m.ActuatorDuration,
		m.SessionsPruned, m.PublishFailures,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Handler serves the exposition format for the registry m was built on.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
