// Package metrics describes the observations made while coordinating tokens.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Observer records values with label values. It is also a Prometheus
// collector so that the command can register it.
type Observer interface {
	Observe(val float64, labels ...string)
	prometheus.Collector
}

// Metrics are the observations made by credentials. Nil fields are not
// observed.
type Metrics struct {
	// Exchanges counts token endpoint exchanges.
	// Labels: credential, grant, outcome.
	Exchanges Observer
	// ExchangeLatency observes exchange durations in seconds.
	// Labels: credential, grant.
	ExchangeLatency Observer
	// Joins counts callers which waited on an exchange another caller started.
	// Labels: credential.
	Joins Observer
	// Fallbacks counts rejected refresh tokens followed by the primary grant.
	// Labels: credential.
	Fallbacks Observer
	// Invalidations counts explicit invalidations of cached tokens.
	// Labels: credential.
	Invalidations Observer
}

// Collectors returns the collectors of all non-nil observers.
func (m Metrics) Collectors() []prometheus.Collector {
	var r []prometheus.Collector
	for _, o := range []Observer{m.Exchanges, m.ExchangeLatency, m.Joins, m.Fallbacks, m.Invalidations} {
		if o != nil {
			r = append(r, o)
		}
	}
	return r
}

// New creates metrics backed by Prometheus collectors.
func New(namespace string) *Metrics {
	return &Metrics{
		Exchanges: NewPromCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: "token",
					Name:      "exchanges",
					Help:      "Number of token endpoint exchanges by grant and outcome.",
				},
				[]string{"credential", "grant", "outcome"},
			),
		),
		ExchangeLatency: NewPromObserverVec(
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Buckets:   []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 5, 10, 30},
					Namespace: namespace,
					Subsystem: "token",
					Name:      "exchange_latency",
					Help:      "How long token endpoint exchanges take in seconds.",
				},
				[]string{"credential", "grant"},
			),
		),
		Joins: NewPromCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: "token",
					Name:      "joins",
					Help:      "Number of callers which waited on an exchange started by another caller.",
				},
				[]string{"credential"},
			),
		),
		Fallbacks: NewPromCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: "token",
					Name:      "fallbacks",
					Help:      "Number of rejected refresh tokens recovered with the primary grant.",
				},
				[]string{"credential"},
			),
		),
		Invalidations: NewPromCounterVec(
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Subsystem: "token",
					Name:      "invalidations",
					Help:      "Number of explicit invalidations of cached tokens.",
				},
				[]string{"credential"},
			),
		),
	}
}
