package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NewPromCounter adapts an unlabeled counter. Labels passed to Observe are
// ignored.
func NewPromCounter(m prometheus.Counter) Observer {
	return &PrometheusMetric{
		observe:   func(val float64, _ ...string) { m.Add(val) },
		Collector: m,
	}
}

// NewPromCounterVec adapts a labeled counter. Observe must receive one value
// per label, in order.
func NewPromCounterVec(m *prometheus.CounterVec) Observer {
	return &PrometheusMetric{
		observe:   func(val float64, labels ...string) { m.WithLabelValues(labels...).Add(val) },
		Collector: m,
	}
}

// NewPromObserverVec adapts a labeled histogram or summary.
func NewPromObserverVec(m prometheus.ObserverVec) Observer {
	return &PrometheusMetric{
		observe:   func(val float64, labels ...string) { m.WithLabelValues(labels...).Observe(val) },
		Collector: m,
	}
}

// PrometheusMetric is an Observer backed by a Prometheus collector.
type PrometheusMetric struct {
	observe func(val float64, labels ...string)
	prometheus.Collector
}

func (m *PrometheusMetric) Observe(val float64, labels ...string) {
	m.observe(val, labels...)
}
