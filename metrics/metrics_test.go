package metrics_test

import (
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zephyrtronium/cfauth/metrics"
)

func TestNew(t *testing.T) {
	m := metrics.New("cfauth")
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.Collectors()...)
	m.Exchanges.Observe(1, "bocchi", "password", "ok")
	m.ExchangeLatency.Observe(0.25, "bocchi", "password")
	m.Joins.Observe(1, "bocchi")
	m.Fallbacks.Observe(1, "bocchi")
	m.Invalidations.Observe(1, "bocchi")
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, mf := range mfs {
		names = append(names, mf.GetName())
	}
	want := []string{
		"cfauth_token_exchange_latency",
		"cfauth_token_exchanges",
		"cfauth_token_fallbacks",
		"cfauth_token_invalidations",
		"cfauth_token_joins",
	}
	if !slices.Equal(names, want) {
		t.Errorf("wrong metrics:\nwant %q\ngot  %q", want, names)
	}
}

func TestCollectorsSkipsNil(t *testing.T) {
	m := metrics.Metrics{
		Joins: metrics.NewPromCounter(prometheus.NewCounter(prometheus.CounterOpts{Name: "joins"})),
	}
	if got := len(m.Collectors()); got != 1 {
		t.Errorf("wrong number of collectors: want 1, got %d", got)
	}
}
