package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node's Prometheus collectors, scraped at /metrics
// alongside the read/submission API.
type Metrics struct {
	PaymentsCreated *prometheus.CounterVec
	BlocksConfirmed prometheus.Counter
	ProofsServed    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics builds and registers the node's collectors against a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		PaymentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lucid_payments_created_total",
			Help: "Payment requests created, by resulting status.",
		}, []string{"status"}),
		BlocksConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lucid_blocks_confirmed_total",
			Help: "Blocks that reached the required confirmation depth.",
		}),
		ProofsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lucid_merkle_proofs_served_total",
			Help: "Inclusion proofs served, by lookup kind (index or hash).",
		}, []string{"kind"}),
		registry: reg,
	}
	reg.MustRegister(m.PaymentsCreated, m.BlocksConfirmed, m.ProofsServed)
	return m
}

// Handler returns the scrape handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
