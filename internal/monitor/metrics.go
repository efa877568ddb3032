package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the result store.
type Metrics struct {
	Registry *prometheus.Registry

	InsertsTotal     *prometheus.CounterVec
	UpdatesTotal     *prometheus.CounterVec
	LookupsTotal     *prometheus.CounterVec
	SpillFallbacks   prometheus.Counter
	ReapCycles       *prometheus.CounterVec
	ReapedRecords    prometheus.Counter
	RequestsInFlight prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		InsertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resultstore",
				Name:      "inserts_total",
				Help:      "Total result inserts by response type and outcome.",
			},
			[]string{"type", "outcome"},
		),

		UpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resultstore",
				Name:      "updates_total",
				Help:      "Total response updates by outcome.",
			},
			[]string{"outcome"},
		),

		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resultstore",
				Name:      "lookups_total",
				Help:      "Total response lookups by outcome (hit, miss, error).",
			},
			[]string{"outcome"},
		),

		SpillFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "resultstore",
				Name:      "spill_fallbacks_total",
				Help:      "Output payloads stored inline because the disk write failed.",
			},
		),

		ReapCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "resultstore",
				Name:      "reap_cycles_total",
				Help:      "Reaper firings by result (ok, error).",
			},
			[]string{"result"},
		),

		ReapedRecords: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "resultstore",
				Name:      "reaped_records_total",
				Help:      "Records deleted by the reaper.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "resultstore",
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served.",
			},
		),
	}

	reg.MustRegister(
		m.InsertsTotal,
		m.UpdatesTotal,
		m.LookupsTotal,
		m.SpillFallbacks,
		m.ReapCycles,
		m.ReapedRecords,
		m.RequestsInFlight,
	)

	return m
}
