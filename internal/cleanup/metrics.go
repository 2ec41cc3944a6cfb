package cleanup

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultExecuted  = "executed"
	resultDiscarded = "discarded"
	resultFailed    = "failed"
)

// Metrics exposes Prometheus collectors for deferred cleanup and sweeps.
type Metrics struct {
	intents     *prometheus.CounterVec
	sweptBlobs  *prometheus.CounterVec
	sweepErrors prometheus.Counter
}

// NewMetrics constructs a Metrics instance registered with reg. A nil reg
// selects the default registerer. Collectors that are already registered
// are reused so multiple coordinators can share one registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		intents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imagestore",
				Subsystem: "cleanup",
				Name:      "intents_total",
				Help:      "Cleanup intents resolved, by kind, unit outcome and result.",
			},
			[]string{"kind", "outcome", "result"},
		),
		sweptBlobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "imagestore",
				Subsystem: "sweep",
				Name:      "orphans_total",
				Help:      "Unreferenced blobs found by the reconciliation sweep, by result.",
			},
			[]string{"result"},
		),
		sweepErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "imagestore",
				Subsystem: "sweep",
				Name:      "errors_total",
				Help:      "Sweeps that could not list blobs or references.",
			},
		),
	}

	m.intents = register(reg, m.intents)
	m.sweptBlobs = register(reg, m.sweptBlobs)
	m.sweepErrors = register(reg, m.sweepErrors)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) observeIntent(kind Kind, outcome, result string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(string(kind), outcome, result).Inc()
}

func (m *Metrics) observeOrphan(result string) {
	if m == nil {
		return
	}
	m.sweptBlobs.WithLabelValues(result).Inc()
}

func (m *Metrics) observeSweepError() {
	if m == nil {
		return
	}
	m.sweepErrors.Inc()
}
