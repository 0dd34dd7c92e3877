// Package metrics exposes Prometheus counters for discovery, election and mining.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "participant"

// Solution outcomes as seen by the controller.
const (
	OutcomeAccepted = "accepted"
	OutcomeInvalid  = "invalid"
	OutcomeStale    = "stale"
	OutcomeUnknown  = "unknown"
)

// Collector groups every metric of the process. Metrics are labelled by node
// identity so several participants can share one registry in simulation mode.
// A nil *Collector is valid and records nothing.
type Collector struct {
	hashes       *prometheus.CounterVec
	solutions    *prometheus.CounterVec
	submitted    *prometheus.CounterVec
	transactions *prometheus.CounterVec
	results      *prometheus.CounterVec
	phase        *prometheus.GaugeVec
}

// NewCollector registers all metrics with registerer.
func NewCollector(registerer prometheus.Registerer) *Collector {
	c := &Collector{
		hashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "miner",
			Name:      "hashes_total",
			Help:      "number of proof-of-work digests computed",
		}, []string{"node"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "miner",
			Name:      "solutions_submitted_total",
			Help:      "number of solutions published by this worker",
		}, []string{"node"}),
		solutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "solutions_total",
			Help:      "solutions received by the controller, by outcome",
		}, []string{"node", "outcome"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "transactions_total",
			Help:      "number of challenges issued",
		}, []string{"node"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "results_total",
			Help:      "number of results observed",
		}, []string{"node"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "phase",
			Help:      "current phase: 0 discovery, 1 election, 2 operational",
		}, []string{"node"}),
	}
	registerer.MustRegister(c.hashes, c.submitted, c.solutions, c.transactions, c.results, c.phase)
	return c
}

// Hashes adds n computed digests.
func (c *Collector) Hashes(node string, n uint64) {
	if c == nil || n == 0 {
		return
	}
	c.hashes.WithLabelValues(node).Add(float64(n))
}

func (c *Collector) SolutionSubmitted(node string) {
	if c == nil {
		return
	}
	c.submitted.WithLabelValues(node).Inc()
}

// SolutionReceived records the controller's decision for one solution.
func (c *Collector) SolutionReceived(node, outcome string) {
	if c == nil {
		return
	}
	c.solutions.WithLabelValues(node, outcome).Inc()
}

func (c *Collector) TransactionIssued(node string) {
	if c == nil {
		return
	}
	c.transactions.WithLabelValues(node).Inc()
}

func (c *Collector) ResultObserved(node string) {
	if c == nil {
		return
	}
	c.results.WithLabelValues(node).Inc()
}

func (c *Collector) Phase(node string, phase int) {
	if c == nil {
		return
	}
	c.phase.WithLabelValues(node).Set(float64(phase))
}
