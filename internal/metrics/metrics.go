package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the cashback pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	ruleSetsCreated prometheus.Counter
	transactions    *prometheus.CounterVec
	cashbackAmount  prometheus.Counter
	pipelineErrors  *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ruleSetsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cashback_rulesets_created_total",
			Help: "Number of rulesets created.",
		}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cashback_transactions_total",
			Help: "Transactions processed, by whether they earned a cashback.",
		}, []string{"outcome"}),
		cashbackAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cashback_awarded_amount_total",
			Help: "Sum of all cashback amounts awarded.",
		}),
		pipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cashback_pipeline_errors_total",
			Help: "Failures while processing requests, by stage.",
		}, []string{"stage"}),
	}
	m.registry.MustRegister(
		m.ruleSetsCreated,
		m.transactions,
		m.cashbackAmount,
		m.pipelineErrors,
	)
	return m
}

func (m *Metrics) ObserveRuleSetCreated() {
	if m == nil {
		return
	}
	m.ruleSetsCreated.Inc()
}

// ObserveTransaction records one processed transaction. amount is ignored
// when awarded is false.
func (m *Metrics) ObserveTransaction(awarded bool, amount int64) {
	if m == nil {
		return
	}
	if !awarded {
		m.transactions.WithLabelValues("no_cashback").Inc()
		return
	}
	m.transactions.WithLabelValues("cashback").Inc()
	m.cashbackAmount.Add(float64(amount))
}

func (m *Metrics) ObserveError(stage string) {
	if m == nil {
		return
	}
	if stage == "" {
		stage = "unknown"
	}
	m.pipelineErrors.WithLabelValues(stage).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
