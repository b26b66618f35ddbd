// Package metric exposes Manifest's Prometheus instrumentation: the
// cost ledger's remaining budget, live workspace count, in-flight
// verifications, and cumulative attempt counters.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric Manifest exports, registered against a
// caller-supplied prometheus.Registerer so cmd/manifest can attach them
// to its own HTTP mux rather than the global default registry.
type Registry struct {
	CostCeilingRemaining  prometheus.Gauge
	ActiveWorkspaces      prometheus.Gauge
	VerificationsInFlight prometheus.Gauge
	AttemptsGenerated     prometheus.Counter
	AttemptsVerified      *prometheus.CounterVec
	IntentsByStatus       *prometheus.GaugeVec
}

// New registers and returns Manifest's metric set against reg.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		CostCeilingRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "manifest",
			Subsystem: "gateway",
			Name:      "cost_ceiling_remaining_usd",
			Help:      "Dollars remaining under the current Intent's cost ceiling.",
		}),
		ActiveWorkspaces: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "manifest",
			Subsystem: "workspace",
			Name:      "active_count",
			Help:      "Number of workspaces currently checked out for verification.",
		}),
		VerificationsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "manifest",
			Subsystem: "verify",
			Name:      "in_flight",
			Help:      "Number of Verifications currently running.",
		}),
		AttemptsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "manifest",
			Subsystem: "swarm",
			Name:      "attempts_generated_total",
			Help:      "Total Attempts produced by the Generation Swarm, across all Intents.",
		}),
		AttemptsVerified: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "manifest",
			Subsystem: "verify",
			Name:      "attempts_verified_total",
			Help:      "Total Attempts verified, labeled by outcome (passed/failed).",
		}, []string{"outcome"}),
		IntentsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "manifest",
			Subsystem: "orchestrator",
			Name:      "intents_by_status",
			Help:      "Number of Intents currently in each pipeline phase.",
		}, []string{"status"}),
	}
}
