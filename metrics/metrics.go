package metrics

import (
	"time"

	guard "github.com/goliatone/go-auth-guard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records guard decisions and role check outcomes. It implements
// guard.Observer.
type Metrics struct {
	Decisions         *prometheus.CounterVec
	RoleChecks        *prometheus.CounterVec
	RoleCheckDuration prometheus.Histogram
}

var _ guard.Observer = (*Metrics)(nil)

// New registers the guard metrics with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_decisions_total",
			Help: "Access decisions published, by guard and decision",
		}, []string{"guard", "decision"}),
		RoleChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_role_checks_total",
			Help: "Completed role checks, by result",
		}, []string{"result"}),
		RoleCheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "guard_role_check_duration_seconds",
			Help:    "Duration of role checks from start to result",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

// ObserveDecision implements guard.Observer.
func (m *Metrics) ObserveDecision(guardName string, decision guard.Decision) {
	m.Decisions.WithLabelValues(guardName, decision.String()).Inc()
}

// ObserveRoleCheck implements guard.Observer. Discarded checks are counted
// but not timed.
func (m *Metrics) ObserveRoleCheck(result guard.RoleCheckResult, elapsed time.Duration) {
	m.RoleChecks.WithLabelValues(string(result)).Inc()
	if result != guard.RoleCheckDiscarded {
		m.RoleCheckDuration.Observe(elapsed.Seconds())
	}
}
