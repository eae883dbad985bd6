// Package metrics exposes gate and bridge counters to Prometheus.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	decisions    *prometheus.CounterVec
	reports      *prometheus.CounterVec
	queueFull    prometheus.Counter
	sessions     prometheus.Counter
	pending      prometheus.Gauge
	auditDropped prometheus.Counter
	auditPruned  prometheus.Counter
}

// New registers the execgate collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "execgate_decisions_total",
			Help: "Authorization decisions by source and verdict",
		}, []string{"source", "verdict"}),
		reports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "execgate_daemon_reports_total",
			Help: "Verdicts reported by the policy daemon, by verdict and whether a request was waiting",
		}, []string{"verdict", "pending"}),
		queueFull: f.NewCounter(prometheus.CounterOpts{
			Name: "execgate_queue_full_total",
			Help: "Notifications rejected because the event queue was at capacity",
		}),
		sessions: f.NewCounter(prometheus.CounterOpts{
			Name: "execgate_sessions_opened_total",
			Help: "Daemon sessions opened",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "execgate_pending_requests",
			Help: "Distinct file identities currently awaiting a daemon verdict",
		}),
		auditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "execgate_audit_dropped_total",
			Help: "Audit records dropped because the audit buffer was full",
		}),
		auditPruned: f.NewCounter(prometheus.CounterOpts{
			Name: "execgate_audit_pruned_total",
			Help: "Audit records deleted by retention pruning",
		}),
	}
}

// WatchCache exports the decision cache size as a gauge read on scrape.
func WatchCache(reg prometheus.Registerer, count func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "execgate_cache_entries",
		Help: "Entries in the decision cache",
	}, func() float64 { return float64(count()) })
}

func (m *Metrics) ObserveDecision(source, verdict string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(source, verdict).Inc()
	if source == "queue_full" {
		m.queueFull.Inc()
	}
}

func (m *Metrics) ObserveReport(verdict string, hadPending bool) {
	if m == nil {
		return
	}
	p := "false"
	if hadPending {
		p = "true"
	}
	m.reports.WithLabelValues(verdict, p).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) PendingAdd(delta float64) {
	if m == nil {
		return
	}
	m.pending.Add(delta)
}

func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

func (m *Metrics) AuditPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.auditPruned.Add(float64(n))
}
