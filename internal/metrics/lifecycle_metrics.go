package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты попытки перехода для лейбла result.
const (
	ResultCommitted = "committed"
	ResultIllegal   = "illegal"
	ResultNotFound  = "not_found"
	ResultFailed    = "failed"
)

// LifecycleMetrics содержит метрики движка переходов и SLA.
type LifecycleMetrics struct {
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	versionRetries     *prometheus.CounterVec
	slaBreaches        *prometheus.CounterVec
	slaSweepDuration   prometheus.Histogram
	slaOpen            *prometheus.GaugeVec
	hookRuns           *prometheus.CounterVec
	cleanupRuns        *prometheus.CounterVec
	cleanupDeleted     prometheus.Counter
}

// NewLifecycleMetrics создаёт метрики в prometheus.DefaultRegisterer.
func NewLifecycleMetrics() *LifecycleMetrics {
	return NewLifecycleMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewLifecycleMetricsWithRegisterer создаёт метрики в указанном реестре.
func NewLifecycleMetricsWithRegisterer(registerer prometheus.Registerer) *LifecycleMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &LifecycleMetrics{
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "lifecycle_transitions_total",
			Help: "Total number of transition attempts by domain and result",
		}, []string{"domain", "result"}),
		transitionDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "lifecycle_transition_duration_seconds",
			Help:    "Duration of transition attempts in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"domain"}),
		versionRetries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "lifecycle_transition_version_retries_total",
			Help: "Total number of transition retries caused by version conflicts",
		}, []string{"domain"}),
		slaBreaches: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "lifecycle_sla_breaches_flagged_total",
			Help: "Total number of SLA records flagged as breached",
		}, []string{"domain"}),
		slaSweepDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "lifecycle_sla_sweep_duration_seconds",
			Help:    "Duration of SLA breach sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		slaOpen: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "lifecycle_sla_breached_open",
			Help: "Number of breached SLA records still open, observed at the last sweep",
		}, []string{"domain"}),
		hookRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "lifecycle_hook_runs_total",
			Help: "Total number of post-commit hook runs by hook and result",
		}, []string{"hook", "result"}),
		cleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "lifecycle_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result",
		}, []string{"result"}),
		cleanupDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "lifecycle_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency keys and hook markers",
		}),
	}
}

// RecordTransition учитывает попытку перехода и её длительность.
func (m *LifecycleMetrics) RecordTransition(domain, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(domain, result).Inc()
	m.transitionDuration.WithLabelValues(domain).Observe(duration.Seconds())
}

// RecordVersionRetry учитывает повтор из-за конфликта версий.
func (m *LifecycleMetrics) RecordVersionRetry(domain string) {
	if m == nil {
		return
	}
	m.versionRetries.WithLabelValues(domain).Inc()
}

// RecordBreachesFlagged увеличивает счётчик помеченных нарушений SLA.
func (m *LifecycleMetrics) RecordBreachesFlagged(domain string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.slaBreaches.WithLabelValues(domain).Add(float64(count))
}

// RecordSweepDuration записывает длительность прохода по SLA.
func (m *LifecycleMetrics) RecordSweepDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.slaSweepDuration.Observe(duration.Seconds())
}

// SetOpenBreaches выставляет число открытых нарушений домена.
func (m *LifecycleMetrics) SetOpenBreaches(domain string, count int) {
	if m == nil {
		return
	}
	m.slaOpen.WithLabelValues(domain).Set(float64(count))
}

// RecordHookRun учитывает запуск post-commit хука.
func (m *LifecycleMetrics) RecordHookRun(hook, result string) {
	if m == nil {
		return
	}
	m.hookRuns.WithLabelValues(hook, result).Inc()
}

// RecordCleanup учитывает проход очистки ключей идемпотентности.
func (m *LifecycleMetrics) RecordCleanup(result string, deleted int) {
	if m == nil {
		return
	}
	m.cleanupRuns.WithLabelValues(result).Inc()
	if deleted > 0 {
		m.cleanupDeleted.Add(float64(deleted))
	}
}
