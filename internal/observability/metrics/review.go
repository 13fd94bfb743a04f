package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ReviewMetrics counts analyst actions and exports.
type ReviewMetrics struct {
	verdictsTotal *prometheus.CounterVec
	commentsTotal prometheus.Counter
	locksTotal    *prometheus.CounterVec
	exportsTotal  *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewReviewMetrics creates and registers the review metrics.
func NewReviewMetrics(registry prometheus.Registerer) (*ReviewMetrics, error) {
	m := &ReviewMetrics{
		verdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eqcutil_review_verdicts_total",
			Help: "Verdict changes by verdict",
		}, []string{"verdict"}),
		commentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eqcutil_review_comments_total",
			Help: "Comments added to detections",
		}),
		locksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eqcutil_review_locks_total",
			Help: "Lock and unlock operations",
		}, []string{"action"}),
		exportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eqcutil_review_exports_total",
			Help: "Review exports by exporter and status",
		}, []string{"exporter", "status"}),
	}
	m.collectors = []prometheus.Collector{m.verdictsTotal, m.commentsTotal, m.locksTotal, m.exportsTotal}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register review metrics: %w", err)
	}
	return m, nil
}

// RecordVerdict counts one verdict change.
func (m *ReviewMetrics) RecordVerdict(verdict string) {
	if m == nil {
		return
	}
	m.verdictsTotal.WithLabelValues(verdict).Inc()
}

// RecordComment counts one comment.
func (m *ReviewMetrics) RecordComment() {
	if m == nil {
		return
	}
	m.commentsTotal.Inc()
}

// RecordLock counts a lock (true) or unlock (false).
func (m *ReviewMetrics) RecordLock(locked bool) {
	if m == nil {
		return
	}
	action := "unlock"
	if locked {
		action = "lock"
	}
	m.locksTotal.WithLabelValues(action).Inc()
}

// RecordExport counts one export run.
func (m *ReviewMetrics) RecordExport(exporter string, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.exportsTotal.WithLabelValues(exporter, status).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *ReviewMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *ReviewMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}
