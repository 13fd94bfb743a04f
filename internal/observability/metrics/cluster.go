package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClusterMetrics times tribe clustering runs.
type ClusterMetrics struct {
	runsTotal *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	groups    *prometheus.GaugeVec

	collectors []prometheus.Collector
}

// NewClusterMetrics creates and registers the clustering metrics.
func NewClusterMetrics(registry prometheus.Registerer) (*ClusterMetrics, error) {
	m := &ClusterMetrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eqcutil_cluster_runs_total",
			Help: "Clustering runs by method and status",
		}, []string{"method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eqcutil_cluster_duration_seconds",
			Help:    "Time taken by a clustering run",
			Buckets: prometheus.ExponentialBuckets(BucketStart10ms, BucketFactor2, BucketCount12),
		}, []string{"method"}),
		groups: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eqcutil_cluster_groups",
			Help: "Number of groups found by the last run of each method",
		}, []string{"method"}),
	}
	m.collectors = []prometheus.Collector{m.runsTotal, m.duration, m.groups}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register cluster metrics: %w", err)
	}
	return m, nil
}

// RecordRun records one clustering run. groups is ignored on error.
func (m *ClusterMetrics) RecordRun(method string, elapsed time.Duration, groups int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.runsTotal.WithLabelValues(method, StatusError).Inc()
		return
	}
	m.runsTotal.WithLabelValues(method, StatusSuccess).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
	m.groups.WithLabelValues(method).Set(float64(groups))
}

// Describe implements the prometheus.Collector interface.
func (m *ClusterMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *ClusterMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}
