package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// DetectionMetrics covers detection ingestion, SNR estimation and ranking.
type DetectionMetrics struct {
	rowsTotal     *prometheus.CounterVec
	snrTotal      *prometheus.CounterVec
	rankedTotal   *prometheus.CounterVec
	rankedCurrent prometheus.Gauge

	collectors []prometheus.Collector
}

// NewDetectionMetrics creates and registers the detection metrics.
func NewDetectionMetrics(registry prometheus.Registerer) (*DetectionMetrics, error) {
	m := &DetectionMetrics{
		rowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eqcutil_detection_ingested_rows_total",
			Help: "Detection rows read during ingestion by outcome",
		}, []string{"outcome"}),
		snrTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eqcutil_detection_snr_estimates_total",
			Help: "SNR estimation attempts by status",
		}, []string{"status"}),
		rankedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eqcutil_ranking_detections_total",
			Help: "Detections passed through ranking by outcome",
		}, []string{"outcome"}),
		rankedCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eqcutil_ranking_last_ranked",
			Help: "Number of detections in the most recent ranking",
		}),
	}
	m.collectors = []prometheus.Collector{m.rowsTotal, m.snrTotal, m.rankedTotal, m.rankedCurrent}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register detection metrics: %w", err)
	}
	return m, nil
}

// RecordIngest adds the outcome counts of one ingestion run.
func (m *DetectionMetrics) RecordIngest(accepted, rejected, duplicates int) {
	if m == nil {
		return
	}
	m.rowsTotal.WithLabelValues(OutcomeAccepted).Add(float64(accepted))
	m.rowsTotal.WithLabelValues(OutcomeRejected).Add(float64(rejected))
	m.rowsTotal.WithLabelValues(OutcomeDuplicate).Add(float64(duplicates))
}

// RecordSNR counts one SNR estimation.
func (m *DetectionMetrics) RecordSNR(err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.snrTotal.WithLabelValues(status).Inc()
}

// RecordRanking records how many detections were kept and dropped.
func (m *DetectionMetrics) RecordRanking(kept, dropped int) {
	if m == nil {
		return
	}
	m.rankedTotal.WithLabelValues("kept").Add(float64(kept))
	m.rankedTotal.WithLabelValues("dropped").Add(float64(dropped))
	m.rankedCurrent.Set(float64(kept))
}

// Describe implements the prometheus.Collector interface.
func (m *DetectionMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *DetectionMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}
