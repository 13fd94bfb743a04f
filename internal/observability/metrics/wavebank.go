package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// WaveBankMetrics counts waveform bank writes and reads.
type WaveBankMetrics struct {
	tracesWritten  prometheus.Counter
	samplesWritten prometheus.Counter
	diskRejections prometheus.Counter
	queriesTotal   *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewWaveBankMetrics creates and registers the wave bank metrics.
func NewWaveBankMetrics(registry prometheus.Registerer) (*WaveBankMetrics, error) {
	m := &WaveBankMetrics{
		tracesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eqcutil_wavebank_traces_written_total",
			Help: "Traces written to the waveform bank",
		}),
		samplesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eqcutil_wavebank_samples_written_total",
			Help: "Samples written to the waveform bank",
		}),
		diskRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eqcutil_wavebank_disk_rejections_total",
			Help: "Writes refused because the volume was too full",
		}),
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eqcutil_wavebank_queries_total",
			Help: "Waveform queries by status",
		}, []string{"status"}),
	}
	m.collectors = []prometheus.Collector{m.tracesWritten, m.samplesWritten, m.diskRejections, m.queriesTotal}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register wavebank metrics: %w", err)
	}
	return m, nil
}

// RecordWrite counts one trace written.
func (m *WaveBankMetrics) RecordWrite(samples int) {
	if m == nil {
		return
	}
	m.tracesWritten.Inc()
	m.samplesWritten.Add(float64(samples))
}

// RecordDiskRejection counts one write refused by the disk guard.
func (m *WaveBankMetrics) RecordDiskRejection() {
	if m == nil {
		return
	}
	m.diskRejections.Inc()
}

// RecordQuery counts one waveform query.
func (m *WaveBankMetrics) RecordQuery(err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.queriesTotal.WithLabelValues(status).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *WaveBankMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *WaveBankMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors {
		c.Collect(ch)
	}
}
