// Package observability builds the Prometheus registry of eqcutil and hands
// component collectors to the packages that record into them.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seisreview/eqcutil/internal/detection"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/observability/metrics"
	"github.com/seisreview/eqcutil/internal/tribe"
	"github.com/seisreview/eqcutil/internal/wavebank"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry  *prometheus.Registry
	Detection *metrics.DetectionMetrics
	Review    *metrics.ReviewMetrics
	Cluster   *metrics.ClusterMetrics
	WaveBank  *metrics.WaveBankMetrics
	MQTT      *metrics.MQTTMetrics
}

// NewMetrics creates a registry with every collector registered and
// installs the package level collectors of detection, tribe and wavebank.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register Go collector: %w", err)
	}

	m := &Metrics{registry: registry}
	var err error
	if m.Detection, err = metrics.NewDetectionMetrics(registry); err != nil {
		return nil, err
	}
	if m.Review, err = metrics.NewReviewMetrics(registry); err != nil {
		return nil, err
	}
	if m.Cluster, err = metrics.NewClusterMetrics(registry); err != nil {
		return nil, err
	}
	if m.WaveBank, err = metrics.NewWaveBankMetrics(registry); err != nil {
		return nil, err
	}
	if m.MQTT, err = metrics.NewMQTTMetrics(registry); err != nil {
		return nil, err
	}

	detection.SetMetrics(m.Detection)
	tribe.SetMetrics(m.Cluster)
	wavebank.SetMetrics(m.WaveBank)
	GetLogger().Debug("metrics initialized")
	return m, nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      promLogger{},
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// promLogger routes promhttp errors to the module logger.
type promLogger struct{}

func (promLogger) Println(v ...any) {
	GetLogger().Error("metrics handler error", logger.String("message", fmt.Sprint(v...)))
}
