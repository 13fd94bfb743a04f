package wavebank

import (
	"sync/atomic"

	"github.com/seisreview/eqcutil/internal/observability/metrics"
)

var globalMetrics atomic.Pointer[metrics.WaveBankMetrics]

// SetMetrics installs the collectors this package records into. A nil
// value disables recording.
func SetMetrics(m *metrics.WaveBankMetrics) {
	globalMetrics.Store(m)
}

func getMetrics() *metrics.WaveBankMetrics {
	return globalMetrics.Load()
}
