package detection

import (
	"sync/atomic"

	"github.com/seisreview/eqcutil/internal/observability/metrics"
)

var globalMetrics atomic.Pointer[metrics.DetectionMetrics]

// SetMetrics installs the collectors this package records into. A nil
// value disables recording.
func SetMetrics(m *metrics.DetectionMetrics) {
	globalMetrics.Store(m)
}

func getMetrics() *metrics.DetectionMetrics {
	return globalMetrics.Load()
}
