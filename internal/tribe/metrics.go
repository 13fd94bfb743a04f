package tribe

import (
	"sync/atomic"

	"github.com/seisreview/eqcutil/internal/observability/metrics"
)

var globalMetrics atomic.Pointer[metrics.ClusterMetrics]

// SetMetrics installs the collectors this package records into. A nil
// value disables recording.
func SetMetrics(m *metrics.ClusterMetrics) {
	globalMetrics.Store(m)
}

func getMetrics() *metrics.ClusterMetrics {
	return globalMetrics.Load()
}
