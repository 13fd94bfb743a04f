package ranking

import "github.com/seisreview/eqcutil/internal/observability/metrics"

// Recorder receives ranking outcomes. *metrics.DetectionMetrics satisfies it.
type Recorder interface {
	RecordRanking(kept, dropped int)
}

var _ Recorder = (*metrics.DetectionMetrics)(nil)
