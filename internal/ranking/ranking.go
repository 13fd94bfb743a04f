// Package ranking scores matched-filter detections and orders them for
// review.
package ranking

import (
	"cmp"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/detection"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
)

// Weights are the contribution of each score term.
type Weights struct {
	Correlation    float64 `json:"correlation" yaml:"correlation"`
	ThresholdRatio float64 `json:"threshold_ratio" yaml:"threshold_ratio"`
	SNR            float64 `json:"snr" yaml:"snr"`
}

// DefaultWeights favour correlation over threshold excess and SNR.
var DefaultWeights = Weights{Correlation: 0.6, ThresholdRatio: 0.25, SNR: 0.15}

// Ranker scores detections and filters out those below the minimums.
// A zero minimum disables its filter.
type Ranker struct {
	MinAvgCorrelation float64
	MinSNR            float64
	Weights           Weights
	Recorder          Recorder
}

// FromSettings builds a ranker from the configured ranking settings.
func FromSettings(s conf.RankingSettings) *Ranker {
	return &Ranker{
		MinAvgCorrelation: s.MinAvgCorrelation,
		MinSNR:            s.MinSNR,
		Weights: Weights{
			Correlation:    s.Weights.Correlation,
			ThresholdRatio: s.Weights.ThresholdRatio,
			SNR:            s.Weights.SNR,
		},
	}
}

// Ranked is a detection with its score and 1-based rank.
type Ranked struct {
	detection.Detection
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

func (r *Ranker) weights() Weights {
	if r.Weights == (Weights{}) {
		return DefaultWeights
	}
	return r.Weights
}

// Score combines |average correlation|, how far the detection value exceeds
// its threshold (capped at double) and log SNR (capped at 100).
func (r *Ranker) Score(d *detection.Detection) float64 {
	w := r.weights()

	cc := d.AbsAvgCorrelation()
	if math.IsNaN(cc) {
		cc = 0
	}

	var ratio float64
	if d.Threshold != 0 {
		ratio = clip(math.Abs(d.DetectVal)/math.Abs(d.Threshold)-1, 0, 1)
	}

	var snr float64
	if d.HasSNR() {
		snr = clip(math.Log10(d.SNR)/2, 0, 1)
	}
	return w.Correlation*cc + w.ThresholdRatio*ratio + w.SNR*snr
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Keep reports whether d passes the minimum filters. A positive MinSNR
// rejects detections without an SNR estimate.
func (r *Ranker) Keep(d *detection.Detection) bool {
	if r.MinAvgCorrelation > 0 {
		cc := d.AbsAvgCorrelation()
		if math.IsNaN(cc) || cc < r.MinAvgCorrelation {
			return false
		}
	}
	if r.MinSNR > 0 && (!d.HasSNR() || d.SNR < r.MinSNR) {
		return false
	}
	return true
}

// Rank filters and scores dets and returns them best first. Ties are broken
// by |average correlation|, then detection time, then template name.
func (r *Ranker) Rank(dets []detection.Detection) []Ranked {
	out := make([]Ranked, 0, len(dets))
	for i := range dets {
		if !r.Keep(&dets[i]) {
			continue
		}
		out = append(out, Ranked{Detection: dets[i], Score: r.Score(&dets[i])})
	}
	slices.SortStableFunc(out, compareRanked)
	for i := range out {
		out[i].Rank = i + 1
	}

	dropped := len(dets) - len(out)
	if r.Recorder != nil {
		r.Recorder.RecordRanking(len(out), dropped)
	}
	GetLogger().Debug("ranked detections", logger.Int("kept", len(out)), logger.Int("dropped", dropped))
	return out
}

func compareRanked(a, b Ranked) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(nanToZero(b.AbsAvgCorrelation()), nanToZero(a.AbsAvgCorrelation())); c != 0 {
		return c
	}
	if c := a.DetectTime.Compare(b.DetectTime); c != 0 {
		return c
	}
	if c := strings.Compare(a.TemplateName, b.TemplateName); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func nanToZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// Metric selects what Decluster maximizes.
type Metric string

// Decluster metrics.
const (
	MetricAvgCor Metric = "avg_cor" // |detect_val| / no_chans
	MetricCorSum Metric = "cor_sum" // |detect_val|
)

// ParseMetric validates a decluster metric name.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(s))); m {
	case MetricAvgCor, MetricCorSum:
		return m, nil
	case "":
		return MetricAvgCor, nil
	default:
		return "", errors.Newf("unsupported decluster metric %q", s).
			Component("ranking").
			Category(errors.CategoryValidation).
			Build()
	}
}

func (m Metric) value(d *detection.Detection) float64 {
	if m == MetricCorSum {
		return math.Abs(d.DetectVal)
	}
	return nanToZero(d.AbsAvgCorrelation())
}

// Decluster keeps, across all templates, the best detection by metric
// within every trigInt window: detections are visited best first and kept
// when no kept detection lies within trigInt of them. The result is in
// detection time order.
func Decluster(dets []detection.Detection, trigInt time.Duration, metric Metric) ([]detection.Detection, error) {
	if trigInt < 0 {
		return nil, errors.Newf("trig_int must not be negative, got %s", trigInt).
			Component("ranking").
			Category(errors.CategoryValidation).
			Build()
	}
	metric, err := ParseMetric(string(metric))
	if err != nil {
		return nil, err
	}

	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		da, db := &dets[a], &dets[b]
		if c := cmp.Compare(metric.value(db), metric.value(da)); c != 0 {
			return c
		}
		if c := da.DetectTime.Compare(db.DetectTime); c != 0 {
			return c
		}
		return strings.Compare(da.TemplateName, db.TemplateName)
	})

	// kept times stay sorted so each candidate needs one binary search
	var keptTimes []time.Time
	var kept []detection.Detection
	for _, i := range order {
		d := dets[i]
		pos, _ := slices.BinarySearchFunc(keptTimes, d.DetectTime, func(e, t time.Time) int { return e.Compare(t) })
		if pos > 0 && d.DetectTime.Sub(keptTimes[pos-1]) < trigInt {
			continue
		}
		if pos < len(keptTimes) && keptTimes[pos].Sub(d.DetectTime) < trigInt {
			continue
		}
		if trigInt == 0 && pos < len(keptTimes) && keptTimes[pos].Equal(d.DetectTime) {
			continue
		}
		keptTimes = slices.Insert(keptTimes, pos, d.DetectTime)
		kept = append(kept, d)
	}

	slices.SortStableFunc(kept, func(a, b detection.Detection) int {
		if c := a.DetectTime.Compare(b.DetectTime); c != 0 {
			return c
		}
		return strings.Compare(a.TemplateName, b.TemplateName)
	})
	GetLogger().Info("declustered detections",
		logger.Int("input", len(dets)),
		logger.Int("kept", len(kept)),
		logger.String("metric", string(metric)),
		logger.Duration("trig_int", trigInt))
	return kept, nil
}
