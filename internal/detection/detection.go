// Package detection normalizes matched-filter detection results from
// external correlation detectors into a uniform representation.
package detection

import (
	"math"
	"strings"
	"time"
)

// Threshold types reported by matched-filter detectors.
const (
	ThresholdMAD      = "MAD"
	ThresholdAbsolute = "absolute"
	ThresholdAvgCorr  = "av_chan_corr"
)

// Verdict is an analyst judgment on a detection.
type Verdict string

// Review verdicts.
const (
	VerdictUnreviewed Verdict = "unreviewed"
	VerdictConfirmed  Verdict = "confirmed"
	VerdictRejected   Verdict = "rejected"
	VerdictUncertain  Verdict = "uncertain"
)

// Verdicts lists every verdict in display order.
var Verdicts = []Verdict{VerdictUnreviewed, VerdictConfirmed, VerdictRejected, VerdictUncertain}

// ParseVerdict validates a verdict string, case-insensitively.
func ParseVerdict(s string) (Verdict, bool) {
	v := Verdict(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Verdicts {
		if v == known {
			return v, true
		}
	}
	return "", false
}

// Detection is one template match at one time.
type Detection struct {
	ID             string    `json:"id"`
	TemplateName   string    `json:"template_name"`
	DetectTime     time.Time `json:"detect_time"`
	NoChans        int       `json:"no_chans"`
	Chans          []string  `json:"chans,omitempty"`
	DetectVal      float64   `json:"detect_val"`
	Threshold      float64   `json:"threshold"`
	ThresholdType  string    `json:"threshold_type"`
	ThresholdInput float64   `json:"threshold_input"`
	DetectionType  string    `json:"typeofdet"`
	SNR            float64   `json:"snr,omitempty"` // zero when unknown
	Source         string    `json:"source,omitempty"`

	// populated from the review relationships, never written by Ingest
	Verdict    Verdict   `json:"verdict,omitempty"`
	Reviewer   string    `json:"reviewer,omitempty"`
	ReviewedAt time.Time `json:"reviewed_at,omitzero"`
	Locked     bool      `json:"locked,omitempty"`
}

// EffectiveVerdict returns the verdict, treating an empty one as unreviewed.
func (d *Detection) EffectiveVerdict() Verdict {
	if d.Verdict == "" {
		return VerdictUnreviewed
	}
	return d.Verdict
}

// AbsAvgCorrelation is |AvgCorrelation|.
func (d *Detection) AbsAvgCorrelation() float64 {
	return math.Abs(d.AvgCorrelation())
}

// AvgCorrelation is the detection value divided by the channel count.
func (d *Detection) AvgCorrelation() float64 {
	if d.NoChans <= 0 {
		return math.NaN()
	}
	return d.DetectVal / float64(d.NoChans)
}

// HasSNR reports whether an SNR estimate is attached.
func (d *Detection) HasSNR() bool {
	return d.SNR > 0 && !math.IsInf(d.SNR, 0) && !math.IsNaN(d.SNR)
}

// Key identifies exact duplicates: same template at the same instant.
func (d *Detection) Key() string {
	return d.TemplateName + "@" + d.DetectTime.UTC().Format(time.RFC3339Nano)
}
