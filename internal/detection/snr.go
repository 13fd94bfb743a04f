package detection

import (
	"context"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/template"
	"github.com/seisreview/eqcutil/internal/waveform"
)

// Window configures SNR estimation around a detection time.
type Window struct {
	Noise   time.Duration // before the detection
	Signal  time.Duration // from the detection on
	LowCut  float64       // optional bandpass, Hz; zero disables filtering
	HighCut float64
}

// DefaultWindow is 5 s of noise against 3 s of signal without filtering.
var DefaultWindow = Window{Noise: 5 * time.Second, Signal: 3 * time.Second}

// channelPattern turns a detection channel entry into fetch patterns.
// Entries are NET.STA.LOC.CHA or STA.CHA.
func channelPattern(entry string) (network, station, location, channel string, ok bool) {
	parts := strings.Split(entry, ".")
	switch len(parts) {
	case 4:
		return parts[0], parts[1], parts[2], parts[3], true
	case 2:
		return "*", parts[0], "*", parts[1], true
	default:
		return "", "", "", "", false
	}
}

var errNoSNR = errors.NewStd("no usable waveforms")

// EstimateSNR sets det.SNR to the median SNR over the detection channels.
// Channels without usable data are skipped; when none is usable det is left
// unchanged and an error is returned.
func EstimateSNR(ctx context.Context, client template.WaveformClient, det *Detection, w Window) error {
	if w.Noise <= 0 || w.Signal <= 0 {
		return errors.Newf("snr windows must be positive").
			Component("detection").
			Category(errors.CategoryValidation).
			Build()
	}
	log := GetLogger().With(logger.String("detection_id", det.ID), logger.String("template", det.TemplateName))
	start := det.DetectTime.Add(-w.Noise)
	end := det.DetectTime.Add(w.Signal)

	var ratios []float64
	for _, entry := range det.Chans {
		net, sta, loc, cha, ok := channelPattern(entry)
		if !ok {
			log.Debug("unparseable channel", logger.String("channel", entry))
			continue
		}
		st, err := client.GetWaveforms(ctx, net, sta, loc, cha, start, end)
		if err != nil {
			if ctx.Err() != nil {
				return errors.New(ctx.Err()).
					Component("detection").
					Category(errors.CategoryCancellation).
					Build()
			}
			log.Warn("waveform fetch failed", logger.String("channel", entry), logger.Error(err))
			continue
		}
		for _, tr := range st {
			ratio, err := traceSNR(tr.Copy(), det.DetectTime, w)
			if err != nil {
				log.Debug("no snr for trace", logger.String("seed_id", tr.SeedID()), logger.Error(err))
				continue
			}
			if math.IsInf(ratio, 0) || math.IsNaN(ratio) {
				continue
			}
			ratios = append(ratios, ratio)
		}
	}

	if len(ratios) == 0 {
		getMetrics().RecordSNR(errNoSNR)
		return errors.Newf("no usable waveforms to estimate snr").
			Component("detection").
			Category(errors.CategoryDetection).
			Context("detection_id", det.ID).
			Build()
	}
	det.SNR = median(ratios)
	getMetrics().RecordSNR(nil)
	return nil
}

func traceSNR(tr *waveform.Trace, at time.Time, w Window) (float64, error) {
	if err := tr.Detrend(waveform.DetrendDemean); err != nil {
		return 0, err
	}
	if w.LowCut > 0 && w.HighCut > w.LowCut {
		if err := tr.Bandpass(w.LowCut, w.HighCut, 4, true); err != nil {
			return 0, err
		}
	}
	return waveform.SNR(tr, at, w.Noise, w.Signal)
}

func median(xs []float64) float64 {
	s := slices.Clone(xs)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
