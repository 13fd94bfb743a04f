package waveform

import (
	"math"
	"time"

	"github.com/seisreview/eqcutil/internal/errors"
)

// NormalizedXCorr returns the largest normalized cross-correlation
// coefficient between a and b over lags in [-maxShift, maxShift] samples,
// and the lag at which it occurs. Both inputs are demeaned and the
// coefficient is normalized by their full-length energies. A positive lag
// means b is delayed relative to a. Zero-energy or empty input gives NaN.
func NormalizedXCorr(a, b []float64, maxShift int) (float64, int) {
	if len(a) == 0 || len(b) == 0 {
		return math.NaN(), 0
	}
	maxShift = max(maxShift, 0)

	da := demeaned(a)
	db := demeaned(b)
	norm := math.Sqrt(energy(da) * energy(db))
	if norm == 0 || math.IsNaN(norm) {
		return math.NaN(), 0
	}

	best := math.Inf(-1)
	bestLag := 0
	for lag := -maxShift; lag <= maxShift; lag++ {
		i0 := max(0, -lag)
		i1 := min(len(da), len(db)-lag)
		var sum float64
		for i := i0; i < i1; i++ {
			sum += da[i] * db[i+lag]
		}
		cc := sum / norm
		if cc > best || (cc == best && abs(lag) < abs(bestLag)) {
			best = cc
			bestLag = lag
		}
	}
	return best, bestLag
}

// XCorrCurve returns the normalized coefficient at every lag in
// [-maxShift, maxShift], indexed by lag+maxShift.
func XCorrCurve(a, b []float64, maxShift int) []float64 {
	maxShift = max(maxShift, 0)
	curve := make([]float64, 2*maxShift+1)
	da := demeaned(a)
	db := demeaned(b)
	norm := math.Sqrt(energy(da) * energy(db))
	for lag := -maxShift; lag <= maxShift; lag++ {
		if norm == 0 || len(a) == 0 || len(b) == 0 {
			curve[lag+maxShift] = math.NaN()
			continue
		}
		i0 := max(0, -lag)
		i1 := min(len(da), len(db)-lag)
		var sum float64
		for i := i0; i < i1; i++ {
			sum += da[i] * db[i+lag]
		}
		curve[lag+maxShift] = sum / norm
	}
	return curve
}

func demeaned(x []float64) []float64 {
	if len(x) == 0 {
		return nil
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	mean := sum / float64(len(x))
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v - mean
	}
	return out
}

func energy(x []float64) float64 {
	var e float64
	for _, v := range x {
		e += v * v
	}
	return e
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// RMS returns the root mean square of the samples.
func RMS(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	return math.Sqrt(energy(x) / float64(len(x)))
}

// SNR returns the ratio of the RMS amplitude in [at, at+signal] to the RMS
// amplitude in [at-noise, at).
func SNR(tr *Trace, at time.Time, noise, signal time.Duration) (float64, error) {
	noiseWin := tr.Slice(at.Add(-noise), at.Add(-Seconds(tr.Delta())))
	signalWin := tr.Slice(at, at.Add(signal))
	if noiseWin.NPts() == 0 || signalWin.NPts() == 0 {
		return math.NaN(), errors.Newf("SNR windows around %s fall outside %s", at.UTC().Format(time.RFC3339), tr.SeedID()).
			Component("waveform").
			Category(errors.CategoryWaveform).
			Build()
	}

	noiseRMS := RMS(noiseWin.Data)
	if noiseRMS == 0 {
		return math.Inf(1), nil
	}
	return RMS(signalWin.Data) / noiseRMS, nil
}
