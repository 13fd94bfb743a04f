package waveform

import (
	"math"

	"github.com/seisreview/eqcutil/internal/errors"
)

// DetrendType selects the trend removed by Detrend.
type DetrendType string

const (
	DetrendDemean DetrendType = "demean"
	DetrendLinear DetrendType = "linear"
)

// Detrend removes the mean or a least-squares line from the trace.
func (t *Trace) Detrend(kind DetrendType) error {
	n := len(t.Data)
	if n == 0 {
		return nil
	}

	switch kind {
	case DetrendDemean:
		var sum float64
		for _, v := range t.Data {
			sum += v
		}
		mean := sum / float64(n)
		for i := range t.Data {
			t.Data[i] -= mean
		}
	case DetrendLinear:
		if n == 1 {
			t.Data[0] = 0
			return nil
		}
		var sx, sy, sxx, sxy float64
		for i, v := range t.Data {
			x := float64(i)
			sx += x
			sy += v
			sxx += x * x
			sxy += x * v
		}
		fn := float64(n)
		slope := (fn*sxy - sx*sy) / (fn*sxx - sx*sx)
		intercept := (sy - slope*sx) / fn
		for i := range t.Data {
			t.Data[i] -= intercept + slope*float64(i)
		}
	default:
		return errors.Newf("unsupported detrend type %q", kind).
			Component("waveform").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// Taper applies a cosine (Hann) taper over fraction of the samples at each end.
func (t *Trace) Taper(fraction float64) error {
	if fraction < 0 || fraction > 0.5 {
		return errors.Newf("taper fraction must be in [0, 0.5], got %g", fraction).
			Component("waveform").
			Category(errors.CategoryValidation).
			Build()
	}
	n := len(t.Data)
	width := int(math.Floor(fraction * float64(n)))
	if width < 1 {
		return nil
	}
	for i := range width {
		w := 0.5 * (1 - math.Cos(math.Pi*float64(i)/float64(width)))
		t.Data[i] *= w
		t.Data[n-1-i] *= w
	}
	return nil
}

// biquad is one second-order IIR section in direct form I.
// First-order sections leave b2 and a2 at zero.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

func (q biquad) apply(data []float64) {
	var x1, x2, y1, y2 float64
	for i, x := range data {
		y := q.b0*x + q.b1*x1 + q.b2*x2 - q.a1*y1 - q.a2*y2
		x2, x1 = x1, x
		y2, y1 = y1, y
		data[i] = y
	}
}

type passType int

const (
	lowPass passType = iota
	highPass
)

// butterworthSections designs an order-n Butterworth filter as cascaded
// biquads using the bilinear transform with frequency prewarping.
func butterworthSections(kind passType, order int, corner, rate float64) []biquad {
	k := math.Tan(math.Pi * corner / rate)
	k2 := k * k
	sections := make([]biquad, 0, (order+1)/2)

	for i := range order / 2 {
		theta := math.Pi * float64(2*i+1) / float64(2*order)
		q := 1 / (2 * math.Cos(theta))
		norm := 1 / (1 + k/q + k2)
		s := biquad{
			a1: 2 * (k2 - 1) * norm,
			a2: (1 - k/q + k2) * norm,
		}
		if kind == lowPass {
			s.b0 = k2 * norm
			s.b1 = 2 * s.b0
			s.b2 = s.b0
		} else {
			s.b0 = norm
			s.b1 = -2 * norm
			s.b2 = norm
		}
		sections = append(sections, s)
	}

	if order%2 == 1 {
		norm := 1 / (1 + k)
		s := biquad{a1: (k - 1) * norm}
		if kind == lowPass {
			s.b0 = k * norm
			s.b1 = s.b0
		} else {
			s.b0 = norm
			s.b1 = -norm
		}
		sections = append(sections, s)
	}

	return sections
}

func (t *Trace) runSections(sections []biquad, zerophase bool) {
	for _, s := range sections {
		s.apply(t.Data)
	}
	if !zerophase {
		return
	}
	reverse(t.Data)
	for _, s := range sections {
		s.apply(t.Data)
	}
	reverse(t.Data)
}

func reverse(data []float64) {
	for i, j := 0, len(data)-1; i < j; i, j = i+1, j-1 {
		data[i], data[j] = data[j], data[i]
	}
}

func (t *Trace) checkCorner(freq float64) error {
	nyquist := t.SamplingRate / 2
	if t.SamplingRate <= 0 || freq <= 0 || freq >= nyquist {
		return errors.Newf("corner frequency %g Hz must be in (0, %g) for %s", freq, nyquist, t.SeedID()).
			Component("waveform").
			Category(errors.CategoryValidation).
			Context("sampling_rate", t.SamplingRate).
			Build()
	}
	return nil
}

func checkOrder(order int) error {
	if order < 1 {
		return errors.Newf("filter order must be at least 1, got %d", order).
			Component("waveform").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// Lowpass applies an order-n Butterworth lowpass filter.
func (t *Trace) Lowpass(freq float64, order int, zerophase bool) error {
	if err := checkOrder(order); err != nil {
		return err
	}
	if err := t.checkCorner(freq); err != nil {
		return err
	}
	t.runSections(butterworthSections(lowPass, order, freq, t.SamplingRate), zerophase)
	return nil
}

// Highpass applies an order-n Butterworth highpass filter.
func (t *Trace) Highpass(freq float64, order int, zerophase bool) error {
	if err := checkOrder(order); err != nil {
		return err
	}
	if err := t.checkCorner(freq); err != nil {
		return err
	}
	t.runSections(butterworthSections(highPass, order, freq, t.SamplingRate), zerophase)
	return nil
}

// Bandpass applies Butterworth highpass and lowpass sections of the given order.
func (t *Trace) Bandpass(low, high float64, order int, zerophase bool) error {
	if low >= high {
		return errors.Newf("bandpass low corner %g must be below high corner %g", low, high).
			Component("waveform").
			Category(errors.CategoryValidation).
			Build()
	}
	if err := checkOrder(order); err != nil {
		return err
	}
	if err := t.checkCorner(low); err != nil {
		return err
	}
	if err := t.checkCorner(high); err != nil {
		return err
	}
	sections := butterworthSections(highPass, order, low, t.SamplingRate)
	sections = append(sections, butterworthSections(lowPass, order, high, t.SamplingRate)...)
	t.runSections(sections, zerophase)
	return nil
}

// Resample changes the sampling rate by linear interpolation. Callers filter
// below the new Nyquist frequency first when downsampling.
func (t *Trace) Resample(rate float64) error {
	if rate <= 0 {
		return errors.Newf("sampling rate must be positive, got %g", rate).
			Component("waveform").
			Category(errors.CategoryValidation).
			Build()
	}
	if math.Abs(rate-t.SamplingRate) < sampleTolerance || len(t.Data) == 0 {
		t.SamplingRate = rate
		return nil
	}

	ratio := t.SamplingRate / rate
	n := int(math.Floor(float64(len(t.Data)-1)/ratio+sampleTolerance)) + 1
	out := make([]float64, n)
	last := len(t.Data) - 1
	for i := range out {
		pos := float64(i) * ratio
		j := int(math.Floor(pos))
		if j >= last {
			out[i] = t.Data[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = t.Data[j]*(1-frac) + t.Data[j+1]*frac
	}

	t.Data = out
	t.SamplingRate = rate
	return nil
}
