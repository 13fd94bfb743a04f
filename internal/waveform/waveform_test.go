package waveform

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seisreview/eqcutil/internal/errors"
)

var t0 = time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

func sine(freq, rate float64, n int, phase float64) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = math.Sin(2*math.Pi*freq*float64(i)/rate + phase)
	}
	return data
}

func ramp(n int) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = float64(i)
	}
	return data
}

func testStats(cha string) Stats {
	return Stats{Network: "UW", Station: "MBW", Channel: cha, StartTime: t0, SamplingRate: 10}
}

func TestSeedIDRoundTrip(t *testing.T) {
	t.Parallel()

	s := testStats("EHZ")
	assert.Equal(t, "UW.MBW..EHZ", s.SeedID())

	parsed, err := ParseSeedID("UW.MBW..EHZ")
	require.NoError(t, err)
	assert.Equal(t, "MBW", parsed.Station)
	assert.Empty(t, parsed.Location)

	_, err = ParseSeedID("UW.MBW.EHZ")
	assert.True(t, errors.IsValidation(err))
}

func TestTraceSliceInclusive(t *testing.T) {
	t.Parallel()

	tr := NewTrace(testStats("EHZ"), ramp(100))
	assert.Equal(t, t0.Add(9900*time.Millisecond), tr.EndTime())

	sliced := tr.Slice(t0.Add(time.Second), t0.Add(2*time.Second))
	require.Equal(t, 11, sliced.NPts())
	assert.InDelta(t, 10.0, sliced.Data[0], 1e-12)
	assert.InDelta(t, 20.0, sliced.Data[10], 1e-12)
	assert.Equal(t, t0.Add(time.Second), sliced.StartTime)

	sliced.Data[0] = -1
	assert.InDelta(t, 10.0, tr.Data[10], 1e-12, "slice must copy")

	empty := tr.Slice(t0.Add(time.Hour), t0.Add(2*time.Hour))
	assert.Zero(t, empty.NPts())
}

func TestStreamSelect(t *testing.T) {
	t.Parallel()

	st := Stream{
		NewTrace(testStats("EHZ"), ramp(5)),
		NewTrace(testStats("EHN"), ramp(5)),
		NewTrace(Stats{Network: "CC", Station: "SEP", Channel: "BHZ", SamplingRate: 10}, ramp(5)),
	}

	assert.Len(t, st.Select(Selector{Channel: "EH?"}), 2)
	assert.Len(t, st.Select(Selector{Component: "Z"}), 2)
	assert.Len(t, st.Select(Selector{Network: "cc"}), 1)
	assert.Len(t, st.Select(Selector{}), 3)
	assert.Equal(t, []string{"CC.SEP..BHZ", "UW.MBW..EHN", "UW.MBW..EHZ"}, st.SeedIDs())
}

func TestStreamMerge(t *testing.T) {
	t.Parallel()

	a := NewTrace(testStats("EHZ"), []float64{1, 2, 3, 4})
	bStats := testStats("EHZ")
	bStats.StartTime = t0.Add(300 * time.Millisecond) // overlaps sample 3
	b := NewTrace(bStats, []float64{40, 5, 6})
	cStats := testStats("EHZ")
	cStats.StartTime = t0.Add(700 * time.Millisecond) // gap of one sample
	c := NewTrace(cStats, []float64{8})

	merged, err := Stream{c, a, b}.Merge(0)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 0, 8}, merged[0].Data)
	assert.Equal(t, t0, merged[0].StartTime)

	other := testStats("EHZ")
	other.SamplingRate = 20
	_, err = Stream{a, NewTrace(other, ramp(3))}.Merge(0)
	assert.Error(t, err)
}

func TestDetrend(t *testing.T) {
	t.Parallel()

	tr := NewTrace(testStats("EHZ"), ramp(50))
	require.NoError(t, tr.Detrend(DetrendLinear))
	for _, v := range tr.Data {
		assert.InDelta(t, 0, v, 1e-9)
	}

	tr = NewTrace(testStats("EHZ"), []float64{1, 2, 3})
	require.NoError(t, tr.Detrend(DetrendDemean))
	assert.Equal(t, []float64{-1, 0, 1}, tr.Data)

	assert.Error(t, tr.Detrend("spline"))
}

func TestTaper(t *testing.T) {
	t.Parallel()

	data := make([]float64, 100)
	for i := range data {
		data[i] = 1
	}
	tr := NewTrace(testStats("EHZ"), data)
	require.NoError(t, tr.Taper(0.1))
	assert.InDelta(t, 0, tr.Data[0], 1e-12)
	assert.InDelta(t, 0, tr.Data[99], 1e-12)
	assert.InDelta(t, 1, tr.Data[50], 1e-12)
	assert.Error(t, tr.Taper(0.6))
}

func TestButterworthAttenuation(t *testing.T) {
	t.Parallel()

	const rate = 100.0
	const n = 4000

	tests := []struct {
		name   string
		freq   float64
		filter func(tr *Trace) error
		pass   bool
	}{
		{"lowpass passes 1 Hz", 1, func(tr *Trace) error { return tr.Lowpass(5, 4, true) }, true},
		{"lowpass stops 30 Hz", 30, func(tr *Trace) error { return tr.Lowpass(5, 4, true) }, false},
		{"highpass stops 0.5 Hz", 0.5, func(tr *Trace) error { return tr.Highpass(5, 4, true) }, false},
		{"highpass passes 20 Hz", 20, func(tr *Trace) error { return tr.Highpass(5, 4, true) }, true},
		{"bandpass passes 5 Hz", 5, func(tr *Trace) error { return tr.Bandpass(2, 9, 4, true) }, true},
		{"bandpass stops 30 Hz", 30, func(tr *Trace) error { return tr.Bandpass(2, 9, 3, false) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := NewTrace(Stats{SamplingRate: rate, StartTime: t0}, sine(tt.freq, rate, n, 0))
			require.NoError(t, tt.filter(tr))
			// ignore edge transients
			gain := RMS(tr.Data[n/4:3*n/4]) / (1 / math.Sqrt2)
			if tt.pass {
				assert.InDelta(t, 1, gain, 0.05)
			} else {
				assert.Less(t, gain, 0.05)
			}
		})
	}
}

func TestFilterValidation(t *testing.T) {
	t.Parallel()

	tr := NewTrace(Stats{SamplingRate: 20}, ramp(10))
	assert.True(t, errors.IsValidation(tr.Lowpass(10, 4, true)), "corner at Nyquist")
	assert.True(t, errors.IsValidation(tr.Bandpass(5, 2, 4, true)))
	assert.True(t, errors.IsValidation(tr.Highpass(1, 0, true)))
}

func TestResample(t *testing.T) {
	t.Parallel()

	tr := NewTrace(Stats{SamplingRate: 100, StartTime: t0}, ramp(101))
	require.NoError(t, tr.Resample(25))
	require.Equal(t, 26, tr.NPts())
	assert.InDelta(t, 4.0, tr.Data[1], 1e-9)
	assert.InDelta(t, 100.0, tr.Data[25], 1e-9)
	assert.Equal(t, t0.Add(time.Second), tr.EndTime())

	up := NewTrace(Stats{SamplingRate: 1, StartTime: t0}, []float64{0, 2})
	require.NoError(t, up.Resample(2))
	assert.Equal(t, []float64{0, 1, 2}, up.Data)
}

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	tr := NewTrace(testStats("EHZ"), sine(1, 10, 64, 0.3))
	scale := ScaleFor(tr)

	path := filepath.Join(t.TempDir(), "trace.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, EncodeWAV(f, tr, scale))
	require.NoError(t, f.Close())

	f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	got, err := ReadWAVTrace(f, testStats("EHZ"), scale)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, got.SamplingRate, 1e-12)
	require.Equal(t, tr.NPts(), got.NPts())
	for i := range tr.Data {
		assert.InDelta(t, tr.Data[i], got.Data[i], 1e-8)
	}
}

func TestEncodeWAVRejectsFractionalRate(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "bad.wav"))
	require.NoError(t, err)
	defer f.Close()

	tr := NewTrace(Stats{SamplingRate: 12.5}, ramp(4))
	err = EncodeWAV(f, tr, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonIntegerRate)
}

func TestNormalizedXCorr(t *testing.T) {
	t.Parallel()

	a := sine(1, 20, 200, 0)
	a = append(make([]float64, 5), a...)
	b := append(sine(1, 20, 200, 0), make([]float64, 5)...)

	cc, lag := NormalizedXCorr(b, a, 10)
	assert.Equal(t, 5, lag)
	assert.InDelta(t, 1, cc, 0.05)

	self, lag := NormalizedXCorr(a, a, 3)
	assert.InDelta(t, 1, self, 1e-12)
	assert.Zero(t, lag)

	nan, _ := NormalizedXCorr(make([]float64, 10), a, 2)
	assert.True(t, math.IsNaN(nan))

	curve := XCorrCurve(a, a, 2)
	require.Len(t, curve, 5)
	assert.InDelta(t, 1, curve[2], 1e-12)
}

func TestSNR(t *testing.T) {
	t.Parallel()

	data := make([]float64, 200)
	for i := range data {
		if i < 100 {
			data[i] = 0.1 * math.Pow(-1, float64(i))
		} else {
			data[i] = math.Pow(-1, float64(i))
		}
	}
	tr := NewTrace(testStats("EHZ"), data)

	snr, err := SNR(tr, t0.Add(10*time.Second), 5*time.Second, 5*time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 10, snr, 1e-9)

	_, err = SNR(tr, t0.Add(time.Hour), time.Second, time.Second)
	assert.Error(t, err)
}
