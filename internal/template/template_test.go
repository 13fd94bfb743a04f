package template

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seisreview/eqcutil/internal/catalog"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/waveform"
)

var t0 = time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

// streamClient serves slices of an in-memory stream.
type streamClient struct {
	st    waveform.Stream
	calls int
}

func (c *streamClient) GetWaveforms(_ context.Context, network, station, location, channel string, start, end time.Time) (waveform.Stream, error) {
	c.calls++
	var out waveform.Stream
	for _, tr := range c.st.Select(waveform.Selector{Network: network, Station: station, Location: location, Channel: channel}) {
		if cut := tr.Slice(start, end); cut.NPts() > 0 {
			out = append(out, cut)
		}
	}
	return out, nil
}

func sineTrace(station, channel string, start time.Time, seconds float64) *waveform.Trace {
	const rate = 100.0
	n := int(seconds * rate)
	data := make([]float64, n)
	for i := range data {
		data[i] = math.Sin(2*math.Pi*5*float64(i)/rate) + 0.3*math.Sin(2*math.Pi*3*float64(i)/rate)
	}
	return waveform.NewTrace(waveform.Stats{
		Network: "UW", Station: station, Channel: channel,
		StartTime: start, SamplingRate: rate,
	}, data)
}

func testParams() Params {
	return Params{LowCut: 2, HighCut: 9, SampRate: 25, FiltOrder: 4, Prepick: 0.2, Length: 3, ProcessLength: 20}
}

func pick(id, station, channel, phase string, at time.Time) catalog.Pick {
	return catalog.Pick{
		ResourceID: catalog.ResourceID(id),
		Time:       at,
		Waveform:   catalog.WaveformStreamID{Network: "UW", Station: station, Channel: channel},
		PhaseHint:  phase,
	}
}

func testEvent(picks ...catalog.Pick) *catalog.Event {
	return &catalog.Event{
		ResourceID:        "ev1",
		PreferredOriginID: "o1",
		Origins:           []catalog.Origin{{ResourceID: "o1", Time: t0.Add(-3 * time.Second)}},
		Picks:             picks,
	}
}

func quiet() ConstructOptions {
	return ConstructOptions{Logger: logger.NewSlogLogger(nil, logger.LogLevelError, nil)}
}

func TestParamsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, testParams().Validate())

	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"lowcut above highcut", func(p *Params) { p.LowCut = 10 }},
		{"highcut above nyquist", func(p *Params) { p.HighCut = 12.5 }},
		{"zero length", func(p *Params) { p.Length = 0 }},
		{"zero order", func(p *Params) { p.FiltOrder = 0 }},
		{"negative prepick", func(p *Params) { p.Prepick = -1 }},
		{"process length too short", func(p *Params) { p.ProcessLength = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := testParams()
			tt.mutate(&p)
			assert.True(t, errors.IsValidation(p.Validate()))
		})
	}
}

func TestDefaultName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2023_05_01t11_59_57", DefaultName(testEvent()))

	noOrigin := &catalog.Event{Picks: []catalog.Pick{
		pick("p2", "MBW", "EHZ", "P", t0.Add(time.Second)),
		pick("p1", "SHW", "EHZ", "P", t0),
	}}
	assert.Equal(t, "2023_05_01t12_00_00", DefaultName(noOrigin))
}

func TestConstruct(t *testing.T) {
	t.Parallel()

	client := &streamClient{st: waveform.Stream{
		sineTrace("MBW", "EHZ", t0.Add(-time.Minute), 120),
		sineTrace("MBW", "EHN", t0.Add(-time.Minute), 120),
		sineTrace("MBW", "EHE", t0.Add(-time.Minute), 120),
	}}
	ev := testEvent(
		pick("p1", "MBW", "EHZ", "P", t0),
		pick("p2", "MBW", "EHN", "S", t0.Add(2*time.Second)),
	)

	tmpl, err := Construct(context.Background(), client, ev, testParams(), quiet())
	require.NoError(t, err)
	assert.Equal(t, "2023_05_01t11_59_57", tmpl.Name)
	require.Len(t, tmpl.Stream, 2)
	assert.Equal(t, []string{"UW.MBW..EHN", "UW.MBW..EHZ"}, tmpl.Stream.SeedIDs())
	for _, tr := range tmpl.Stream {
		assert.Equal(t, 76, tr.NPts())
		assert.InDelta(t, 25, tr.SamplingRate, 1e-9)
	}
	z := tmpl.Stream.Select(waveform.Selector{Channel: "EHZ"})[0]
	assert.InDelta(t, 0, z.StartTime.Sub(t0.Add(-200*time.Millisecond)).Seconds(), 0.04)
	require.NotNil(t, tmpl.Event)
	assert.Equal(t, catalog.ResourceID("ev1"), tmpl.Event.ResourceID)

	// the template owns a copy of the event
	ev.Picks[0].PhaseHint = "S"
	assert.Equal(t, "P", tmpl.Event.Picks[0].PhaseHint)

	opts := quiet()
	opts.Phases = []string{"P"}
	opts.Name = "custom"
	tmpl, err = Construct(context.Background(), client, ev, testParams(), opts)
	require.NoError(t, err)
	assert.Equal(t, "custom", tmpl.Name)
	assert.Len(t, tmpl.Stream, 1)

	opts = quiet()
	opts.AllHorizontal = true
	tmpl, err = Construct(context.Background(), client, testEvent(pick("p2", "MBW", "EHN", "S", t0)), testParams(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"UW.MBW..EHE", "UW.MBW..EHN"}, tmpl.Stream.SeedIDs())
}

func TestConstructSkipsMissingAndShortData(t *testing.T) {
	t.Parallel()

	client := &streamClient{st: waveform.Stream{
		sineTrace("MBW", "EHZ", t0.Add(-time.Minute), 120),
		sineTrace("SHW", "EHZ", t0.Add(-time.Minute), 61), // ends before the window
	}}
	ev := testEvent(
		pick("p1", "MBW", "EHZ", "P", t0),
		pick("p2", "SHW", "EHZ", "P", t0),
		pick("p3", "JUN", "EHZ", "P", t0),
	)
	tmpl, err := Construct(context.Background(), client, ev, testParams(), quiet())
	require.NoError(t, err)
	assert.Equal(t, []string{"UW.MBW..EHZ"}, tmpl.Stream.SeedIDs())
	assert.Equal(t, 3, client.calls)

	_, err = Construct(context.Background(), client, testEvent(pick("p3", "JUN", "EHZ", "P", t0)), testParams(), quiet())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryTemplate))
}

func TestConstructErrors(t *testing.T) {
	t.Parallel()

	client := &streamClient{st: waveform.Stream{sineTrace("MBW", "EHZ", t0.Add(-time.Minute), 120)}}
	ev := testEvent(pick("p1", "MBW", "EHZ", "P", t0))

	bad := testParams()
	bad.HighCut = 20
	_, err := Construct(context.Background(), client, ev, bad, quiet())
	assert.True(t, errors.IsValidation(err))
	assert.Zero(t, client.calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Construct(ctx, client, ev, testParams(), quiet())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTemplateCopy(t *testing.T) {
	t.Parallel()

	tmpl := &Template{
		Name:   "a",
		Stream: waveform.Stream{sineTrace("MBW", "EHZ", t0, 1)},
		Event:  testEvent(),
		Params: testParams(),
	}
	cp := tmpl.Copy()
	cp.Stream[0].Data[0] = 42
	cp.Event.ResourceID = "other"
	assert.NotEqual(t, 42.0, tmpl.Stream[0].Data[0])
	assert.Equal(t, catalog.ResourceID("ev1"), tmpl.Event.ResourceID)
	assert.Equal(t, t0.Add(-3*time.Second), tmpl.OriginTime())
}
