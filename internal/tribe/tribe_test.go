package tribe

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/seisreview/eqcutil/internal/catalog"
	"github.com/seisreview/eqcutil/internal/datastore"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/template"
	"github.com/seisreview/eqcutil/internal/waveform"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

func noise(seed uint64, n int) []float64 {
	r := rand.New(rand.NewPCG(seed, seed+1))
	out := make([]float64, n)
	for i := range out {
		out[i] = r.NormFloat64()
	}
	return out
}

func trace(station, channel string, data []float64) *waveform.Trace {
	return waveform.NewTrace(waveform.Stats{
		Network: "UW", Station: station, Channel: channel,
		StartTime: t0, SamplingRate: 100,
	}, data)
}

func event(id string, lat, lon, depthM float64, at time.Time) *catalog.Event {
	return &catalog.Event{
		ResourceID:        catalog.ResourceID(id),
		PreferredOriginID: catalog.ResourceID(id + "/o"),
		Origins: []catalog.Origin{{
			ResourceID: catalog.ResourceID(id + "/o"),
			Time:       at, Latitude: lat, Longitude: lon, Depth: depthM,
		}},
	}
}

func tmpl(name string, ev *catalog.Event, traces ...*waveform.Trace) *template.Template {
	return &template.Template{Name: name, Stream: waveform.Stream(traces), Event: ev}
}

// correlatedTribe holds a, a near copy of a, and an unrelated template.
func correlatedTribe(t *testing.T) *Tribe {
	t.Helper()
	base := noise(1, 300)
	near := make([]float64, len(base))
	jitter := noise(2, len(base))
	for i := range base {
		near[i] = base[i] + 0.05*jitter[i]
	}
	tr, err := New(
		tmpl("a", event("ev/a", 46.2, -122.2, 5000, t0), trace("JUN", "EHZ", base)),
		tmpl("b", event("ev/b", 46.21, -122.2, 5500, t0.Add(time.Hour)), trace("JUN", "EHZ", near)),
		tmpl("c", event("ev/c", 47.5, -121.0, 12000, t0.Add(2*time.Hour)), trace("JUN", "EHZ", noise(3, 300))),
	)
	require.NoError(t, err)
	return tr
}

func correlationParams() ClusterParams {
	return ClusterParams{CorrThresh: 0.6, ShiftLen: 0.1, Linkage: "single", Cores: 2}
}

func TestAddRenamesDuplicates(t *testing.T) {
	t.Parallel()

	tr, err := New(tmpl("x", nil, trace("A", "EHZ", noise(1, 10))))
	require.NoError(t, err)

	err = tr.Add(tmpl("x", nil), AddOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	require.NoError(t, tr.Add(tmpl("x", nil), AddOptions{RenameDuplicates: true}))
	require.NoError(t, tr.Add(tmpl("x__0", nil), AddOptions{RenameDuplicates: true}))
	require.NoError(t, tr.Add(tmpl("y", nil), AddOptions{RenameDuplicates: true, Delimiter: "-"}))
	assert.Equal(t, []string{"x", "x__0", "x__1", "y"}, tr.Names())

	for i, r := range tr.Rows() {
		assert.Equal(t, i, r.IDNo)
	}
	assert.Error(t, tr.Add(nil, AddOptions{}))
}

func TestRemoveAndSubset(t *testing.T) {
	t.Parallel()

	tr := correlatedTribe(t)
	require.NoError(t, tr.Cluster(context.Background(), MethodCorrelation, correlationParams()))

	sub, err := tr.Subset("c", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, sub.Names())
	assert.Equal(t, 3, tr.Len(), "subset must not change the source")
	dm := sub.DistanceMatrix()
	require.Len(t, dm, 2)
	assert.InDelta(t, tr.DistanceMatrix()[0][2], dm[0][1], 1e-12)
	assert.Equal(t, 1, sub.Rows()[1].IDNo)

	sub.Templates()[0].Name = "mutated"
	assert.Equal(t, "c", tr.Get("c").Name, "subset templates are copies")

	_, err = tr.Subset("a", "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, tr.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, tr.Names())
	assert.Len(t, tr.DistanceMatrix(), 2)
	assert.True(t, errors.IsNotFound(tr.Remove("b")))
}

func TestCorrelationCluster(t *testing.T) {
	t.Parallel()

	tr := correlatedTribe(t)
	require.NoError(t, tr.Cluster(context.Background(), MethodCorrelation, correlationParams()))

	groups := tr.Groups(MethodCorrelation)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, groups)

	dm := tr.DistanceMatrix()
	assert.Zero(t, dm[0][0])
	assert.Less(t, dm[0][1], 0.05)
	assert.Greater(t, dm[0][2], 0.5)
	assert.Equal(t, dm[0][2], dm[2][0])

	p, ok := tr.Params(MethodCorrelation)
	require.True(t, ok)
	assert.Zero(t, p.DThresh)
	assert.Equal(t, []Method{MethodCorrelation}, tr.Methods())

	sel, err := tr.SelectCluster(MethodCorrelation, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sel.Names())

	_, err = tr.SelectCluster(MethodSpace, 0)
	assert.Error(t, err)
}

func TestCorrelationClusterIndividualShifts(t *testing.T) {
	t.Parallel()

	tr := correlatedTribe(t)
	p := correlationParams()
	p.AllowIndividualTraceShifts = true
	require.NoError(t, tr.Cluster(context.Background(), MethodCorrelation, p))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, tr.Groups(MethodCorrelation))
}

func TestCorrelationClusterNaNDistances(t *testing.T) {
	t.Parallel()

	tr := correlatedTribe(t)
	require.NoError(t, tr.Add(tmpl("d", nil, trace("OTHER", "EHZ", noise(4, 300))), AddOptions{}))

	err := tr.Cluster(context.Background(), MethodCorrelation, correlationParams())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryClustering))
	_, ran := tr.Params(MethodCorrelation)
	assert.False(t, ran, "a failed run records nothing")

	p := correlationParams()
	p.ReplaceNaNDistancesWith = "1"
	require.NoError(t, tr.Cluster(context.Background(), MethodCorrelation, p))
	assert.True(t, math.IsNaN(tr.DistanceMatrix()[0][3]), "the stored matrix keeps undefined distances")
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"d"}}, tr.Groups(MethodCorrelation))

	p.ReplaceNaNDistancesWith = "2"
	assert.True(t, errors.IsValidation(tr.Cluster(context.Background(), MethodCorrelation, p)))
}

func TestClusterErrors(t *testing.T) {
	t.Parallel()

	single, err := New(tmpl("a", nil, trace("A", "EHZ", noise(1, 10))))
	require.NoError(t, err)
	err = single.Cluster(context.Background(), MethodCorrelation, correlationParams())
	assert.True(t, errors.IsCategory(err, errors.CategoryClustering))

	tr := correlatedTribe(t)
	assert.Error(t, tr.Cluster(context.Background(), Method("k_means"), correlationParams()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = tr.Cluster(ctx, MethodCorrelation, correlationParams())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSpaceClusters(t *testing.T) {
	t.Parallel()

	tr := correlatedTribe(t)
	require.NoError(t, tr.Cluster(context.Background(), MethodSpace, ClusterParams{DThresh: 10}))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, tr.Groups(MethodSpace))

	p, _ := tr.Params(MethodSpace)
	assert.Equal(t, ClusterParams{Linkage: "average", DThresh: 10}, p)

	require.NoError(t, tr.Cluster(context.Background(), MethodSpaceTime, ClusterParams{DThresh: 10, TThresh: 600}))
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, tr.Groups(MethodSpaceTime))

	require.NoError(t, tr.Cluster(context.Background(), MethodSpaceTime, ClusterParams{DThresh: 10, TThresh: 7200}))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, tr.Groups(MethodSpaceTime))

	noOrigin, err := New(tmpl("x", nil), tmpl("y", nil))
	require.NoError(t, err)
	assert.Error(t, noOrigin.Cluster(context.Background(), MethodSpace, ClusterParams{DThresh: 10}))
}

func TestHypocentralDistance(t *testing.T) {
	t.Parallel()

	a := originPoint{lat: 0, lon: 0, depthKm: 0}
	b := originPoint{lat: 0, lon: 1, depthKm: 0}
	assert.InDelta(t, 111.19, hypocentralDistance(a, b), 0.01)

	c := originPoint{lat: 0, lon: 0, depthKm: 3}
	d := originPoint{lat: 0, lon: 0, depthKm: 7}
	assert.InDelta(t, 4, hypocentralDistance(c, d), 1e-9)
}

func TestLinkageAndFcluster(t *testing.T) {
	t.Parallel()

	dm := [][]float64{
		{0, 1, 4, 5},
		{1, 0, 3, 6},
		{4, 3, 0, 2},
		{5, 6, 2, 0},
	}

	z, err := linkage(dm, LinkageSingle)
	require.NoError(t, err)
	assert.Equal(t, []Merge{
		{A: 0, B: 1, Distance: 1, Size: 2},
		{A: 2, B: 3, Distance: 2, Size: 2},
		{A: 4, B: 5, Distance: 3, Size: 4},
	}, z)
	assert.Equal(t, []int{0, 0, 1, 1}, fcluster(z, 4, 2.5))
	assert.Equal(t, []int{0, 1, 2, 3}, fcluster(z, 4, 0.5))
	assert.Equal(t, []int{0, 0, 0, 0}, fcluster(z, 4, 3))

	z, err = linkage(dm, LinkageComplete)
	require.NoError(t, err)
	assert.InDelta(t, 6, z[2].Distance, 1e-12)

	z, err = linkage(dm, LinkageAverage)
	require.NoError(t, err)
	assert.InDelta(t, 4.5, z[2].Distance, 1e-12)

	_, err = linkage([][]float64{{0, math.NaN()}, {math.NaN(), 0}}, LinkageSingle)
	assert.Error(t, err)
	_, err = linkage([][]float64{{0}}, LinkageSingle)
	assert.Error(t, err)
}

func TestRegroup(t *testing.T) {
	t.Parallel()

	tr, err := New(tmpl("a", nil), tmpl("b", nil), tmpl("c", nil))
	require.NoError(t, err)

	_, err = tr.Regroup(0.5)
	assert.Error(t, err, "regroup needs a correlation run")

	tr.distMat = [][]float64{{0, 0.2, 0.7}, {0.2, 0, 0.6}, {0.7, 0.6, 0}}
	tr.params[MethodCorrelation] = ClusterParams{CorrThresh: 0.9, Linkage: "single"}
	for i := range tr.rows {
		tr.rows[i].Groups[MethodCorrelation] = i
	}

	stored, err := tr.Regroup(0.9)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 0, "b": 1, "c": 2}, stored)

	groups, err := tr.Regroup(0.7)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 0, "b": 0, "c": 1}, groups)

	groups, err = tr.Regroup(0.3)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 0, "b": 0, "c": 0}, groups)
	assert.Equal(t, 2, tr.Rows()[2].Groups[MethodCorrelation], "membership is unchanged")

	z, err := tr.Linkage("complete")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, z[1].Distance, 1e-12)

	_, err = tr.Regroup(1.5)
	assert.True(t, errors.IsValidation(err))
}

func TestSelectTraces(t *testing.T) {
	t.Parallel()

	tr, err := New(
		tmpl("a", nil, trace("JUN", "EHZ", noise(1, 10)), trace("SHW", "EHZ", noise(2, 10))),
		tmpl("b", nil, trace("SHW", "EHZ", noise(3, 10))),
	)
	require.NoError(t, err)

	removed := tr.SelectTraces(waveform.Selector{Station: "JUN"}, true)
	assert.Equal(t, []string{"b"}, removed)
	assert.Equal(t, []string{"a"}, tr.Names())
	assert.Len(t, tr.Get("a").Stream, 1)
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	tr := correlatedTribe(t)
	for _, tmpl := range tr.Templates() {
		tmpl.Params = template.Params{LowCut: 2, HighCut: 9, SampRate: 100, FiltOrder: 4, Length: 3, ProcessLength: 20}
	}
	require.NoError(t, tr.Cluster(context.Background(), MethodCorrelation, correlationParams()))
	require.NoError(t, tr.Cluster(context.Background(), MethodSpace, ClusterParams{DThresh: 10}))

	for _, compress := range []bool{false, true} {
		dir := t.TempDir()
		path, err := tr.Write(filepath.Join(dir, "tribe"), WriteOptions{Compress: compress})
		require.NoError(t, err)
		if compress {
			assert.Equal(t, filepath.Join(dir, "tribe.tgz"), path)
		}

		got, err := Read(path)
		require.NoError(t, err)
		assert.Equal(t, tr.Names(), got.Names())
		assert.Equal(t, tr.Rows(), got.Rows())
		assert.Equal(t, tr.Methods(), got.Methods())

		p, ok := got.Params(MethodCorrelation)
		require.True(t, ok)
		assert.Equal(t, 0.6, p.CorrThresh)

		want, have := tr.DistanceMatrix(), got.DistanceMatrix()
		require.Len(t, have, len(want))
		for i := range want {
			assert.InDeltaSlice(t, want[i], have[i], 1e-12)
		}

		a := got.Get("a")
		require.NotNil(t, a.Event)
		assert.Equal(t, catalog.ResourceID("ev/a"), a.Event.ResourceID)
		assert.Equal(t, 100.0, a.Params.SampRate)
		require.Len(t, a.Stream, 1)
		orig := tr.Get("a").Stream[0]
		assert.Equal(t, orig.Stats, a.Stream[0].Stats)
		assert.InDeltaSlice(t, orig.Data, a.Stream[0].Data, orig.MaxAbs()*1e-6)
	}
}

func TestLoadSkipsPresentTemplates(t *testing.T) {
	t.Parallel()

	tr := correlatedTribe(t)
	path, err := tr.Write(filepath.Join(t.TempDir(), "tribe"), WriteOptions{})
	require.NoError(t, err)

	other, err := New(tmpl("b", nil, trace("X", "EHZ", noise(9, 10))))
	require.NoError(t, err)
	require.NoError(t, other.Load(path))
	assert.Equal(t, []string{"b", "a", "c"}, other.Names())
	assert.Equal(t, "X", other.Get("b").Stream[0].Station, "existing template is kept")
	assert.Nil(t, other.DistanceMatrix())
}

func TestReadErrors(t *testing.T) {
	t.Parallel()

	_, err := Read(filepath.Join(t.TempDir(), "missing.tgz"))
	assert.True(t, errors.IsNotFound(err))

	evil := filepath.Join(t.TempDir(), "evil.tgz")
	f, err := os.Create(evil)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	body := []byte("gotcha")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	_, err = Read(evil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryArchive))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(evil), "..", "escape.txt"))
}

func TestWriteRejectsUnsafeNames(t *testing.T) {
	t.Parallel()

	tr, err := New(tmpl("../up", nil, trace("A", "EHZ", noise(1, 10))))
	require.NoError(t, err)
	_, err = tr.Write(filepath.Join(t.TempDir(), "tribe"), WriteOptions{})
	assert.True(t, errors.IsCategory(err, errors.CategoryArchive))
}

func TestReadDistMatRequiresSquareMatrix(t *testing.T) {
	t.Parallel()

	tr := correlatedTribe(t)
	path := filepath.Join(t.TempDir(), distMatFile)
	require.NoError(t, writeCSV(path, [][]string{
		{"", "a", "b", "c"},
		{"a", "0", "0.1", "0.9"},
		{"b", "0.1", "0", "0.8"},
	}))

	err := tr.readDistMat(path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing))
	assert.Nil(t, tr.DistanceMatrix())
}

func TestWriteFolderReplacesPreviousArchive(t *testing.T) {
	t.Parallel()

	tr := correlatedTribe(t)
	require.NoError(t, tr.Cluster(context.Background(), MethodCorrelation, correlationParams()))
	dir := filepath.Join(t.TempDir(), "tribe")
	_, err := tr.Write(dir, WriteOptions{})
	require.NoError(t, err)

	require.NoError(t, tr.Remove("c"))
	_, err = tr.Write(dir, WriteOptions{})
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(dir, templatesDir, "c"))

	got, err := Read(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Names())
}

// fakeBank serves slices of an in-memory stream.
type fakeBank struct {
	st waveform.Stream
}

func (b *fakeBank) IsEmpty(context.Context) (bool, error) { return len(b.st) == 0, nil }

func (b *fakeBank) GetWaveforms(_ context.Context, network, station, location, channel string, start, end time.Time) (waveform.Stream, error) {
	var out waveform.Stream
	for _, tr := range b.st.Select(waveform.Selector{Network: network, Station: station, Location: location, Channel: channel}) {
		if cut := tr.Slice(start, end); cut.NPts() > 0 {
			out = append(out, cut)
		}
	}
	return out, nil
}

type fakeEvents struct {
	events []catalog.Event
}

func (f *fakeEvents) ReadEventIndex(context.Context) ([]datastore.EventIndex, error) {
	out := make([]datastore.EventIndex, len(f.events))
	for i, ev := range f.events {
		out[i] = datastore.EventIndex{EventID: string(ev.ResourceID), OriginTime: ev.PreferredOrigin().Time}
	}
	return out, nil
}

func (f *fakeEvents) GetEvents(_ context.Context, ids ...string) ([]catalog.Event, error) {
	var out []catalog.Event
	for _, id := range ids {
		for _, ev := range f.events {
			if string(ev.ResourceID) == id {
				out = append(out, ev.Copy())
			}
		}
	}
	return out, nil
}

func pickedEvent(id, station string, at time.Time) catalog.Event {
	ev := event(id, 46.2, -122.2, 5000, at.Add(-3*time.Second))
	if station != "" {
		ev.Picks = []catalog.Pick{{
			ResourceID: catalog.ResourceID(id + "/p"),
			Time:       at,
			Waveform:   catalog.WaveformStreamID{Network: "UW", Station: station, Channel: "EHZ"},
			PhaseHint:  "P",
		}}
	}
	return *ev
}

func TestFromBanks(t *testing.T) {
	t.Parallel()

	start := t0.Add(-30 * time.Second)
	data := make([]float64, 6000)
	for i := range data {
		data[i] = math.Sin(2*math.Pi*5*float64(i)/100) + 0.3*math.Sin(2*math.Pi*3*float64(i)/100)
	}
	bank := &fakeBank{st: waveform.Stream{waveform.NewTrace(waveform.Stats{
		Network: "UW", Station: "JUN", Channel: "EHZ", StartTime: start, SamplingRate: 100,
	}, data)}}
	events := &fakeEvents{events: []catalog.Event{
		pickedEvent("ev1", "JUN", t0),
		pickedEvent("ev2", "JUN", t0),
		pickedEvent("ev3", "", t0),
		pickedEvent("ev4", "NODATA", t0),
	}}
	opts := BuildOptions{
		Params: template.Params{LowCut: 2, HighCut: 9, SampRate: 25, FiltOrder: 4, Prepick: 0.2, Length: 3, ProcessLength: 20},
		Logger: logger.NewSlogLogger(nil, logger.LogLevelError, nil),
	}

	tr, err := FromBanks(context.Background(), bank, events, []string{"ev4", "ev3", "ev2", "ev1", "unknown"}, opts)
	require.NoError(t, err)
	name := template.DefaultName(&events.events[0])
	assert.Equal(t, []string{name, name + "__0"}, tr.Names())
	assert.Equal(t, catalog.ResourceID("ev1"), tr.Templates()[0].Event.ResourceID)
	assert.Len(t, tr.Templates()[1].Stream, 1)

	_, err = FromBanks(context.Background(), bank, events, []string{"nope"}, opts)
	assert.True(t, errors.IsNotFound(err))

	_, err = FromBanks(context.Background(), &fakeBank{}, events, []string{"ev1"}, opts)
	assert.Error(t, err)

	_, err = FromBanks(context.Background(), bank, &fakeEvents{}, []string{"ev1"}, opts)
	assert.Error(t, err)
}
