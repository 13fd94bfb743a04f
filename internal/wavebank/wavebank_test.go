package wavebank

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
	"github.com/seisreview/eqcutil/internal/waveform"
)

var t0 = time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

func countsTrace(sta, cha string, start time.Time, n int) *waveform.Trace {
	data := make([]float64, n)
	for i := range data {
		data[i] = float64(i % 50)
	}
	return waveform.NewTrace(waveform.Stats{
		Network: "UW", Station: sta, Channel: cha,
		StartTime: start, SamplingRate: 10,
	}, data)
}

func newTestBank(t *testing.T) *Bank {
	t.Helper()
	bank, err := Initialize(context.Background(), Options{
		BasePath: filepath.Join(t.TempDir(), "bank"),
		Logger:   logger.NewSlogLogger(nil, logger.LogLevelError, nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bank.Close() })
	return bank
}

func TestStructureRendering(t *testing.T) {
	t.Parallel()

	stats := waveform.Stats{Network: "UW", Station: "MBW", Channel: "EHZ", StartTime: time.Date(2023, 2, 3, 4, 5, 6, 0, time.UTC)}

	p, err := compileStructure("{year}/{julday}/{station}")
	require.NoError(t, err)
	n, err := compileStructure("{seedid}.{time}")
	require.NoError(t, err)

	assert.Equal(t, "2023/034/MBW/UW.MBW..EHZ.2023-02-03T04-05-06.000000.wav", relativePath(p, n, stats))

	_, err = compileStructure("{year}/{quality}")
	assert.True(t, errors.IsValidation(err))
}

func TestFileNameRoundTrip(t *testing.T) {
	t.Parallel()

	stats := waveform.Stats{Network: "CC", Station: "SEP", Location: "01", Channel: "BHZ", StartTime: t0.Add(250 * time.Millisecond)}
	name := FileName(stats)
	assert.Equal(t, "CC.SEP.01.BHZ__20230501T120000.250000Z.wav", name)

	parsed, err := ParseFileName(filepath.Join("/tmp", name))
	require.NoError(t, err)
	assert.Equal(t, stats.SeedID(), parsed.SeedID())
	assert.True(t, stats.StartTime.Equal(parsed.StartTime))

	_, err = ParseFileName("nounderscore.wav")
	assert.Error(t, err)
}

func TestPutAndGetWaveforms(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bank := newTestBank(t)

	empty, err := bank.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	st := waveform.Stream{
		countsTrace("MBW", "EHZ", t0, 600),
		countsTrace("MBW", "EHN", t0, 600),
		countsTrace("SHW", "EHZ", t0, 600),
	}
	require.NoError(t, bank.Put(ctx, st))

	index, err := bank.ReadIndex(ctx)
	require.NoError(t, err)
	require.Len(t, index, 3)
	assert.Equal(t, "2023/UW.MBW..EHN.2023-05-01T12-00-00.000000.wav", index[0].Path)
	assert.FileExists(t, filepath.Join(bank.BasePath(), "2023", "UW.MBW..EHZ.2023-05-01T12-00-00.000000.wav"))

	got, err := bank.GetWaveforms(ctx, "UW", "MBW", "*", "EH?", t0.Add(10*time.Second), t0.Add(20*time.Second))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 101, got[0].NPts())
	assert.InDelta(t, 0.0, got[0].Data[0], 1e-12) // sample 100 is 100 % 50
	assert.True(t, got[0].StartTime.Equal(t0.Add(10*time.Second)))

	none, err := bank.GetWaveforms(ctx, "XX", "*", "*", "*", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, none)

	ids, err := bank.SeedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"UW.MBW..EHN", "UW.MBW..EHZ", "UW.SHW..EHZ"}, ids)
}

func TestPutMergesAdjacentSegments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bank := newTestBank(t)

	require.NoError(t, bank.Put(ctx, waveform.Stream{
		countsTrace("MBW", "EHZ", t0, 600),
		countsTrace("MBW", "EHZ", t0.Add(60*time.Second), 600),
	}))

	got, err := bank.GetWaveforms(ctx, "UW", "MBW", "", "EHZ", t0.Add(50*time.Second), t0.Add(70*time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 201, got[0].NPts())
}

func TestPutReplacesSamePath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bank := newTestBank(t)

	require.NoError(t, bank.Put(ctx, waveform.Stream{countsTrace("MBW", "EHZ", t0, 100)}))
	_, err := bank.ReadIndex(ctx) // populate cache
	require.NoError(t, err)

	require.NoError(t, bank.Put(ctx, waveform.Stream{countsTrace("MBW", "EHZ", t0, 300)}))
	index, err := bank.ReadIndex(ctx)
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.Equal(t, 300, index[0].NPts)
}

func TestPutKeepsSubSecondStarts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bank := newTestBank(t)

	require.NoError(t, bank.Put(ctx, waveform.Stream{
		countsTrace("MBW", "EHZ", t0, 100),
		countsTrace("MBW", "EHZ", t0.Add(500*time.Millisecond), 200),
	}))
	index, err := bank.ReadIndex(ctx)
	require.NoError(t, err)
	require.Len(t, index, 2)
	assert.NotEqual(t, index[0].Path, index[1].Path)
	assert.Equal(t, "2023/UW.MBW..EHZ.2023-05-01T12-00-00.500000.wav", index[1].Path)
	assert.FileExists(t, filepath.Join(bank.BasePath(), "2023", "UW.MBW..EHZ.2023-05-01T12-00-00.000000.wav"))
}

func TestPutRejectsPathCharactersInCodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bank := newTestBank(t)

	for _, sta := range []string{"../up", "a/b", `a\b`, ".."} {
		err := bank.Put(ctx, waveform.Stream{
			countsTrace("MBW", "EHZ", t0, 10),
			countsTrace(sta, "EHZ", t0, 10),
		})
		require.Error(t, err, sta)
		assert.True(t, errors.IsValidation(err), sta)
	}

	empty, err := bank.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
	assert.NoDirExists(t, filepath.Join(bank.BasePath(), "2023"))
}

func TestDiskUsageGuard(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bank := newTestBank(t)
	bank.opts.MaxDiskUsage = 90
	bank.diskUsage = func(context.Context, string) (float64, error) { return 95, nil }

	err := bank.Put(ctx, waveform.Stream{countsTrace("MBW", "EHZ", t0, 10)})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDiskUsage))

	bank.diskUsage = func(context.Context, string) (float64, error) { return 50, nil }
	assert.NoError(t, bank.Put(ctx, waveform.Stream{countsTrace("MBW", "EHZ", t0, 10)}))
}

func TestInitializeFromFilesAndConnect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srcDir := t.TempDir()
	tr := countsTrace("MBW", "EHZ", t0, 50)
	file := filepath.Join(srcDir, FileName(tr.Stats))
	f, err := os.Create(file)
	require.NoError(t, err)
	require.NoError(t, waveform.EncodeWAV(f, tr, 1))
	require.NoError(t, f.Close())

	base := filepath.Join(t.TempDir(), "bank")
	opts := Options{BasePath: base, Logger: logger.NewSlogLogger(nil, logger.LogLevelError, nil)}
	bank, err := Initialize(ctx, opts, file)
	require.NoError(t, err)
	require.NoError(t, bank.Close())

	reopened, err := Connect(opts)
	require.NoError(t, err)
	defer reopened.Close()

	index, err := reopened.ReadIndex(ctx)
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.Equal(t, "UW.MBW..EHZ", index[0].SeedID())

	_, err = Connect(Options{BasePath: filepath.Join(t.TempDir(), "missing")})
	assert.True(t, errors.IsNotFound(err))
}

func TestOptionsFromSettings(t *testing.T) {
	t.Parallel()

	settings, err := conf.DefaultSettings()
	require.NoError(t, err)
	settings.WaveBank.BasePath = t.TempDir()
	settings.WaveBank.MaxDiskUsage = 95

	opts := OptionsFromSettings(settings.WaveBank)
	assert.Equal(t, settings.WaveBank.BasePath, opts.BasePath)
	assert.Equal(t, settings.WaveBank.PathStructure, opts.PathStructure)
	assert.Equal(t, settings.WaveBank.NameStructure, opts.NameStructure)
	assert.InDelta(t, 95.0, opts.MaxDiskUsage, 0)
	assert.Nil(t, opts.Logger, "logger is left to Connect")
}
