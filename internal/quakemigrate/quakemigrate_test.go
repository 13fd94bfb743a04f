package quakemigrate

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/logger"
)

const eventHeader = "EventID,DT,X,Y,Z,COA,COA_NORM,GAU_X,GAU_Y,GAU_Z,GAU_ErrX,GAU_ErrY,GAU_ErrZ,COV_ErrX,COV_ErrY,COV_ErrZ,TRIG_COA,DEC_COA,DEC_COA_NORM"

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func fixture(t *testing.T, withML bool) (events, picks []string) {
	t.Helper()
	dir := t.TempDir()

	header := eventHeader
	row1 := "20230501120000100,2023-05-01T12:00:00.100000Z,-122.5,46.2,5.5,1,1,-122.6,46.3,6.0,0,0,0,0,0,0,1,1,1"
	row2 := "20230501130000000,2023-05-01T13:00:00.000000Z,-122.0,46.0,2.0,1,1,-122.1,46.1,2.5,0,0,0,0,0,0,1,1,1"
	if withML {
		header += ",ML,ML_Err"
		row1 += ",1.8,0.2"
		row2 += ",,"
	}
	events = []string{writeFile(t, dir, "run.event", strings.Join([]string{header, row1, row2}, "\n")+"\n")}

	pickBody := strings.Join([]string{
		"Station,Phase,ModelledTime,PickTime,PickError,SNR",
		"MBW,P,2023-05-01T12:00:02.000000Z,2023-05-01T12:00:02.250000Z,0.05,8.0",
		"MBW,S,2023-05-01T12:00:04.000000Z,2023-05-01T12:00:03.900000Z,0.10,4.0",
		"SHW,P,2023-05-01T12:00:03.000000Z,-1,-1,-1",
	}, "\n") + "\n"
	picks = []string{
		writeFile(t, dir, "20230501120000100.pick", pickBody),
		writeFile(t, dir, "99999.pick", pickBody),
		filepath.Join(dir, "missing.pick"),
	}
	return events, picks
}

func quietOptions() (Options, *bytes.Buffer) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.Logger = logger.NewSlogLogger(&buf, logger.LogLevelDebug, nil)
	return opts, &buf
}

func TestConvert(t *testing.T) {
	t.Parallel()

	events, picks := fixture(t, true)
	opts, logs := quietOptions()

	cat, err := Convert(events, picks, opts)
	require.NoError(t, err)
	require.Equal(t, 2, cat.Len())

	ev := cat.Events[0]
	assert.Equal(t, "quakeml:local/quakemigrate/event/20230501120000100", string(ev.ResourceID))

	origin := ev.PreferredOrigin()
	require.NotNil(t, origin)
	assert.InDelta(t, 46.2, origin.Latitude, 1e-9)
	assert.InDelta(t, -122.5, origin.Longitude, 1e-9)
	assert.InDelta(t, 5500, origin.Depth, 1e-9)
	assert.True(t, origin.Time.Equal(time.Date(2023, 5, 1, 12, 0, 0, 100e6, time.UTC)))

	// SHW falls below the SNR cut
	require.Len(t, ev.Picks, 2)
	assert.Equal(t, "XX.MBW..HHZ", ev.Picks[0].Waveform.SeedID())
	assert.Equal(t, "XX.MBW..HHN", ev.Picks[1].Waveform.SeedID())
	assert.Equal(t, "automatic", ev.Picks[0].EvaluationMode)

	require.Len(t, origin.Arrivals, 2)
	assert.Equal(t, ev.Picks[0].ResourceID, origin.Arrivals[0].PickID)
	assert.InDelta(t, 0.25, origin.Arrivals[0].TimeResidual, 1e-9)
	assert.InDelta(t, -0.1, origin.Arrivals[1].TimeResidual, 1e-9)

	mag := ev.PreferredMagnitude()
	require.NotNil(t, mag)
	assert.InDelta(t, 1.8, mag.Mag, 1e-9)
	assert.Equal(t, origin.ResourceID, mag.OriginID)

	// second event has an empty ML and no picks
	assert.Empty(t, cat.Events[1].Magnitudes)
	assert.Empty(t, cat.Events[1].Picks)

	assert.Contains(t, logs.String(), "skipping pick file")
}

func TestConvertSkipsUnpickedPhases(t *testing.T) {
	t.Parallel()

	events, picks := fixture(t, false)
	opts, logs := quietOptions()
	opts.MinSNR = -5

	cat, err := Convert(events, picks, opts)
	require.NoError(t, err)
	ev := cat.Events[0]
	require.Len(t, ev.Picks, 2)
	for _, p := range ev.Picks {
		assert.NotEqual(t, "SHW", p.Waveform.Station)
	}
	assert.Len(t, ev.PreferredOrigin().Arrivals, 2)
	assert.Contains(t, logs.String(), "skipping unpicked phase")
}

func TestConvertGaussianHypocenter(t *testing.T) {
	t.Parallel()

	events, picks := fixture(t, false)
	opts, _ := quietOptions()
	opts.HypType = "GAU"

	cat, err := Convert(events, picks, opts)
	require.NoError(t, err)
	origin := cat.Events[0].PreferredOrigin()
	assert.InDelta(t, 46.3, origin.Latitude, 1e-9)
	assert.InDelta(t, 6000, origin.Depth, 1e-9)
	assert.Empty(t, cat.Events[0].Magnitudes)
}

func TestConvertRejectsHypType(t *testing.T) {
	t.Parallel()

	opts, _ := quietOptions()
	opts.HypType = "median"
	_, err := Convert(nil, nil, opts)
	assert.True(t, errors.IsValidation(err))
}

func TestConvertSkipsBadFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.event", "EventID,DT\n1,2023-05-01T00:00:00Z\n")
	opts, logs := quietOptions()

	cat, err := Convert([]string{bad, filepath.Join(dir, "gone.event")}, nil, opts)
	require.NoError(t, err)
	assert.Zero(t, cat.Len())
	assert.Contains(t, logs.String(), "missing columns")
	assert.Contains(t, logs.String(), "no picks matched")
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"2023-05-01T12:00:00.5Z", "2023-05-01T12:00:00.5", "2023-05-01 12:00:00.5"} {
		got, err := parseTime(s)
		require.NoError(t, err, s)
		assert.True(t, got.Equal(time.Date(2023, 5, 1, 12, 0, 0, 5e8, time.UTC)), s)
	}
	_, err := parseTime("-1")
	assert.Error(t, err)
}
