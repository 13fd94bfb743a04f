package detect

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seisreview/eqcutil/internal/conf"
)

const detections = `Template name; Detection time (UTC); Number of channels; Channel list; Detect value; Threshold; Threshold type; Input threshold; Detection type
tmplA; 2023-05-01T12:00:00Z; 4; []; 1.2; 1.0; MAD; 8.0; corr
tmplB; 2023-05-01T12:00:01Z; 4; []; 3.6; 1.0; MAD; 8.0; corr
tmplA; 2023-05-01T13:00:00Z; 4; []; 2.4; 1.0; MAD; 8.0; corr
tmplC; 2023-05-01T13:00:00Z; 0; []; 2.4; 1.0; MAD; 8.0; corr
`

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	settings, err := conf.DefaultSettings()
	require.NoError(t, err)
	settings.Database.SQLite.Path = filepath.Join(t.TempDir(), "detect.db")
	return settings
}

func run(t *testing.T, settings *conf.Settings, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := Command(settings)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestIngestRankDecluster(t *testing.T) {
	t.Parallel()

	settings := testSettings(t)
	file := filepath.Join(t.TempDir(), "run1.csv")
	require.NoError(t, os.WriteFile(file, []byte(detections), 0o644))

	out, err := run(t, settings, "ingest", file)
	require.NoError(t, err)
	assert.Contains(t, out, "rows: 4, stored: 3, duplicates: 0, rejected: 1")
	assert.Contains(t, out, "line 5:")

	out, err = run(t, settings, "rank", "--limit", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "tmplB")
	assert.Contains(t, lines[2], "tmplA")

	dest := filepath.Join(t.TempDir(), "kept.csv")
	out, err = run(t, settings, "decluster", "--trig-int", "10", "-o", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "kept 2 of 3 detections")

	f, err := os.Open(dest)
	require.NoError(t, err)
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = ';'
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "tmplB", rows[1][0])
	assert.Equal(t, "tmplA", rows[2][0])
}

func TestDeclusterRejectsBadInput(t *testing.T) {
	t.Parallel()

	settings := testSettings(t)
	_, err := run(t, settings, "decluster", "--metric", "median")
	require.Error(t, err)
	_, err = run(t, settings, "decluster", "--trig-int", "-1")
	require.Error(t, err)
	_, err = run(t, settings, "rank", "--start", "yesterday")
	require.Error(t, err)
}
