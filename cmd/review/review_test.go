package review

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seisreview/eqcutil/internal/conf"
	"github.com/seisreview/eqcutil/internal/datastore"
	"github.com/seisreview/eqcutil/internal/detection"
	"github.com/seisreview/eqcutil/internal/errors"
	"github.com/seisreview/eqcutil/internal/review"
)

var t0 = time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	settings, err := conf.DefaultSettings()
	require.NoError(t, err)
	settings.Database.SQLite.Path = filepath.Join(t.TempDir(), "review.db")

	store, err := datastore.Open(settings)
	require.NoError(t, err)
	defer store.Close()
	_, err = detection.NewRepository(store).Save(context.Background(), []*detection.Detection{
		{ID: "d1", TemplateName: "tmplA", DetectTime: t0, NoChans: 4, DetectVal: 1.2, Threshold: 1},
		{ID: "d2", TemplateName: "tmplB", DetectTime: t0.Add(time.Minute), NoChans: 4, DetectVal: 3.6, Threshold: 1},
	})
	require.NoError(t, err)
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

func TestReviewWorkflow(t *testing.T) {
	t.Parallel()

	settings := testSettings(t)

	out, err := run(t, settings, "next")
	require.NoError(t, err)
	assert.Contains(t, out, "id:          d2")

	out, err = run(t, settings, "verdict", "d2", "confirmed", "-r", "ana", "-m", "clear P onset")
	require.NoError(t, err)
	assert.Contains(t, out, "d2: confirmed by ana")

	_, err = run(t, settings, "lock", "d1")
	require.NoError(t, err)
	_, err = run(t, settings, "verdict", "d1", "rejected", "-r", "ana")
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	_, err = run(t, settings, "next")
	assert.True(t, errors.IsNotFound(err), "the only unreviewed detection is locked")

	_, err = run(t, settings, "unlock", "d1")
	require.NoError(t, err)
	_, err = run(t, settings, "verdict", "d1", "maybe", "-r", "ana")
	assert.True(t, errors.IsValidation(err))

	out, err = run(t, settings, "summary")
	require.NoError(t, err)
	assert.Contains(t, out, "confirmed")
	assert.Contains(t, out, "total       2")
}

func TestExport(t *testing.T) {
	t.Parallel()

	settings := testSettings(t)
	dest := filepath.Join(t.TempDir(), "out.json")

	out, err := run(t, settings, "export", "-f", "json", "-o", dest, "--template", "tmplB")
	require.NoError(t, err)
	assert.Contains(t, out, "exported 1 detections as json")

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	var records []review.Record
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "d2", records[0].ID)

	out, err = run(t, settings, "export")
	require.NoError(t, err)
	assert.Contains(t, out, "id,template,detect_time")

	_, err = run(t, settings, "export", "-f", "xml")
	assert.True(t, errors.IsValidation(err))
	_, err = run(t, settings, "export", "-f", "mqtt")
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	_, err = run(t, settings, "export", "--verdict", "maybe")
	assert.True(t, errors.IsValidation(err))
}
