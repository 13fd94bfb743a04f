package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettingsAreValid(t *testing.T) {
	t.Parallel()

	settings, err := DefaultSettings()
	require.NoError(t, err)
	require.NoError(t, ValidateSettings(settings))

	assert.Equal(t, "sqlite", settings.Database.Type)
	assert.Equal(t, "{year}", settings.WaveBank.PathStructure)
	assert.Equal(t, "{seedid}.{time}", settings.WaveBank.NameStructure)
	assert.InDelta(t, 0.6, settings.Ranking.Weights.Correlation, 1e-9)
	assert.Equal(t, 30*time.Second, settings.Server.CacheTTL)
	assert.Equal(t, []string{"P", "S"}, settings.Template.Phases)
	require.NotNil(t, settings.Logging.Console)
	assert.True(t, settings.Logging.Console.Enabled)
}

func TestValidateSettingsCollectsAllErrors(t *testing.T) {
	t.Parallel()

	settings, err := DefaultSettings()
	require.NoError(t, err)

	settings.Database.Type = "postgres"
	settings.Cluster.CorrThresh = 1.5
	settings.Template.HighCut = 20 // above Nyquist for 25 Hz

	err = ValidateSettings(settings)
	require.Error(t, err)

	var ve ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Errors, 3)
}

func TestValidateClusterReplaceNaN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value   string
		wantErr bool
	}{
		{"mean", false},
		{"min", false},
		{"0.5", false},
		{"1.2", true},
		{"median", true},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Parallel()
			s := ClusterSettings{CorrThresh: 0.5, Linkage: "single", ReplaceNaN: tt.value}
			err := validateClusterSettings(&s)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateArchiveSettings(t *testing.T) {
	t.Parallel()

	assert.NoError(t, validateArchiveSettings(&ArchiveStoreSettings{}))
	assert.Error(t, validateArchiveSettings(&ArchiveStoreSettings{Enabled: true, Bucket: "b"}))
	assert.NoError(t, validateArchiveSettings(&ArchiveStoreSettings{Enabled: true, Endpoint: "http://minio:9000", Bucket: "b"}))
}

// Load uses the global viper instance, so these tests do not run in parallel.
func TestLoadFromFileAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
wavebank:
  basepath: /data/bank
cluster:
  corrthresh: 0.7
`), 0o600))

	t.Setenv("EQCUTIL_SERVER_PORT", "9090")

	settings, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/bank", settings.WaveBank.BasePath)
	assert.InDelta(t, 0.7, settings.Cluster.CorrThresh, 1e-9)
	assert.Equal(t, "9090", settings.Server.Port)
	assert.Same(t, settings, GetSettings())
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("EQCUTIL_DATABASE_TYPE", "oracle")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSaveYAMLConfigRoundTrip(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	settings, err := DefaultSettings()
	require.NoError(t, err)
	settings.WaveBank.BasePath = "/srv/bank"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveYAMLConfig(path, settings))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/bank", loaded.WaveBank.BasePath)
	assert.Equal(t, settings.Cluster, loaded.Cluster)
}
