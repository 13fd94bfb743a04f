package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seisreview/eqcutil/internal/conf"
)

func TestRedact(t *testing.T) {
	t.Parallel()

	settings, err := conf.DefaultSettings()
	require.NoError(t, err)
	settings.MQTT.Password = "hunter2"
	settings.Archive.SecretKey = "s3cr3t"

	out := Redact(settings)
	assert.Equal(t, redacted, out.MQTT.Password)
	assert.Equal(t, redacted, out.Archive.SecretKey)
	assert.Empty(t, out.Database.MySQL.Password, "empty secrets stay empty")
	assert.Equal(t, "hunter2", settings.MQTT.Password, "input is not modified")
}

func TestDumpMasksSecrets(t *testing.T) {
	t.Parallel()

	settings, err := conf.DefaultSettings()
	require.NoError(t, err)
	settings.MQTT.Password = "hunter2"

	var out bytes.Buffer
	cmd := Command(settings)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"dump"})
	require.NoError(t, cmd.Execute())
	assert.NotContains(t, out.String(), "hunter2")
	assert.Contains(t, out.String(), redacted)
}

func TestInitWritesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	var out bytes.Buffer
	cmd := Command(&conf.Settings{})
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init", path})
	require.NoError(t, cmd.Execute())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "wavebank:")
}

func TestValidateRejectsBadSettings(t *testing.T) {
	t.Parallel()

	settings, err := conf.DefaultSettings()
	require.NoError(t, err)
	settings.Database.Type = "oracle"

	cmd := Command(settings)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate"})
	require.Error(t, cmd.Execute())
}
