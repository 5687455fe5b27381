package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  command: fake-engine
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "stoker", cfg.Service.Name)
	assert.Equal(t, 2, cfg.Pool.Size)
	assert.Equal(t, 10*time.Second, cfg.Pool.ReadyTimeout)
	assert.Equal(t, "stoker-worker", cfg.Worker.Binary)
	assert.False(t, cfg.API.Enabled)
}

func TestLoadOverridesAndEnvExpansion(t *testing.T) {
	t.Setenv("STOKER_TEST_MODEL_DIR", "/srv/models")

	path := writeConfig(t, `
service:
  log_level: debug
pool:
  size: 4
  ready_timeout: 3s
engine:
  command: fake-engine
  args: ["--model-dir", "${STOKER_TEST_MODEL_DIR}"]
api:
  enabled: true
  listen: 127.0.0.1:9999
  token: sekrit
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, 3*time.Second, cfg.Pool.ReadyTimeout)
	assert.Equal(t, []string{"--model-dir", "/srv/models"}, cfg.Engine.Args)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "sekrit", cfg.API.Token)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing engine command", `pool: {size: 2}`},
		{"zero pool size", "engine: {command: fake}\npool: {size: 0}"},
		{"api enabled without listen", "engine: {command: fake}\napi: {enabled: true, listen: \"\"}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	path := writeConfig(t, "engine: {command: fake}\n")

	fp, err := Fingerprint(path)
	require.NoError(t, err)
	assert.Len(t, fp, 64)

	require.NoError(t, VerifyFingerprint(path, fp))

	require.NoError(t, os.WriteFile(path, []byte("engine: {command: other}\n"), 0o644))
	assert.Error(t, VerifyFingerprint(path, fp))
}
