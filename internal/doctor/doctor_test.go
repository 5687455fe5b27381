package doctor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/stoker/internal/config"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	// Both resolve on any POSIX host.
	cfg.Worker.Binary = "sh"
	cfg.Engine.Command = "sh"
	return cfg
}

func TestCheckPasses(t *testing.T) {
	d := New(validConfig())
	r := d.Check()

	assert.True(t, r.Valid)
	assert.Empty(t, r.Errors)
}

func TestCheckMissingBinaries(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.Binary = "definitely-not-a-real-binary-xyz"
	cfg.Engine.Command = "also-not-a-real-binary-xyz"

	r := New(cfg).Check()

	require.False(t, r.Valid)
	require.Len(t, r.Errors, 2)
	assert.Equal(t, "worker", r.Errors[0].Category)
	assert.Equal(t, "engine", r.Errors[1].Category)
}

func TestCheckWarnsOnOpenAPI(t *testing.T) {
	cfg := validConfig()
	cfg.API.Enabled = true
	cfg.API.Listen = "0.0.0.0:8643"
	cfg.API.Token = ""

	r := New(cfg).Check()

	assert.True(t, r.Valid)
	require.Len(t, r.Warnings, 2)
	assert.Equal(t, "api", r.Warnings[0].Category)
}

func TestCheckWarnsOnShortReadyTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Pool.ReadyTimeout = 100 * time.Millisecond

	r := New(cfg).Check()

	assert.True(t, r.Valid)
	require.NotEmpty(t, r.Warnings)
	assert.Equal(t, "pool.ready_timeout", r.Warnings[0].Field)
}

func TestFormatHuman(t *testing.T) {
	r := &Result{
		Errors:   []Issue{{Category: "engine", Field: "engine.command", Message: "not found"}},
		Warnings: []Issue{{Category: "api", Field: "api.token", Message: "no token"}},
	}

	out := FormatHuman(r)
	assert.Contains(t, out, "Preflight failed (1 error(s), 1 warning(s))")
	assert.Contains(t, out, "ERROR [engine] engine.command: not found")
	assert.Contains(t, out, "WARN  [api] api.token: no token")

	out = FormatHuman(&Result{Valid: true})
	assert.True(t, strings.HasPrefix(out, "Preflight passed."))
}

func TestFormatJSON(t *testing.T) {
	r := New(validConfig()).Check()
	out, err := FormatJSON(r)
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": true`)
}
