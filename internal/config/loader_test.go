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
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9190, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Supervisor.MaxProcesses)
	assert.Equal(t, 3*time.Hour, cfg.Supervisor.StaleAfter.Duration())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9190, cfg.Server.Port)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 9290
supervisor:
  max_processes: 3
  stale_after: 1h
challenger:
  satisfaction_threshold: 85
pipeline:
  skip_clarification: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9290, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Supervisor.MaxProcesses)
	assert.Equal(t, time.Hour, cfg.Supervisor.StaleAfter.Duration())
	assert.Equal(t, 85, cfg.Challenger.SatisfactionThreshold)
	assert.True(t, cfg.Pipeline.SkipClarification)

	// Untouched sections keep their defaults.
	assert.Equal(t, 64, cfg.Events.BufferSize)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 9290\n")
	t.Setenv("SERVER_HTTP_PORT", "9390")
	t.Setenv("SUPERVISOR_MAX_PROCESSES", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9390, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Supervisor.MaxProcesses)
}

func TestLoadSecretFromEnv(t *testing.T) {
	t.Setenv("SUPERVISOR_API_KEY", "sk-test-xyz")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-xyz", cfg.Supervisor.APIKey.Value())
	assert.Equal(t, "[REDACTED]", cfg.Supervisor.APIKey.String())
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not: a: map\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: -1\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestLoadRejectsOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	big := make([]byte, maxConfigFileSize+1)
	require.NoError(t, os.WriteFile(path, big, 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}
