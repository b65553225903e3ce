package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRolesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roles.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewRegistryCoversAllRoles(t *testing.T) {
	reg := NewRegistry()
	for _, role := range AllRoles() {
		p, err := reg.Profile(role)
		require.NoError(t, err)
		assert.Equal(t, "remedy-agent", p.Binary)
		assert.Equal(t, []string{"--role", string(role)}, p.Args)
	}
}

func TestLoadRegistryOverlaysDefaults(t *testing.T) {
	path := writeRolesFile(t, `
[roles.validator]
binary = "/opt/agents/strict-validator"
args = ["--mode", "scoring"]
env_passthrough = ["PATH", "VALIDATOR_API_KEY"]
`)

	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	validator, err := reg.Profile(RoleValidator)
	require.NoError(t, err)
	assert.Equal(t, "/opt/agents/strict-validator", validator.Binary)
	assert.Equal(t, []string{"--mode", "scoring"}, validator.Args)
	assert.Equal(t, []string{"PATH", "VALIDATOR_API_KEY"}, validator.EnvPassthrough)

	// Roles absent from the file keep their defaults.
	producer, err := reg.Profile(RoleProducer)
	require.NoError(t, err)
	assert.Equal(t, "remedy-agent", producer.Binary)
}

func TestLoadRegistryRejectsUnknownRole(t *testing.T) {
	path := writeRolesFile(t, `
[roles.barista]
binary = "coffee"
`)
	_, err := LoadRegistry(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "barista")
}

func TestLoadRegistryRejectsEmptyBinary(t *testing.T) {
	path := writeRolesFile(t, `
[roles.producer]
args = ["--fast"]
`)
	_, err := LoadRegistry(path)
	require.Error(t, err)
}

func TestLoadRegistryMissingFile(t *testing.T) {
	_, err := LoadRegistry(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}
