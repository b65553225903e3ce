package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, NewDefaultConfig().Validate())
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"bad format", Config{Level: "info", Format: "xml", Output: OutputConfig{Stdout: true}}},
		{"no outputs", Config{Level: "info", Format: "json"}},
		{"bad level", Config{Level: "chatty", Format: "json", Output: OutputConfig{Stdout: true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.cfg.Validate())
		})
	}
}

func TestNewBuildsLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := New(&Config{Level: "debug", Format: format, Output: OutputConfig{Stdout: true}}, nil)
		require.NoError(t, err)
		logger.Debug("probe")
		assert.NoError(t, Sync(logger))
	}
}

func TestNewNilConfigUsesDefaults(t *testing.T) {
	logger, err := New(nil, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewOTELOnlyWithoutProviderFails(t *testing.T) {
	_, err := New(&Config{Level: "info", Format: "json", Output: OutputConfig{OTEL: true}}, nil)
	assert.Error(t, err)
}
