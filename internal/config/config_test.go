package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.NoError(t, d.UnmarshalText([]byte("3h")))
	assert.Equal(t, 3*time.Hour, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("ninety")))
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	d := Duration(time.Minute + 30*time.Second)

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	out, err := json.Marshal(struct {
		Timeout Duration `json:"timeout"`
	}{Timeout: d})
	require.NoError(t, err)
	assert.JSONEq(t, `{"timeout":"1m30s"}`, string(out))
}

func TestSecretNeverPrintsValue(t *testing.T) {
	s := Secret("sk-live-abc123")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.NotContains(t, fmt.Sprintf("%v", s), "abc123")
	assert.NotContains(t, fmt.Sprintf("%#v", s), "abc123")

	out, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "abc123")

	assert.Equal(t, "sk-live-abc123", s.Value())
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }},
		{"zero shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }},
		{"zero max processes", func(c *Config) { c.Supervisor.MaxProcesses = 0 }},
		{"zero stale after", func(c *Config) { c.Supervisor.StaleAfter = 0 }},
		{"zero terminate grace", func(c *Config) { c.Supervisor.TerminateGrace = 0 }},
		{"threshold above 100", func(c *Config) { c.Challenger.SatisfactionThreshold = 101 }},
		{"negative forced threshold", func(c *Config) { c.Challenger.ForcedAcceptanceThreshold = -1 }},
		{"zero max iterations", func(c *Config) { c.Challenger.MaxIterations = 0 }},
		{"stagnation window of one", func(c *Config) { c.Challenger.StagnationWindow = 1 }},
		{"zero event buffer", func(c *Config) { c.Events.BufferSize = 0 }},
		{"bad otel protocol", func(c *Config) { c.Observability.Protocol = "carrier-pigeon" }},
		{"telemetry without service name", func(c *Config) {
			c.Observability.EnableTelemetry = true
			c.Observability.ServiceName = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
