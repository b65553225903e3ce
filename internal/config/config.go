// Package config provides configuration loading for remedyd.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. This package covers the HTTP server, the agent process
// supervisor, the challenger loop, the remediation pipeline, event
// delivery, logging, and telemetry.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete remedyd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Supervisor    SupervisorConfig    `koanf:"supervisor"`
	Challenger    ChallengerConfig    `koanf:"challenger"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Events        EventsConfig        `koanf:"events"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// SupervisorConfig holds agent process supervisor configuration.
type SupervisorConfig struct {
	// MaxProcesses caps concurrently running agent processes. Spawn
	// requests beyond the cap fail immediately with ResourceExhausted.
	MaxProcesses int `koanf:"max_processes"`

	// StaleAfter is the last-activity age after which the reaper
	// terminates a session regardless of caller awareness.
	StaleAfter Duration `koanf:"stale_after"`

	// ReapInterval is how often the reaper scans sessions.
	ReapInterval Duration `koanf:"reap_interval"`

	// DefaultTaskTimeout applies to tasks that carry no timeout.
	DefaultTaskTimeout Duration `koanf:"default_task_timeout"`

	// TerminateGrace is the delay between SIGTERM and SIGKILL.
	TerminateGrace Duration `koanf:"terminate_grace"`

	// RolesFile optionally points at a TOML file mapping agent roles
	// to process profiles. Empty uses built-in defaults.
	RolesFile string `koanf:"roles_file"`

	// WatchWorkdir enables fsnotify-based activity tracking on each
	// session's working directory.
	WatchWorkdir bool `koanf:"watch_workdir"`

	// PartialOutputRate limits partial-output events per session per
	// second. Zero disables throttling.
	PartialOutputRate float64 `koanf:"partial_output_rate"`

	// APIKey is injected into producer/validator environments.
	APIKey Secret `koanf:"api_key"`
}

// ChallengerConfig holds producer/validator refinement loop configuration.
type ChallengerConfig struct {
	SatisfactionThreshold     int      `koanf:"satisfaction_threshold"`
	MaxIterations             int      `koanf:"max_iterations"`
	StagnationWindow          int      `koanf:"stagnation_window"`
	MinImprovement            int      `koanf:"min_improvement"`
	ForcedAcceptanceThreshold int      `koanf:"forced_acceptance_threshold"`
	ValidatorTimeout          Duration `koanf:"validator_timeout"`
}

// PipelineConfig holds remediation pipeline configuration.
type PipelineConfig struct {
	SkipClarification bool     `koanf:"skip_clarification"`
	QuestionTimeout   Duration `koanf:"question_timeout"`
	FailFast          bool     `koanf:"fail_fast"`

	// FailOnUnanswered fails a work item whose clarifying question
	// times out instead of proceeding with declared defaults.
	FailOnUnanswered bool `koanf:"fail_on_unanswered"`

	// SecretsAllowlist optionally points at a TOML allowlist consumed
	// by the secret-leak red-flag gate.
	SecretsAllowlist string `koanf:"secrets_allowlist"`
}

// EventsConfig holds progress event delivery configuration.
type EventsConfig struct {
	// BufferSize is the per-subscriber channel depth. Events beyond a
	// full buffer are dropped (best-effort delivery).
	BufferSize int `koanf:"buffer_size"`

	// NATSURL enables the NATS bridge when non-empty.
	NATSURL string `koanf:"nats_url"`

	// SubjectPrefix prefixes bridge subjects: <prefix>.<run_id>.<type>.
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	ServiceVersion  string `koanf:"service_version"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure        bool   `koanf:"insecure"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9190,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Supervisor: SupervisorConfig{
			MaxProcesses:       10,
			StaleAfter:         Duration(3 * time.Hour),
			ReapInterval:       Duration(time.Minute),
			DefaultTaskTimeout: Duration(15 * time.Minute),
			TerminateGrace:     Duration(5 * time.Second),
			WatchWorkdir:       true,
			PartialOutputRate:  20,
		},
		Challenger: ChallengerConfig{
			SatisfactionThreshold:     90,
			MaxIterations:             3,
			StagnationWindow:          3,
			MinImprovement:            5,
			ForcedAcceptanceThreshold: 70,
			ValidatorTimeout:          Duration(5 * time.Minute),
		},
		Pipeline: PipelineConfig{
			QuestionTimeout: Duration(10 * time.Minute),
		},
		Events: EventsConfig{
			BufferSize:    64,
			SubjectPrefix: "runs",
		},
		Observability: ObservabilityConfig{
			ServiceName:    "remedyd",
			ServiceVersion: "dev",
			Protocol:       "grpc",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Supervisor.MaxProcesses < 1 {
		return fmt.Errorf("supervisor max_processes must be at least 1, got %d", c.Supervisor.MaxProcesses)
	}
	if c.Supervisor.StaleAfter.Duration() <= 0 {
		return errors.New("supervisor stale_after must be positive")
	}
	if c.Supervisor.TerminateGrace.Duration() <= 0 {
		return errors.New("supervisor terminate_grace must be positive")
	}
	if t := c.Challenger.SatisfactionThreshold; t < 0 || t > 100 {
		return fmt.Errorf("challenger satisfaction_threshold must be 0-100, got %d", t)
	}
	if t := c.Challenger.ForcedAcceptanceThreshold; t < 0 || t > 100 {
		return fmt.Errorf("challenger forced_acceptance_threshold must be 0-100, got %d", t)
	}
	if c.Challenger.MaxIterations < 1 {
		return fmt.Errorf("challenger max_iterations must be at least 1, got %d", c.Challenger.MaxIterations)
	}
	if c.Challenger.StagnationWindow < 2 {
		return fmt.Errorf("challenger stagnation_window must be at least 2, got %d", c.Challenger.StagnationWindow)
	}
	if c.Events.BufferSize < 1 {
		return fmt.Errorf("events buffer_size must be at least 1, got %d", c.Events.BufferSize)
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	switch c.Observability.Protocol {
	case "", "grpc", "http/protobuf":
	default:
		return fmt.Errorf("invalid observability protocol: %q", c.Observability.Protocol)
	}
	return nil
}
