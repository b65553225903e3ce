package agent

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the function an agent performs for a task.
type Role string

const (
	// RoleProducer generates a candidate result (review or fix).
	RoleProducer Role = "producer"

	// RoleValidator independently scores a producer's result.
	RoleValidator Role = "validator"

	// RoleSpecialist handles auxiliary work such as clarification.
	RoleSpecialist Role = "specialist"
)

// AllRoles returns the closed set of agent roles.
func AllRoles() []Role {
	return []Role{RoleProducer, RoleValidator, RoleSpecialist}
}

// Valid reports whether the role is a member of the closed set.
func (r Role) Valid() bool {
	switch r {
	case RoleProducer, RoleValidator, RoleSpecialist:
		return true
	}
	return false
}

// ContinuationToken is an opaque handle allowing a new task invocation
// to resume an agent's prior accumulated context. It is passed by
// value into a new spawn; it is never interpreted by the engine.
type ContinuationToken string

// Task is one unit of work submitted to an agent process.
//
// A Task is created by the pipeline or the challenger loop, owned
// exclusively by the supervisor while running, and discarded after its
// terminal result is consumed.
type Task struct {
	// ID uniquely identifies the task.
	ID string `json:"id"`

	// Role selects the process profile used to spawn the agent.
	Role Role `json:"role"`

	// Payload is the task-specific context handed to the agent on stdin.
	Payload json.RawMessage `json:"payload"`

	// WorkingDir is the directory the agent operates in.
	WorkingDir string `json:"working_dir"`

	// Timeout bounds the process lifetime. Zero uses the supervisor
	// default.
	Timeout time.Duration `json:"-"`

	// Resume carries a continuation token from a prior session so the
	// agent resumes accumulated context instead of restarting cold.
	Resume ContinuationToken `json:"resume,omitempty"`

	// Env holds task-specific credentials and configuration merged
	// into the minimal process environment.
	Env map[string]string `json:"-"`
}

// Validate checks the task is well-formed before spawning.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if !t.Role.Valid() {
		return fmt.Errorf("unknown agent role: %q", t.Role)
	}
	if t.WorkingDir == "" {
		return fmt.Errorf("task working directory is required")
	}
	return nil
}

// SessionStatus tracks an agent session through its lifecycle.
type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionStarting  SessionStatus = "starting"
	SessionRunning   SessionStatus = "running"
	SessionStreaming SessionStatus = "streaming"
	SessionStopping  SessionStatus = "stopping"
	SessionError     SessionStatus = "error"
	SessionCompleted SessionStatus = "completed"
)

// Terminal reports whether the status is an end state.
func (s SessionStatus) Terminal() bool {
	return s == SessionError || s == SessionCompleted
}
