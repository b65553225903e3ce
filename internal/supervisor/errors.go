package supervisor

import "errors"

var (
	// ErrResourceExhausted is returned when a spawn would exceed the
	// global process cap. Callers retry later; spawns never queue.
	ErrResourceExhausted = errors.New("supervisor: process pool exhausted")

	// ErrProcessCrashed is returned when the agent process exits
	// non-zero without emitting a terminal result record.
	ErrProcessCrashed = errors.New("supervisor: agent process crashed")

	// ErrMalformedOutput is returned when the agent exits cleanly but
	// its terminal result record is missing or unparsable.
	ErrMalformedOutput = errors.New("supervisor: agent output missing terminal result")

	// ErrSessionNotFound is returned for operations on unknown or
	// already-reaped sessions.
	ErrSessionNotFound = errors.New("supervisor: session not found")

	// ErrClosed is returned when the supervisor is shutting down.
	ErrClosed = errors.New("supervisor: closed")
)
