package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/agent"
)

// StreamEvent is one record emitted by a running session, fanned out
// to the supervisor's event channel.
type StreamEvent struct {
	SessionID string
	TaskID    string
	Record    agent.Record
	Timestamp time.Time
}

// Result is the terminal outcome of a session.
type Result struct {
	SessionID    string
	TaskID       string
	Success      bool
	Payload      []byte
	Continuation agent.ContinuationToken
	Summary      string
	Err          error
}

// Session tracks one agent process from spawn to termination.
type Session struct {
	ID   string
	Task agent.Task

	proc *process

	mu           sync.Mutex
	status       agent.SessionStatus
	lastActivity time.Time
	continuation agent.ContinuationToken
	result       *Result

	done chan struct{}
}

func newSession(id string, task agent.Task, proc *process) *Session {
	return &Session{
		ID:           id,
		Task:         task,
		proc:         proc,
		status:       agent.SessionStarting,
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
}

// Status returns the session's current lifecycle status.
func (s *Session) Status() agent.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st agent.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = st
}

// Continuation returns the most recent continuation token reported by
// the agent, or the zero value if none was seen.
func (s *Session) Continuation() agent.ContinuationToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.continuation
}

func (s *Session) setContinuation(tok agent.ContinuationToken) {
	if tok == "" {
		return
	}
	s.mu.Lock()
	s.continuation = tok
	s.mu.Unlock()
}

// LastActivity reports when the session last produced output or was
// otherwise observed making progress.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Wait blocks until the session reaches a terminal state and returns
// its result. The context allows callers to bail out early without
// affecting the session itself.
func (s *Session) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, nil
}

func (s *Session) finish(st agent.SessionStatus, res *Result) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.result = res
	close(s.done)
	s.mu.Unlock()
}

func (s *Session) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.Terminal()
}
