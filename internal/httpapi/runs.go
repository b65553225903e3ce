package httpapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// RunStatus is a run's coarse lifecycle state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunHandle is the externally visible state of one run.
type RunHandle struct {
	ID        string            `json:"id"`
	Status    RunStatus         `json:"status"`
	Request   pipeline.Request  `json:"request"`
	Summary   *pipeline.Summary `json:"summary,omitempty"`
	Error     string            `json:"error,omitempty"`
	StartedAt time.Time         `json:"started_at"`
}

// RunManager submits runs to the pipeline and tracks their outcomes.
type RunManager struct {
	runner *pipeline.Runner
	logger *zap.Logger

	mu     sync.Mutex
	runs   map[string]*RunHandle
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunManager creates a manager. Runs it starts are detached from
// the submitting request and stopped only by Close.
func NewRunManager(runner *pipeline.Runner, logger *zap.Logger) *RunManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RunManager{
		runner: runner,
		logger: logger,
		runs:   make(map[string]*RunHandle),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit starts a run asynchronously and returns its handle.
func (m *RunManager) Submit(req pipeline.Request) *RunHandle {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	handle := &RunHandle{
		ID:        req.RunID,
		Status:    RunRunning,
		Request:   req,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.runs[handle.ID] = handle
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		summary, err := m.runner.Run(m.ctx, req)

		m.mu.Lock()
		defer m.mu.Unlock()
		handle.Summary = summary
		if err != nil {
			handle.Status = RunFailed
			handle.Error = err.Error()
			m.logger.Warn("run failed",
				zap.String("run_id", handle.ID),
				zap.Error(err))
			return
		}
		handle.Status = RunCompleted
	}()

	return handle
}

// Get returns a run by id.
func (m *RunManager) Get(runID string) (*RunHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *h
	return &cp, nil
}

// List returns all tracked runs.
func (m *RunManager) List() []*RunHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RunHandle, 0, len(m.runs))
	for _, h := range m.runs {
		cp := *h
		out = append(out, &cp)
	}
	return out
}

// Close cancels in-flight runs and waits for them to settle.
func (m *RunManager) Close(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
