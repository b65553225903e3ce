package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/remedyd/internal/agent"
	"github.com/fyrsmithlabs/remedyd/internal/config"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/supervisor"

// scanBufferSize bounds a single NDJSON line from an agent.
const scanBufferSize = 2 * 1024 * 1024

// Service manages agent processes: spawning up to a configured cap,
// streaming their output records, and reaping stale sessions.
type Service interface {
	// Spawn starts an agent process for the task. It fails fast with
	// ErrResourceExhausted when the pool is at capacity.
	Spawn(ctx context.Context, task agent.Task) (*Session, error)
	// Terminate stops a running session. Terminating an unknown or
	// already-finished session is not an error.
	Terminate(ctx context.Context, sessionID string) error
	// Session returns a live or recently finished session by ID.
	Session(sessionID string) (*Session, error)
	// List returns all tracked sessions.
	List() []*Session
	// Events is the stream of records emitted by all sessions. Events
	// are dropped when the channel is full; terminal results are
	// always retrievable through Session.Wait.
	Events() <-chan StreamEvent
	// Close terminates all sessions and stops the reaper.
	Close(ctx context.Context) error
}

type service struct {
	cfg      config.SupervisorConfig
	logger   *zap.Logger
	registry *agent.Registry
	tracer   trace.Tracer

	sem    *semaphore.Weighted
	events chan StreamEvent

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	reaperStop chan struct{}
	wg         sync.WaitGroup

	spawnCounter   metric.Int64Counter
	activeSessions metric.Int64UpDownCounter
}

// New creates the supervisor and starts its reaper loop.
func New(cfg config.SupervisorConfig, registry *agent.Registry, logger *zap.Logger) (Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.MaxProcesses <= 0 {
		return nil, fmt.Errorf("max_processes must be positive, got %d", cfg.MaxProcesses)
	}

	meter := otel.GetMeterProvider().Meter(instrumentationName)
	spawnCounter, err := meter.Int64Counter("remedyd.supervisor.sessions.spawned",
		metric.WithDescription("Total agent sessions spawned"))
	if err != nil {
		return nil, fmt.Errorf("create spawn counter: %w", err)
	}
	activeSessions, err := meter.Int64UpDownCounter("remedyd.supervisor.sessions.active",
		metric.WithDescription("Currently running agent sessions"))
	if err != nil {
		return nil, fmt.Errorf("create active sessions counter: %w", err)
	}

	s := &service{
		cfg:            cfg,
		logger:         logger,
		registry:       registry,
		tracer:         otel.GetTracerProvider().Tracer(instrumentationName),
		sem:            semaphore.NewWeighted(int64(cfg.MaxProcesses)),
		events:         make(chan StreamEvent, 256),
		sessions:       make(map[string]*Session),
		reaperStop:     make(chan struct{}),
		spawnCounter:   spawnCounter,
		activeSessions: activeSessions,
	}

	s.wg.Add(1)
	go s.reapLoop()

	return s, nil
}

func (s *service) Events() <-chan StreamEvent {
	return s.events
}

func (s *service) Spawn(ctx context.Context, task agent.Task) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.Spawn",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.role", string(task.Role)),
		))
	defer span.End()

	if err := task.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	if !s.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %d sessions already running", ErrResourceExhausted, s.cfg.MaxProcesses)
	}

	sess, err := s.start(ctx, task)
	if err != nil {
		s.sem.Release(1)
		return nil, err
	}
	return sess, nil
}

func (s *service) start(ctx context.Context, task agent.Task) (*Session, error) {
	profile, err := s.registry.Profile(task.Role)
	if err != nil {
		return nil, err
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTaskTimeout.Duration()
	}

	env := buildEnv(profile, task)
	if key := s.cfg.APIKey.Value(); key != "" {
		env = append(env, "REMEDY_API_KEY="+key)
	}

	proc := newProcess(processConfig{
		Command:    profile.Binary,
		Args:       profile.Args,
		Env:        env,
		WorkingDir: task.WorkingDir,
		Timeout:    timeout,
		Grace:      s.cfg.TerminateGrace.Duration(),
	})

	sess := newSession(uuid.NewString(), task, proc)

	// The process outlives the spawn call's context.
	if err := proc.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("start agent for task %s: %w", task.ID, err)
	}

	payload, err := json.Marshal(task)
	if err != nil {
		_ = proc.Stop()
		return nil, fmt.Errorf("encode task: %w", err)
	}
	if err := proc.Write(append(payload, '\n')); err != nil {
		_ = proc.Stop()
		return nil, fmt.Errorf("send task to agent: %w", err)
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.spawnCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(task.Role))))
	s.activeSessions.Add(ctx, 1)

	s.logger.Info("session spawned",
		zap.String("session_id", sess.ID),
		zap.String("task_id", task.ID),
		zap.String("role", string(task.Role)),
		zap.Int("pid", proc.PID()))

	if s.cfg.WatchWorkdir && task.WorkingDir != "" {
		s.watchWorkdir(sess)
	}

	s.wg.Add(1)
	go s.consume(sess)

	return sess, nil
}

// buildEnv assembles the agent's environment from the role profile's
// passthrough list plus task-specific variables. The parent
// environment is never inherited wholesale.
func buildEnv(profile agent.Profile, task agent.Task) []string {
	env := make([]string, 0, len(profile.EnvPassthrough)+len(task.Env))
	for _, key := range profile.EnvPassthrough {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	for k, v := range task.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// consume reads the session's NDJSON stream until EOF, then settles
// the session's terminal state from the process exit.
func (s *service) consume(sess *Session) {
	defer s.wg.Done()
	defer s.release(sess)

	sess.setStatus(agent.SessionRunning)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if perSecond := s.cfg.PartialOutputRate; perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}

	var result *Result
	sawResult := false

	scanner := bufio.NewScanner(sess.proc.Stdout())
	scanner.Buffer(make([]byte, 64*1024), scanBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := agent.ParseRecord(line)
		if err != nil {
			s.logger.Debug("skipping malformed agent output",
				zap.String("session_id", sess.ID),
				zap.Error(err))
			continue
		}
		sess.touch()

		switch rec.Kind {
		case agent.RecordInit:
			sess.setContinuation(rec.Init.Continuation)
			s.emit(sess, rec)
		case agent.RecordPartial:
			sess.setStatus(agent.SessionStreaming)
			if limiter.Allow() {
				s.emit(sess, rec)
			}
		case agent.RecordResult:
			sawResult = true
			if rec.Result.Continuation != "" {
				sess.setContinuation(rec.Result.Continuation)
			}
			result = &Result{
				SessionID:    sess.ID,
				TaskID:       sess.Task.ID,
				Success:      rec.Result.Success,
				Payload:      rec.Result.Payload,
				Continuation: sess.Continuation(),
				Summary:      rec.Result.Summary,
			}
			s.emit(sess, rec)
		case agent.RecordError:
			s.emit(sess, rec)
		}
	}

	waitErr := sess.proc.Wait()

	switch {
	case sawResult:
		sess.finish(agent.SessionCompleted, result)
	case waitErr != nil:
		err := fmt.Errorf("%w: %v", ErrProcessCrashed, waitErr)
		if tail := sess.proc.StderrTail(); tail != "" {
			err = fmt.Errorf("%w\nstderr: %s", err, tail)
		}
		sess.finish(agent.SessionError, &Result{
			SessionID: sess.ID,
			TaskID:    sess.Task.ID,
			Err:       err,
		})
	default:
		sess.finish(agent.SessionError, &Result{
			SessionID: sess.ID,
			TaskID:    sess.Task.ID,
			Err:       fmt.Errorf("%w: stream ended without a result record", ErrMalformedOutput),
		})
	}

	s.logger.Info("session finished",
		zap.String("session_id", sess.ID),
		zap.String("task_id", sess.Task.ID),
		zap.String("status", string(sess.Status())))
}

func (s *service) emit(sess *Session, rec agent.Record) {
	ev := StreamEvent{
		SessionID: sess.ID,
		TaskID:    sess.Task.ID,
		Record:    rec,
		Timestamp: time.Now(),
	}
	select {
	case s.events <- ev:
	default:
		// Slow consumers lose intermediate events, never results:
		// those are settled on the session itself.
	}
}

func (s *service) release(sess *Session) {
	s.sem.Release(1)
	s.activeSessions.Add(context.Background(), -1)

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()
}

// watchWorkdir treats filesystem writes under the task's working
// directory as liveness so long-running silent agents are not reaped.
func (s *service) watchWorkdir(sess *Session) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("workdir watch unavailable", zap.Error(err))
		return
	}
	if err := watcher.Add(sess.Task.WorkingDir); err != nil {
		s.logger.Warn("workdir watch failed",
			zap.String("dir", sess.Task.WorkingDir),
			zap.Error(err))
		_ = watcher.Close()
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				sess.touch()
			case <-watcher.Errors:
			case <-sess.done:
				return
			case <-s.reaperStop:
				return
			}
		}
	}()
}

func (s *service) Terminate(ctx context.Context, sessionID string) error {
	_, span := s.tracer.Start(ctx, "supervisor.Terminate",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if sess.finished() {
		return nil
	}

	sess.setStatus(agent.SessionStopping)
	s.logger.Info("terminating session", zap.String("session_id", sessionID))
	return sess.proc.Stop()
}

func (s *service) Session(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

func (s *service) List() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// reapLoop terminates sessions that have shown no activity for longer
// than the staleness window.
func (s *service) reapLoop() {
	defer s.wg.Done()

	interval := s.cfg.ReapInterval.Duration()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.reaperStop:
			return
		case <-ticker.C:
			s.reapStale()
		}
	}
}

func (s *service) reapStale() {
	staleAfter := s.cfg.StaleAfter.Duration()
	if staleAfter <= 0 {
		return
	}
	cutoff := time.Now().Add(-staleAfter)

	s.mu.Lock()
	var stale []*Session
	for _, sess := range s.sessions {
		if !sess.finished() && sess.LastActivity().Before(cutoff) {
			stale = append(stale, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		s.logger.Warn("reaping stale session",
			zap.String("session_id", sess.ID),
			zap.String("task_id", sess.Task.ID),
			zap.Time("last_activity", sess.LastActivity()))
		sess.setStatus(agent.SessionStopping)
		_ = sess.proc.Stop()
	}
}

func (s *service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	close(s.reaperStop)

	for _, sess := range sessions {
		if !sess.finished() {
			sess.setStatus(agent.SessionStopping)
			_ = sess.proc.Stop()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	close(s.events)
	return nil
}
