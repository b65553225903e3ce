package supervisor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// processConfig defines how to spawn one agent process.
type processConfig struct {
	Command    string
	Args       []string
	Env        []string // explicit environment; never inherited
	WorkingDir string
	Timeout    time.Duration
	Grace      time.Duration
}

// process manages the lifecycle of a single agent OS process. The
// process runs in its own group so stop signals reach grandchildren.
type process struct {
	cfg        processConfig
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderrTail *tailBuffer
	done       chan struct{}
	waitErr    error
	pgid       int
	mu         sync.Mutex
}

func newProcess(cfg processConfig) *process {
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	return &process{cfg: cfg}
}

func (p *process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("process already started")
	}

	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.WorkingDir
	cmd.Env = p.cfg.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.stderrTail = newTailBuffer(defaultStderrTail)
	p.done = make(chan struct{})

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		close(p.done)
		p.mu.Unlock()
	}()

	go func() {
		_, _ = io.Copy(p.stderrTail, stderr)
	}()

	if p.cfg.Timeout > 0 {
		go func() {
			timer := time.NewTimer(p.cfg.Timeout)
			defer timer.Stop()
			select {
			case <-timer.C:
				_ = p.Stop()
			case <-p.done:
			}
		}()
	}

	if cmd.Process != nil {
		p.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}

	return nil
}

// Write sends data to the process's stdin.
func (p *process) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return fmt.Errorf("stdin not available")
	}
	_, err := p.stdin.Write(data)
	return err
}

func (p *process) Stdout() io.ReadCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}

func (p *process) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stderrTail == nil {
		return ""
	}
	return p.stderrTail.String()
}

// Wait blocks until the process exits and returns its exit error.
func (p *process) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Stop signals the process group with SIGTERM and escalates to
// SIGKILL after the grace period. Safe to call multiple times and on
// an already-dead process.
func (p *process) Stop() error {
	p.mu.Lock()
	cmd := p.cmd
	done := p.done
	pgid := p.pgid
	grace := p.cfg.Grace
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if pgid == 0 {
		pgid = cmd.Process.Pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
		return nil
	}
}

// PID returns the process id, or 0 before start.
func (p *process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

const defaultStderrTail = 8 * 1024

// tailBuffer keeps the last max bytes written to it. Used to surface
// the tail of stderr in crash errors without retaining full output.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = defaultStderrTail
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	if len(t.buf)+len(p) > t.max {
		excess := len(t.buf) + len(p) - t.max
		t.buf = t.buf[excess:]
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
