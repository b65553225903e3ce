package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/agent"
	"github.com/fyrsmithlabs/remedyd/internal/config"
)

func testConfig() config.SupervisorConfig {
	cfg := config.Default().Supervisor
	cfg.MaxProcesses = 4
	cfg.DefaultTaskTimeout = config.Duration(30 * time.Second)
	cfg.TerminateGrace = config.Duration(200 * time.Millisecond)
	cfg.WatchWorkdir = false
	return cfg
}

// scriptRegistry maps every role to a shell script that reads the
// task line from stdin and then runs the given body.
func scriptRegistry(t *testing.T, body string) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry()
	for _, role := range agent.AllRoles() {
		reg.Override(role, agent.Profile{
			Binary: "sh",
			Args:   []string{"-c", "read -r task; " + body},
		})
	}
	return reg
}

func newTestService(t *testing.T, cfg config.SupervisorConfig, reg *agent.Registry) Service {
	t.Helper()
	svc, err := New(cfg, reg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return svc
}

func producerTask(t *testing.T, id string) agent.Task {
	t.Helper()
	return agent.Task{
		ID:         id,
		Role:       agent.RoleProducer,
		Payload:    []byte(`{"goal":"test"}`),
		WorkingDir: t.TempDir(),
	}
}

func TestSpawnCompletesWithResult(t *testing.T) {
	reg := scriptRegistry(t, `printf '{"type":"init","data":{"session_id":"abc","continuation":"tok-1"}}\n{"type":"result","data":{"success":true,"summary":"done","continuation":"tok-2"}}\n'`)
	svc := newTestService(t, testConfig(), reg)

	sess, err := svc.Spawn(context.Background(), producerTask(t, "t1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := sess.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Summary)
	assert.Equal(t, "t1", res.TaskID)
	assert.NoError(t, res.Err)
	assert.Equal(t, agent.SessionCompleted, sess.Status())
	assert.Equal(t, agent.ContinuationToken("tok-2"), sess.Continuation())
}

func TestSpawnRejectsInvalidTask(t *testing.T) {
	reg := scriptRegistry(t, "true")
	svc := newTestService(t, testConfig(), reg)

	_, err := svc.Spawn(context.Background(), agent.Task{ID: "t1", Role: "gardener"})
	require.Error(t, err)
}

func TestSpawnFailsFastAtCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProcesses = 1
	reg := scriptRegistry(t, `sleep 5; printf '{"type":"result","data":{"success":true}}\n'`)
	svc := newTestService(t, cfg, reg)

	sess, err := svc.Spawn(context.Background(), producerTask(t, "t1"))
	require.NoError(t, err)

	_, err = svc.Spawn(context.Background(), producerTask(t, "t2"))
	require.ErrorIs(t, err, ErrResourceExhausted)

	require.NoError(t, svc.Terminate(context.Background(), sess.ID))
}

func TestCapacityReleasedAfterCompletion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxProcesses = 1
	reg := scriptRegistry(t, `printf '{"type":"result","data":{"success":true}}\n'`)
	svc := newTestService(t, cfg, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := svc.Spawn(ctx, producerTask(t, "t1"))
	require.NoError(t, err)
	_, err = first.Wait(ctx)
	require.NoError(t, err)

	// The slot frees as the session settles; a brief retry window
	// absorbs the scheduling gap.
	var second *Session
	require.Eventually(t, func() bool {
		second, err = svc.Spawn(ctx, producerTask(t, "t2"))
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	_, err = second.Wait(ctx)
	require.NoError(t, err)
}

func TestCrashSurfacesStderr(t *testing.T) {
	reg := scriptRegistry(t, `echo "boom: disk on fire" >&2; exit 3`)
	svc := newTestService(t, testConfig(), reg)

	sess, err := svc.Spawn(context.Background(), producerTask(t, "t1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := sess.Wait(ctx)
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrProcessCrashed)
	assert.Contains(t, res.Err.Error(), "disk on fire")
	assert.Equal(t, agent.SessionError, sess.Status())
}

func TestCleanExitWithoutResultIsMalformed(t *testing.T) {
	reg := scriptRegistry(t, `printf '{"type":"partial","data":{"text":"working"}}\n'; exit 0`)
	svc := newTestService(t, testConfig(), reg)

	sess, err := svc.Spawn(context.Background(), producerTask(t, "t1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := sess.Wait(ctx)
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrMalformedOutput)
}

func TestGarbageLinesAreSkipped(t *testing.T) {
	reg := scriptRegistry(t, `printf 'not json at all\n{"truncated\n{"type":"result","data":{"success":true,"summary":"survived"}}\n'`)
	svc := newTestService(t, testConfig(), reg)

	sess, err := svc.Spawn(context.Background(), producerTask(t, "t1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := sess.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "survived", res.Summary)
}

func TestTerminateIsIdempotent(t *testing.T) {
	reg := scriptRegistry(t, `sleep 10`)
	svc := newTestService(t, testConfig(), reg)

	sess, err := svc.Spawn(context.Background(), producerTask(t, "t1"))
	require.NoError(t, err)

	require.NoError(t, svc.Terminate(context.Background(), sess.ID))
	require.NoError(t, svc.Terminate(context.Background(), sess.ID))
	require.NoError(t, svc.Terminate(context.Background(), "no-such-session"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := sess.Wait(ctx)
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrProcessCrashed)
}

func TestTaskTimeoutStopsProcess(t *testing.T) {
	reg := scriptRegistry(t, `sleep 30`)
	svc := newTestService(t, testConfig(), reg)

	task := producerTask(t, "t1")
	task.Timeout = 300 * time.Millisecond

	sess, err := svc.Spawn(context.Background(), task)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := sess.Wait(ctx)
	require.NoError(t, err)
	require.Error(t, res.Err)
}

func TestEventsCarryRecords(t *testing.T) {
	reg := scriptRegistry(t, `printf '{"type":"init","data":{"session_id":"s"}}\n{"type":"result","data":{"success":true}}\n'`)
	svc := newTestService(t, testConfig(), reg)

	sess, err := svc.Spawn(context.Background(), producerTask(t, "t1"))
	require.NoError(t, err)

	var kinds []agent.RecordKind
	deadline := time.After(5 * time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-svc.Events():
			assert.Equal(t, sess.ID, ev.SessionID)
			kinds = append(kinds, ev.Record.Kind)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	assert.Equal(t, []agent.RecordKind{agent.RecordInit, agent.RecordResult}, kinds)
}

func TestSpawnAfterCloseFails(t *testing.T) {
	reg := scriptRegistry(t, "true")
	svc, err := New(testConfig(), reg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, svc.Close(ctx))

	_, err = svc.Spawn(context.Background(), producerTask(t, "t1"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestBuildEnvNeverInheritsFullEnvironment(t *testing.T) {
	t.Setenv("REMEDYD_TEST_SECRET", "supersecret")
	t.Setenv("REMEDYD_TEST_ALLOWED", "yes")

	profile := agent.Profile{
		Binary:         "sh",
		EnvPassthrough: []string{"REMEDYD_TEST_ALLOWED", "REMEDYD_TEST_UNSET"},
	}
	task := agent.Task{Env: map[string]string{"TASK_VAR": "v"}}

	env := buildEnv(profile, task)
	assert.Contains(t, env, "REMEDYD_TEST_ALLOWED=yes")
	assert.Contains(t, env, "TASK_VAR=v")
	assert.NotContains(t, env, "REMEDYD_TEST_SECRET=supersecret")
	assert.Len(t, env, 2)
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	tb := newTailBuffer(8)
	_, err := tb.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	_, err = tb.Write([]byte("XYZ"))
	require.NoError(t, err)
	assert.Equal(t, "defghXYZ", tb.String())

	_, err = tb.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, "23456789", tb.String())
}
