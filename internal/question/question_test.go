package question

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestAnswerResolvesWait(t *testing.T) {
	s := newTestStore(t)

	id := s.Register(Question{RunID: "r1", Text: "merge or rebase?"})
	require.NotEmpty(t, id)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Answer(id, "rebase")
	}()

	ans, err := s.Wait(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ans.Unanswered)
	assert.Equal(t, "rebase", ans.Value)
	assert.Equal(t, id, ans.QuestionID)
	assert.Empty(t, s.Pending())
}

func TestWaitTimeoutReturnsUnanswered(t *testing.T) {
	s := newTestStore(t)

	id := s.Register(Question{RunID: "r1", Text: "unreachable operator"})

	ans, err := s.Wait(context.Background(), id, 30*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ans.Unanswered)
	assert.Empty(t, ans.Value)
	assert.Empty(t, s.Pending())
}

func TestAnswerUnknownIDIsNoOp(t *testing.T) {
	s := newTestStore(t)
	s.Answer("never-registered", "whatever")
	assert.Empty(t, s.Pending())
}

func TestAnswerAfterTimeoutIsNoOp(t *testing.T) {
	s := newTestStore(t)

	id := s.Register(Question{RunID: "r1", Text: "slow"})
	_, err := s.Wait(context.Background(), id, 10*time.Millisecond)
	require.NoError(t, err)

	// Resolution already removed the entry.
	s.Answer(id, "too late")
	assert.Empty(t, s.Pending())
}

func TestWaitUnknownQuestion(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Wait(context.Background(), "missing", time.Second)
	require.Error(t, err)
}

func TestWaitHonorsContext(t *testing.T) {
	s := newTestStore(t)
	id := s.Register(Question{RunID: "r1", Text: "cancelled run"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Wait(ctx, id, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Pending())
}

func TestPendingSnapshot(t *testing.T) {
	s := newTestStore(t)
	s.Register(Question{RunID: "r1", Text: "one"})
	s.Register(Question{RunID: "r1", Text: "two"})

	pending := s.Pending()
	assert.Len(t, pending, 2)
	for _, q := range pending {
		assert.NotEmpty(t, q.ID)
		assert.False(t, q.AskedAt.IsZero())
	}
}
