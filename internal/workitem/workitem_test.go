package workitem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusOpen, StatusInProgress},
		{StatusInProgress, StatusResolved},
		{StatusInProgress, StatusIgnored},
		{StatusInProgress, StatusDuplicate},
		{StatusInProgress, StatusOpen},
		{StatusResolved, StatusOpen},
		{StatusResolved, StatusMerged},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	forbidden := []struct{ from, to Status }{
		{StatusOpen, StatusResolved},
		{StatusOpen, StatusMerged},
		{StatusOpen, StatusIgnored},
		{StatusResolved, StatusInProgress},
		{StatusMerged, StatusOpen},
		{StatusIgnored, StatusOpen},
		{StatusDuplicate, StatusOpen},
	}
	for _, tc := range forbidden {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be rejected", tc.from, tc.to)
	}
}

func TestTransitionRejectsOutsideGraph(t *testing.T) {
	it := &Item{ID: "w1", Status: StatusOpen}
	err := it.Transition(StatusResolved, false)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusOpen, it.Status, "failed transition leaves the item untouched")
}

func TestTransitionOverrideBypassesGraph(t *testing.T) {
	it := &Item{ID: "w1", Status: StatusOpen}
	require.NoError(t, it.Transition(StatusResolved, true))
	assert.Equal(t, StatusResolved, it.Status)

	// Override never admits a status outside the enum.
	err := it.Transition("archived", true)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReopenClearsCommitMetadata(t *testing.T) {
	it := &Item{
		ID:     "w1",
		Status: StatusResolved,
		Fix:    Fix{Branch: "fix/w1", CommitRef: "abc123", Score: 92},
	}
	require.NoError(t, it.Transition(StatusOpen, false))
	assert.Empty(t, it.Fix.CommitRef)
	assert.Empty(t, it.Fix.Branch)
	assert.Equal(t, 92, it.Fix.Score, "historical score survives a reopen")
}

func TestMemoryStoreLoadCopies(t *testing.T) {
	store := NewMemoryStore(
		&Item{ID: "w1"},
		&Item{ID: "w2", Status: StatusInProgress},
	)

	items, err := store.Load(context.Background(), []string{"w1", "w2"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, StatusOpen, items[0].Status, "empty status defaults to open")

	// Mutating a loaded copy never leaks back into the store.
	items[0].Status = StatusMerged
	again, err := store.Load(context.Background(), []string{"w1"})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, again[0].Status)
}

func TestMemoryStoreLoadUnknownIDFailsWhole(t *testing.T) {
	store := NewMemoryStore(&Item{ID: "w1"})
	_, err := store.Load(context.Background(), []string{"w1", "missing"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdateStatus(t *testing.T) {
	store := NewMemoryStore(&Item{ID: "w1"})
	ctx := context.Background()

	require.NoError(t, store.UpdateStatus(ctx, "w1", StatusInProgress, Meta{StepIndex: 2}))
	require.NoError(t, store.UpdateStatus(ctx, "w1", StatusResolved, Meta{
		Branch:    "fix/w1",
		CommitRef: "deadbeef",
		Score:     92,
	}))

	items, err := store.Load(ctx, []string{"w1"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, items[0].Status)
	assert.Equal(t, "deadbeef", items[0].Fix.CommitRef)
	assert.Equal(t, 92, items[0].Fix.Score)
	assert.Equal(t, 2, items[0].StepIndex)

	err = store.UpdateStatus(ctx, "w1", StatusDuplicate, Meta{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, store.UpdateStatus(ctx, "w1", StatusDuplicate, Meta{Override: true}))

	err = store.UpdateStatus(ctx, "missing", StatusOpen, Meta{})
	require.ErrorIs(t, err, ErrNotFound)
}
