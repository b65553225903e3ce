package workitem

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned for an unknown item id.
var ErrNotFound = errors.New("work item not found")

// Meta carries optional fields attached to a status update.
type Meta struct {
	Branch    string
	CommitRef string
	Score     int
	StepIndex int
	Override  bool
}

// Store is the persistence boundary for work items. The pipeline
// checkpoints through this interface after each phase; production
// deployments back it with an external tracker, while the in-memory
// implementation serves standalone mode and tests.
type Store interface {
	Load(ctx context.Context, ids []string) ([]*Item, error)
	UpdateStatus(ctx context.Context, id string, status Status, meta Meta) error
}

// MemoryStore is a mutex-guarded in-memory Store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
}

// NewMemoryStore seeds a store with the given items.
func NewMemoryStore(items ...*Item) *MemoryStore {
	s := &MemoryStore{items: make(map[string]*Item, len(items))}
	for _, it := range items {
		if it.Status == "" {
			it.Status = StatusOpen
		}
		s.items[it.ID] = it
	}
	return s
}

// Put inserts or replaces an item.
func (s *MemoryStore) Put(item *Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.Status == "" {
		item.Status = StatusOpen
	}
	s.items[item.ID] = item
}

// Load returns copies of the named items. A single unknown id fails
// the whole load so the pipeline never plans against a partial set.
func (s *MemoryStore) Load(ctx context.Context, ids []string) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Item, 0, len(ids))
	for _, id := range ids {
		it, ok := s.items[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

// UpdateStatus transitions an item and records fix metadata.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := it.Transition(status, meta.Override); err != nil {
		return err
	}
	if meta.Branch != "" {
		it.Fix.Branch = meta.Branch
	}
	if meta.CommitRef != "" {
		it.Fix.CommitRef = meta.CommitRef
	}
	if meta.Score != 0 {
		it.Fix.Score = meta.Score
	}
	if meta.StepIndex != 0 {
		it.StepIndex = meta.StepIndex
	}
	return nil
}
