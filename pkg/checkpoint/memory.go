package checkpoint

import (
	"context"
	"sync"

	"github.com/aaryaattrey/dozer/pkg/errors"
)

// MemoryStore is an in-process checkpoint store used by tests and by
// pipelines that explicitly opt out of durability. It applies the same
// monotonicity check as the durable store.
type MemoryStore struct {
	mu    sync.RWMutex
	saved map[string]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{saved: make(map[string]*Checkpoint)}
}

// Save records cp for id, rejecting regressions.
func (s *MemoryStore) Save(ctx context.Context, id string, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.saved[id]; ok && cp.Sequence < stored.Sequence {
		return errors.Newf(errors.ErrorTypeCheckpointRegression,
			"checkpoint for %s regresses from %d to %d", id, stored.Sequence, cp.Sequence)
	}

	clone := *cp
	s.saved[id] = &clone
	return nil
}

// Load returns the last saved checkpoint for id, or nil.
func (s *MemoryStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.saved[id]
	if !ok {
		return nil, nil
	}
	clone := *stored
	return &clone, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
