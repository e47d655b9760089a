package transfer

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ProgressStore persists transfer progress so a transfer can resume after a
// restart. Implementations store and return copies.
type ProgressStore interface {
	SaveProgress(ctx context.Context, progress *StreamingProgress) error
	// LoadProgress returns ErrProgressNotFound for unknown operations.
	LoadProgress(ctx context.Context, operationID string) (*StreamingProgress, error)
	ListProgress(ctx context.Context) ([]*StreamingProgress, error)
	DeleteProgress(ctx context.Context, operationID string) error
}

// MemoryProgressStore keeps progress in process memory.
type MemoryProgressStore struct {
	mu      sync.RWMutex
	entries map[string]*StreamingProgress
}

// NewMemoryProgressStore creates an empty store.
func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{entries: make(map[string]*StreamingProgress)}
}

func (s *MemoryProgressStore) SaveProgress(ctx context.Context, progress *StreamingProgress) error {
	if progress == nil || progress.OperationID == "" {
		return fmt.Errorf("progress requires an operation ID")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[progress.OperationID] = progress.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryProgressStore) LoadProgress(ctx context.Context, operationID string) (*StreamingProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	p, ok := s.entries[operationID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProgressNotFound, operationID)
	}
	return p.Clone(), nil
}

func (s *MemoryProgressStore) ListProgress(ctx context.Context) ([]*StreamingProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*StreamingProgress, 0, len(s.entries))
	for _, p := range s.entries {
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()
	sortProgress(out)
	return out, nil
}

func (s *MemoryProgressStore) DeleteProgress(_ context.Context, operationID string) error {
	s.mu.Lock()
	delete(s.entries, operationID)
	s.mu.Unlock()
	return nil
}

func sortProgress(entries []*StreamingProgress) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].OperationID < entries[j].OperationID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
