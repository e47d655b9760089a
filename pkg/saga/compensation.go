package saga

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// IdempotencyStore remembers compensations that already succeeded so they are
// never invoked twice for the same saga execution.
type IdempotencyStore interface {
	Seen(key string) bool
	Mark(key string)
	Forget(key string)
}

// InMemoryIdempotencyStore is a concurrent in-process IdempotencyStore.
type InMemoryIdempotencyStore struct {
	keys *xsync.MapOf[string, struct{}]
}

// NewInMemoryIdempotencyStore creates an empty store.
func NewInMemoryIdempotencyStore() *InMemoryIdempotencyStore {
	return &InMemoryIdempotencyStore{keys: xsync.NewMapOf[string, struct{}]()}
}

// Seen checks whether key was recorded.
func (s *InMemoryIdempotencyStore) Seen(key string) bool {
	_, ok := s.keys.Load(key)
	return ok
}

// Mark records key.
func (s *InMemoryIdempotencyStore) Mark(key string) {
	s.keys.Store(key, struct{}{})
}

// Forget removes key.
func (s *InMemoryIdempotencyStore) Forget(key string) {
	s.keys.Delete(key)
}

// Len returns the number of recorded keys.
func (s *InMemoryIdempotencyStore) Len() int {
	return s.keys.Size()
}

// CompensationIdempotencyKey builds the key for one step's compensation.
func CompensationIdempotencyKey(sagaID, stepID string) string {
	return fmt.Sprintf("%s:%s", sagaID, stepID)
}
