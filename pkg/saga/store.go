package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ListFilter narrows a record listing.
type ListFilter struct {
	// Status matches one status name; empty lists everything.
	Status string
	Limit  int
	Offset int
}

// RecordStore persists saga records. Get returns ErrSagaNotFound for unknown IDs.
type RecordStore interface {
	Save(ctx context.Context, rec *SagaRecord) error
	Get(ctx context.Context, sagaID string) (*SagaRecord, error)
	List(ctx context.Context, filter ListFilter) ([]*SagaRecord, int, error)
	Delete(ctx context.Context, sagaID string) error
}

// MemoryRecordStore keeps saga records in process memory.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]*SagaRecord
}

// NewMemoryRecordStore creates an empty in-memory store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*SagaRecord)}
}

// Save stores a copy of rec.
func (s *MemoryRecordStore) Save(ctx context.Context, rec *SagaRecord) error {
	if rec == nil {
		return fmt.Errorf("saga record cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[rec.ID] = rec.Clone()
	s.mu.Unlock()
	return nil
}

// Get returns a copy of one record.
func (s *MemoryRecordStore) Get(ctx context.Context, sagaID string) (*SagaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec, ok := s.records[sagaID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSagaNotFound
	}
	return rec.Clone(), nil
}

// List returns records ordered by creation time, oldest first.
func (s *MemoryRecordStore) List(ctx context.Context, filter ListFilter) ([]*SagaRecord, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	all := make([]*SagaRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Status != "" && rec.Status.String() != filter.Status {
			continue
		}
		all = append(all, rec.Clone())
	}
	s.mu.RUnlock()

	sortRecords(all)
	page, total := paginate(all, filter)
	return page, total, nil
}

// Delete removes one record.
func (s *MemoryRecordStore) Delete(_ context.Context, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[sagaID]; !ok {
		return ErrSagaNotFound
	}
	delete(s.records, sagaID)
	return nil
}

func sortRecords(records []*SagaRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

func paginate(records []*SagaRecord, filter ListFilter) ([]*SagaRecord, int) {
	total := len(records)
	offset := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}
	return records[offset:end], total
}
