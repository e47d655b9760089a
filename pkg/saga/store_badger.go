package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	sagaRecordPrefix      = "saga:rec:"
	sagaStatusIndexPrefix = "saga:idx:status:"
)

// BadgerRecordStore stores saga records in Badger with a per-status index.
type BadgerRecordStore struct {
	db *badger.DB
}

// NewBadgerRecordStore wraps an open Badger database.
func NewBadgerRecordStore(db *badger.DB) (*BadgerRecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerRecordStore{db: db}, nil
}

// Save writes rec at "saga:rec:{id}" and moves its status index entry.
func (s *BadgerRecordStore) Save(ctx context.Context, rec *SagaRecord) error {
	if rec == nil {
		return fmt.Errorf("saga record cannot be nil")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode saga record %s: %w", rec.ID, err)
	}
	key := []byte(recordKey(rec.ID))
	status := rec.Status.String()

	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if previous, err := getRecordInTxn(txn, rec.ID); err == nil {
			old := previous.Status.String()
			if old != status {
				if err := txn.Delete([]byte(statusIndexKey(old, rec.ID))); err != nil {
					return err
				}
			}
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(statusIndexKey(status, rec.ID)), []byte{})
	})
}

// Get loads one record.
func (s *BadgerRecordStore) Get(ctx context.Context, sagaID string) (*SagaRecord, error) {
	var rec *SagaRecord
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		rec, err = getRecordInTxn(txn, sagaID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List scans the status index when a status is given, otherwise every record.
func (s *BadgerRecordStore) List(ctx context.Context, filter ListFilter) ([]*SagaRecord, int, error) {
	records := make([]*SagaRecord, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		if filter.Status != "" {
			prefix := statusIndexPrefix(filter.Status)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(prefix)
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				sagaID := strings.TrimPrefix(string(it.Item().Key()), prefix)
				rec, err := getRecordInTxn(txn, sagaID)
				if err != nil {
					continue
				}
				records = append(records, rec)
			}
			return nil
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sagaRecordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec SagaRecord
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sortRecords(records)
	page, total := paginate(records, filter)
	return page, total, nil
}

// Delete removes a record and its index entry.
func (s *BadgerRecordStore) Delete(ctx context.Context, sagaID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := getRecordInTxn(txn, sagaID)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(recordKey(sagaID))); err != nil {
			return err
		}
		return txn.Delete([]byte(statusIndexKey(rec.Status.String(), sagaID)))
	})
}

func getRecordInTxn(txn *badger.Txn, sagaID string) (*SagaRecord, error) {
	item, err := txn.Get([]byte(recordKey(sagaID)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrSagaNotFound
		}
		return nil, err
	}
	var rec SagaRecord
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
		return nil, fmt.Errorf("decode saga record %s: %w", sagaID, err)
	}
	return &rec, nil
}

func recordKey(sagaID string) string {
	return sagaRecordPrefix + sagaID
}

func statusIndexPrefix(status string) string {
	return sagaStatusIndexPrefix + status + ":"
}

func statusIndexKey(status, sagaID string) string {
	return statusIndexPrefix(status) + sagaID
}
