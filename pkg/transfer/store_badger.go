package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const progressKeyPrefix = "transfer:progress:"

// BadgerProgressStore persists progress in Badger at "transfer:progress:{id}".
type BadgerProgressStore struct {
	db *badger.DB
}

// NewBadgerProgressStore wraps an open Badger database.
func NewBadgerProgressStore(db *badger.DB) (*BadgerProgressStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerProgressStore{db: db}, nil
}

func (s *BadgerProgressStore) SaveProgress(ctx context.Context, progress *StreamingProgress) error {
	if progress == nil || progress.OperationID == "" {
		return fmt.Errorf("progress requires an operation ID")
	}
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode progress %s: %w", progress.OperationID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return txn.Set([]byte(progressKeyPrefix+progress.OperationID), data)
	})
}

func (s *BadgerProgressStore) LoadProgress(ctx context.Context, operationID string) (*StreamingProgress, error) {
	var progress StreamingProgress
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := txn.Get([]byte(progressKeyPrefix + operationID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrProgressNotFound, operationID)
			}
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &progress) })
	})
	if err != nil {
		return nil, err
	}
	return &progress, nil
}

func (s *BadgerProgressStore) ListProgress(ctx context.Context) ([]*StreamingProgress, error) {
	out := make([]*StreamingProgress, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(progressKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var progress StreamingProgress
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &progress) }); err != nil {
				continue
			}
			out = append(out, &progress)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortProgress(out)
	return out, nil
}

func (s *BadgerProgressStore) DeleteProgress(ctx context.Context, operationID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return txn.Delete([]byte(progressKeyPrefix + operationID))
	})
}
