package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/polystore/polystore/pkg/saga"
)

const (
	journalKeyPrefix      = "audit:"
	journalSequencePrefix = "audit-seq:"
)

// JournalEntry is one persisted audit event.
type JournalEntry struct {
	Sequence uint64 `json:"sequence"`
	saga.AuditEvent
}

// BadgerJournal is an append-only audit log keyed by saga and sequence.
type BadgerJournal struct {
	db     *badger.DB
	ownsDB bool
	// Sequences are allocated read-modify-write; serialize appends.
	mu sync.Mutex
}

// OpenBadgerJournal opens a dedicated Badger database at path.
func OpenBadgerJournal(path string) (*BadgerJournal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	j, _ := NewBadgerJournal(db)
	j.ownsDB = true
	return j, nil
}

// NewBadgerJournal uses an existing database.
func NewBadgerJournal(db *badger.DB) (*BadgerJournal, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerJournal{db: db}, nil
}

// RecordEvent appends event to the saga's journal.
func (j *BadgerJournal) RecordEvent(ctx context.Context, event saga.AuditEvent) error {
	_, err := j.Append(ctx, event)
	return err
}

// Append stores event and returns its per-saga sequence number.
func (j *BadgerJournal) Append(ctx context.Context, event saga.AuditEvent) (uint64, error) {
	if event.SagaID == "" {
		return 0, fmt.Errorf("audit event saga_id cannot be empty")
	}
	if event.Kind == "" {
		return 0, fmt.Errorf("audit event kind cannot be empty")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	var sequence uint64
	err := j.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seqKey := []byte(journalSequencePrefix + event.SagaID)
		current, err := readSequence(txn, seqKey)
		if err != nil {
			return err
		}
		sequence = current + 1

		data, err := json.Marshal(JournalEntry{Sequence: sequence, AuditEvent: event})
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
		if err := txn.Set(journalEntryKey(event.SagaID, sequence), data); err != nil {
			return err
		}
		return txn.Set(seqKey, []byte(strconv.FormatUint(sequence, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("append audit entry: %w", err)
	}
	return sequence, nil
}

func readSequence(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var current uint64
	err = item.Value(func(v []byte) error {
		parsed, parseErr := strconv.ParseUint(string(v), 10, 64)
		current = parsed
		return parseErr
	})
	return current, err
}

// List returns a saga's entries in sequence order.
func (j *BadgerJournal) List(ctx context.Context, sagaID string) ([]JournalEntry, error) {
	entries := make([]JournalEntry, 0)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(journalSagaPrefix(sagaID))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry JournalEntry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			}); err != nil {
				return fmt.Errorf("decode audit entry: %w", err)
			}
			if entry.SagaID != sagaID {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteBySagaID removes every entry of a saga.
func (j *BadgerJournal) DeleteBySagaID(ctx context.Context, sagaID string) error {
	all, err := j.keys(ctx, journalSagaPrefix(sagaID))
	if err != nil {
		return err
	}
	keys := make([][]byte, 0, len(all)+1)
	for _, key := range all {
		if sagaIDFromKey(string(key)) == sagaID {
			keys = append(keys, key)
		}
	}
	keys = append(keys, []byte(journalSequencePrefix+sagaID))
	return j.deleteKeys(keys)
}

// Close closes the database if the journal opened it.
func (j *BadgerJournal) Close() error {
	if j.ownsDB {
		return j.db.Close()
	}
	return nil
}

func (j *BadgerJournal) keys(ctx context.Context, prefix string) ([][]byte, error) {
	keys := make([][]byte, 0)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (j *BadgerJournal) deleteKeys(keys [][]byte) error {
	wb := j.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func journalSagaPrefix(sagaID string) string {
	return journalKeyPrefix + sagaID + ":"
}

func journalEntryKey(sagaID string, sequence uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", journalKeyPrefix, sagaID, sequence))
}

// sagaIDFromKey extracts the saga ID; IDs may themselves contain colons.
func sagaIDFromKey(key string) string {
	rest, ok := strings.CutPrefix(key, journalKeyPrefix)
	if !ok {
		return ""
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return ""
	}
	return rest[:i]
}
