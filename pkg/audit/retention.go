package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/polystore/polystore/pkg/logger"
)

// RetentionCleaner prunes journals of sagas that finished longer ago than the
// retention window. Sagas without a terminal event are never pruned.
type RetentionCleaner struct {
	journal *BadgerJournal
	logger  logger.Logger

	mu      sync.Mutex
	running bool
}

// NewRetentionCleaner creates a cleaner for journal.
func NewRetentionCleaner(journal *BadgerJournal, log logger.Logger) *RetentionCleaner {
	if log == nil {
		log = logger.Global()
	}
	return &RetentionCleaner{journal: journal, logger: log.With("component", "audit.retention")}
}

// Start runs RunOnce every interval until ctx is cancelled.
func (c *RetentionCleaner) Start(ctx context.Context, interval, retention time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("cleanup interval must be > 0")
	}
	if retention <= 0 {
		return fmt.Errorf("retention must be > 0")
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("retention cleaner already running")
	}
	c.running = true
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer func() {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := c.RunOnce(ctx, retention)
				if err != nil {
					c.logger.Warn("audit retention pass failed", "error", err)
					continue
				}
				if deleted > 0 {
					c.logger.Info("audit retention pass completed", "deleted_entries", deleted)
				}
			}
		}
	}()
	return nil
}

// RunOnce deletes the journals of sagas whose terminal event is older than
// retention and returns the number of entries removed.
func (c *RetentionCleaner) RunOnce(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be > 0")
	}
	cutoff := time.Now().UTC().Add(-retention)

	keysBySaga := make(map[string][][]byte)
	finishedAt := make(map[string]time.Time)
	err := c.journal.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(journalKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			sagaID := sagaIDFromKey(string(item.Key()))
			if sagaID == "" {
				continue
			}
			keysBySaga[sagaID] = append(keysBySaga[sagaID], item.KeyCopy(nil))

			var entry JournalEntry
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			}); err != nil {
				return fmt.Errorf("decode audit entry: %w", err)
			}
			if entry.Kind.IsTerminalSagaEvent() {
				finishedAt[sagaID] = entry.Timestamp
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var expired [][]byte
	deleted := 0
	for sagaID, at := range finishedAt {
		if at.IsZero() || at.After(cutoff) {
			continue
		}
		expired = append(expired, keysBySaga[sagaID]...)
		expired = append(expired, []byte(journalSequencePrefix+sagaID))
		deleted += len(keysBySaga[sagaID])
	}
	if deleted == 0 {
		return 0, nil
	}
	if err := c.journal.deleteKeys(expired); err != nil {
		return 0, fmt.Errorf("delete expired audit entries: %w", err)
	}
	return deleted, nil
}
