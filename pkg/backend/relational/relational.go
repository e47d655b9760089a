// Package relational implements backend.RecordStore on PostgreSQL.
package relational

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/polystore/polystore/pkg/backend"
)

const backendName = "postgres"

// Schema creates the records table. Apply it with EnsureSchema or a migration tool.
const Schema = `CREATE TABLE IF NOT EXISTS polystore_records (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	data       BYTEA NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, key)
)`

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Store is a RecordStore backed by a polystore_records table.
type Store struct {
	db *sql.DB
}

// Open connects to dsn with the lib/pq driver and pings the server.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, backend.Unavailable(backendName, err)
	}
	return New(db), nil
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the records table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return classify(err)
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts rec.
func (s *Store) Create(ctx context.Context, rec backend.Record) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO polystore_records (collection, key, data, metadata, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.Collection, rec.Key, rec.Data, meta, time.Now().UTC())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return &backend.DuplicateKeyError{EntityType: rec.Collection, ID: rec.Key}
		}
		return classify(err)
	}
	return nil
}

// Read loads one record.
func (s *Store) Read(ctx context.Context, collection, key string) (backend.Record, error) {
	var (
		rec  = backend.Record{Collection: collection, Key: key}
		meta []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, metadata, updated_at FROM polystore_records WHERE collection = $1 AND key = $2`,
		collection, key).Scan(&rec.Data, &meta, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return backend.Record{}, &backend.NotFoundError{EntityType: collection, ID: key}
	}
	if err != nil {
		return backend.Record{}, classify(err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return backend.Record{}, &backend.SerializationError{Operation: "decode metadata", Cause: err}
		}
	}
	return rec, nil
}

// Update overwrites an existing record.
func (s *Store) Update(ctx context.Context, rec backend.Record) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE polystore_records SET data = $3, metadata = $4, updated_at = $5 WHERE collection = $1 AND key = $2`,
		rec.Collection, rec.Key, rec.Data, meta, time.Now().UTC())
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return &backend.NotFoundError{EntityType: rec.Collection, ID: rec.Key}
	}
	return nil
}

// Delete removes a record; deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM polystore_records WHERE collection = $1 AND key = $2`, collection, key)
	return classify(err)
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, &backend.SerializationError{Operation: "encode metadata", Cause: err}
	}
	return b, nil
}

// classify maps connection-level failures to UnavailableError so the
// orchestrator retries them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return backend.Unavailable(backendName, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception. Class 57: operator intervention (shutdown).
		switch pqErr.Code.Class() {
		case "08", "57":
			return backend.Unavailable(backendName, err)
		}
	}
	return err
}
