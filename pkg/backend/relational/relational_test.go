package relational

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/polystore/polystore/pkg/backend"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCreate(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("INSERT INTO polystore_records").
		WithArgs("documents", "doc-1", []byte("payload"), []byte(`{"owner":"alice"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Create(context.Background(), backend.Record{
		Collection: "documents",
		Key:        "doc-1",
		Data:       []byte("payload"),
		Metadata:   map[string]string{"owner": "alice"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateDuplicate(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("INSERT INTO polystore_records").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.Create(context.Background(), backend.Record{Collection: "documents", Key: "doc-1"})
	if !errors.Is(err, backend.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestReadFound(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT data, metadata, updated_at FROM polystore_records").
		WithArgs("documents", "doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"data", "metadata", "updated_at"}).
			AddRow([]byte("payload"), []byte(`{"owner":"alice"}`), now))

	rec, err := store.Read(context.Background(), "documents", "doc-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(rec.Data) != "payload" || rec.Metadata["owner"] != "alice" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestReadNotFound(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("SELECT data, metadata, updated_at FROM polystore_records").
		WithArgs("documents", "missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Read(context.Background(), "documents", "missing")
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMissingRow(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("UPDATE polystore_records").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), backend.Record{Collection: "documents", Key: "missing"})
	if !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("DELETE FROM polystore_records").
		WithArgs("documents", "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Delete(context.Background(), "documents", "doc-1"); err != nil {
		t.Fatalf("delete of missing row: %v", err)
	}
}

func TestConnectionErrorsAreUnavailable(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec("DELETE FROM polystore_records").
		WillReturnError(&net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")})
	if err := store.Delete(context.Background(), "c", "k"); !backend.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}

	mock.ExpectExec("UPDATE polystore_records").
		WillReturnError(&pq.Error{Code: "57P01", Message: "terminating connection due to administrator command"})
	if err := store.Update(context.Background(), backend.Record{Collection: "c", Key: "k"}); !backend.IsUnavailable(err) {
		t.Fatalf("expected unavailable error for admin shutdown, got %v", err)
	}
}
