package persist

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreWithDB(db), mock
}

func finalizedRows(finalized bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"exists"}).AddRow(finalized)
}

func TestPostgresAppendOK(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WithArgs("t1", "m1").WillReturnRows(finalizedRows(false))
	mock.ExpectExec("INSERT INTO chunks").
		WithArgs("t1", "m1", int64(0), "text", "hello", sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.AppendChunk(context.Background(), chunk("t1", "m1", 0, "hello", false))
	if err != nil || result != AppendOK {
		t.Fatalf("append = %v, %v", result, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresAppendDedup(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WithArgs("t1", "m1").WillReturnRows(finalizedRows(false))
	mock.ExpectExec("INSERT INTO chunks").
		WithArgs("t1", "m1", int64(0), "text", "hello", sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	result, err := store.AppendChunk(context.Background(), chunk("t1", "m1", 0, "hello", false))
	if err != nil || result != AppendDedup {
		t.Fatalf("append = %v, %v, want dedup", result, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresFinalizedShortCircuit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WithArgs("t1", "m1").WillReturnRows(finalizedRows(true))
	mock.ExpectRollback()

	result, err := store.AppendChunk(context.Background(), chunk("t1", "m1", 5, "late", false))
	if err != nil || result != AppendDedup {
		t.Fatalf("append = %v, %v, want dedup without insert", result, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresPermanentFailureClassification(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WithArgs("t1", "m1").WillReturnRows(finalizedRows(false))
	mock.ExpectExec("INSERT INTO chunks").
		WillReturnError(&pq.Error{Code: "23502", Message: "null value in column"})
	mock.ExpectRollback()

	_, err := store.AppendChunk(context.Background(), chunk("t1", "m1", 0, "x", false))
	if err == nil || !IsPermanent(err) {
		t.Fatalf("err = %v, want permanent classification", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresTransientFailureNotPermanent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WithArgs("t1", "m1").WillReturnRows(finalizedRows(false))
	mock.ExpectExec("INSERT INTO chunks").
		WillReturnError(&pq.Error{Code: "57P01", Message: "terminating connection"})
	mock.ExpectRollback()

	_, err := store.AppendChunk(context.Background(), chunk("t1", "m1", 0, "x", false))
	if err == nil || IsPermanent(err) {
		t.Fatalf("err = %v, want retryable classification", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
