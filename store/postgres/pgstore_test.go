package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vortex-fintech/idempotency-go/idemerr"
	"github.com/vortex-fintech/idempotency-go/store"
)

func TestNew_RequiresTableName(t *testing.T) {
	t.Parallel()

	if _, err := New(&runnerStub{}, Config{}); err == nil {
		t.Fatalf("expected error for missing table name")
	}
}

func TestNew_RequiresRunner(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, Config{TableName: "idempotency_records"}); err == nil {
		t.Fatalf("expected error for nil runner")
	}
}

func TestPut_InsertSucceeds(t *testing.T) {
	t.Parallel()

	r := &runnerStub{rows: []pgx.Row{rowStub{scanFn: scanKey("k1")}}}
	s, err := New(r, Config{TableName: "idempotency_records"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Now().UTC()
	rec := store.DataRecord{
		IdempotencyKey:         "k1",
		Status:                 store.StatusInProgress,
		ExpiresAt:              now.Add(time.Minute),
		InProgressLeaseExpiry:  now.Add(5 * time.Second),
	}
	if err := s.Put(context.Background(), rec, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.queryRowArgs) != 1 {
		t.Fatalf("expected one query row call, got %d", len(r.queryRowArgs))
	}
}

func TestPut_ConflictReturnsExisting(t *testing.T) {
	t.Parallel()

	existing := store.DataRecord{
		IdempotencyKey: "k1",
		Status:         store.StatusCompleted,
		ExpiresAt:      time.Now().UTC().Add(time.Minute),
	}
	r := &runnerStub{rows: []pgx.Row{
		rowStub{err: pgx.ErrNoRows},
		rowStub{scanFn: scanRow(existing)},
	}}
	s, err := New(r, Config{TableName: "idempotency_records"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = s.Put(context.Background(), store.DataRecord{IdempotencyKey: "k1", Status: store.StatusInProgress, ExpiresAt: time.Now().UTC().Add(time.Minute)}, time.Now().UTC())
	var already *idemerr.ItemAlreadyExistsError
	if !errors.As(err, &already) {
		t.Fatalf("expected ItemAlreadyExistsError, got %v", err)
	}
	got, ok := already.Existing.(store.DataRecord)
	if !ok || got.IdempotencyKey != "k1" {
		t.Fatalf("expected existing record on conflict, got %+v", already.Existing)
	}
}

func TestPut_ConflictRowGoneReturnsExistsWithoutExisting(t *testing.T) {
	t.Parallel()

	r := &runnerStub{rows: []pgx.Row{
		rowStub{err: pgx.ErrNoRows},
		rowStub{err: pgx.ErrNoRows},
	}}
	s, err := New(r, Config{TableName: "idempotency_records"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = s.Put(context.Background(), store.DataRecord{IdempotencyKey: "k1", Status: store.StatusInProgress, ExpiresAt: time.Now().UTC().Add(time.Minute)}, time.Now().UTC())
	var already *idemerr.ItemAlreadyExistsError
	if !errors.As(err, &already) {
		t.Fatalf("expected ItemAlreadyExistsError, got %v", err)
	}
	if already.Existing != nil {
		t.Fatalf("expected no existing record when the conflicting row vanished")
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	r := &runnerStub{rows: []pgx.Row{rowStub{err: pgx.ErrNoRows}}}
	s, err := New(r, Config{TableName: "idempotency_records"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = s.Get(context.Background(), "missing")
	if !errors.Is(err, idemerr.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestUpdate_NoRowsAffectedIsNotFound(t *testing.T) {
	t.Parallel()

	r := &runnerStub{execResults: []execResult{{tag: mustTag("UPDATE 0")}}}
	s, err := New(r, Config{TableName: "idempotency_records"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = s.Update(context.Background(), store.DataRecord{IdempotencyKey: "k1", Status: store.StatusCompleted})
	if !errors.Is(err, idemerr.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestDelete_Succeeds(t *testing.T) {
	t.Parallel()

	r := &runnerStub{execResults: []execResult{{tag: mustTag("DELETE 1")}}}
	s, err := New(r, Config{TableName: "idempotency_records"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.Delete(context.Background(), "k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type execResult struct {
	tag pgconn.CommandTag
	err error
}

type runnerStub struct {
	rows         []pgx.Row
	queryRowArgs [][]any
	execResults  []execResult
	execCalls    int
}

func (r *runnerStub) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	if r.execCalls >= len(r.execResults) {
		return mustTag("UPDATE 0"), nil
	}
	res := r.execResults[r.execCalls]
	r.execCalls++
	return res.tag, res.err
}

func (r *runnerStub) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	r.queryRowArgs = append(r.queryRowArgs, args)
	if len(r.rows) == 0 {
		return rowStub{err: sql.ErrNoRows}
	}
	out := r.rows[0]
	r.rows = r.rows[1:]
	return out
}

type rowStub struct {
	err    error
	scanFn func(dest ...any) error
}

func (r rowStub) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return nil
}

func scanKey(key string) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = key
		return nil
	}
}

func scanRow(rec store.DataRecord) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = string(rec.Status)
		*(dest[1].(*int64)) = rec.ExpiresAt.Unix()
		*(dest[2].(**int64)) = nil
		*(dest[3].(*[]byte)) = rec.ResponseData
		*(dest[4].(**string)) = nil
		return nil
	}
}

func mustTag(v string) pgconn.CommandTag {
	return pgconn.NewCommandTag(v)
}
