// Package memstore is an in-process Store implementation for tests and
// local development. It honors the same conditional-write semantics as the
// hosted NoSQL backend (store/dynamodb): a single mutex stands in for the
// backend's per-item conditional write, since there is only one process to
// serialize here.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/vortex-fintech/idempotency-go/idemerr"
	"github.com/vortex-fintech/idempotency-go/store"
)

// Store is a mutex-guarded map of DataRecord keyed by IdempotencyKey.
type Store struct {
	mu   sync.Mutex
	rows map[string]store.DataRecord
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{rows: make(map[string]store.DataRecord)}
}

func (s *Store) Put(_ context.Context, rec store.DataRecord, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rows[rec.IdempotencyKey]
	if ok && !existing.IsLogicallyAbsent(now) {
		existingCopy := existing
		return &idemerr.ItemAlreadyExistsError{Key: rec.IdempotencyKey, Existing: existingCopy}
	}

	s.rows[rec.IdempotencyKey] = rec
	return nil
}

func (s *Store) Get(_ context.Context, key string) (store.DataRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rows[key]
	if !ok {
		return store.DataRecord{}, idemerr.ErrItemNotFound
	}
	return rec, nil
}

func (s *Store) Update(_ context.Context, rec store.DataRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rows[rec.IdempotencyKey] = rec
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rows, key)
	return nil
}

// Len reports the number of rows currently held, mostly useful in tests
// asserting on garbage collection behavior.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
