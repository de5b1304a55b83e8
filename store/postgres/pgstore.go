package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vortex-fintech/idempotency-go/idemerr"
	"github.com/vortex-fintech/idempotency-go/store"
)

// Store persists DataRecords in a single Postgres table via a Runner.
type Store struct {
	runner Runner
	cfg    Config

	putQuery    string
	getQuery    string
	updateQuery string
	deleteQuery string
}

var _ store.Store = (*Store)(nil)

// New builds a Store from an already-connected Runner (a pool, or a
// transaction via RunnerFromTx).
func New(runner Runner, cfg Config) (*Store, error) {
	if runner == nil {
		return nil, errors.New("postgres: runner is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Columns = cfg.Columns.WithDefaults()
	cols := cfg.Columns

	s := &Store{runner: runner, cfg: cfg}
	s.putQuery = fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, %[3]s, %[4]s, %[5]s, %[6]s, %[7]s)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (%[2]s) DO UPDATE SET
			%[3]s = EXCLUDED.%[3]s,
			%[4]s = EXCLUDED.%[4]s,
			%[5]s = EXCLUDED.%[5]s,
			%[6]s = EXCLUDED.%[6]s,
			%[7]s = EXCLUDED.%[7]s
		WHERE %[1]s.%[4]s < $7
		   OR (%[1]s.%[3]s = $8 AND %[1]s.%[5]s < $9)
		RETURNING %[2]s`,
		cfg.TableName, cols.PrimaryKeyAttr, cols.StatusAttr, cols.ExpiresAtAttr,
		cols.InProgressLeaseExpiryAttr, cols.ResponseDataAttr, cols.PayloadHashAttr)

	s.getQuery = fmt.Sprintf(
		`SELECT %[2]s, %[3]s, %[4]s, %[5]s, %[6]s FROM %[1]s WHERE %[7]s = $1`,
		cfg.TableName, cols.StatusAttr, cols.ExpiresAtAttr, cols.InProgressLeaseExpiryAttr,
		cols.ResponseDataAttr, cols.PayloadHashAttr, cols.PrimaryKeyAttr)

	s.updateQuery = fmt.Sprintf(
		`UPDATE %[1]s SET %[3]s = $2, %[4]s = $3, %[5]s = $4, %[6]s = $5, %[7]s = $6 WHERE %[2]s = $1`,
		cfg.TableName, cols.PrimaryKeyAttr, cols.StatusAttr, cols.ExpiresAtAttr,
		cols.InProgressLeaseExpiryAttr, cols.ResponseDataAttr, cols.PayloadHashAttr)

	s.deleteQuery = fmt.Sprintf(`DELETE FROM %[1]s WHERE %[2]s = $1`, cfg.TableName, cols.PrimaryKeyAttr)

	return s, nil
}

func (s *Store) Put(ctx context.Context, rec store.DataRecord, now time.Time) error {
	var responseData any
	if len(rec.ResponseData) > 0 {
		responseData = rec.ResponseData
	}
	var payloadHash any
	if rec.PayloadHash != "" {
		payloadHash = rec.PayloadHash
	}
	var leaseMillis any
	if !rec.InProgressLeaseExpiry.IsZero() {
		leaseMillis = rec.InProgressLeaseExpiry.UnixMilli()
	}

	var returnedKey string
	err := s.runner.QueryRow(ctx, s.putQuery,
		rec.IdempotencyKey, string(rec.Status), rec.ExpiresAt.Unix(), leaseMillis, responseData, payloadHash,
		now.Unix(), string(store.StatusInProgress), now.UnixMilli(),
	).Scan(&returnedKey)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return idemerr.Persistence("put", err)
	}

	existing, getErr := s.Get(ctx, rec.IdempotencyKey)
	if getErr != nil {
		if errors.Is(getErr, idemerr.ErrItemNotFound) {
			// The row that won the race was deleted between our failed
			// conditional upsert and this follow-up Get.
			return &idemerr.ItemAlreadyExistsError{Key: rec.IdempotencyKey}
		}
		return idemerr.Persistence("put", getErr)
	}
	return &idemerr.ItemAlreadyExistsError{Key: rec.IdempotencyKey, Existing: existing}
}

func (s *Store) Get(ctx context.Context, key string) (store.DataRecord, error) {
	var (
		status       string
		expiresAt    int64
		leaseMillis  *int64
		responseData []byte
		payloadHash  *string
	)
	err := s.runner.QueryRow(ctx, s.getQuery, key).Scan(&status, &expiresAt, &leaseMillis, &responseData, &payloadHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.DataRecord{}, idemerr.ErrItemNotFound
		}
		return store.DataRecord{}, idemerr.Persistence("get", err)
	}

	rec := store.DataRecord{
		IdempotencyKey: key,
		Status:         store.Status(status),
		ExpiresAt:      time.Unix(expiresAt, 0).UTC(),
		ResponseData:   responseData,
	}
	if leaseMillis != nil {
		rec.InProgressLeaseExpiry = time.UnixMilli(*leaseMillis).UTC()
	}
	if payloadHash != nil {
		rec.PayloadHash = *payloadHash
	}
	return rec, nil
}

func (s *Store) Update(ctx context.Context, rec store.DataRecord) error {
	var responseData any
	if len(rec.ResponseData) > 0 {
		responseData = rec.ResponseData
	}
	var payloadHash any
	if rec.PayloadHash != "" {
		payloadHash = rec.PayloadHash
	}
	var leaseMillis any
	if !rec.InProgressLeaseExpiry.IsZero() {
		leaseMillis = rec.InProgressLeaseExpiry.UnixMilli()
	}

	tag, err := s.runner.Exec(ctx, s.updateQuery,
		rec.IdempotencyKey, string(rec.Status), rec.ExpiresAt.Unix(), leaseMillis, responseData, payloadHash)
	if err != nil {
		return idemerr.Persistence("update", err)
	}
	if tag.RowsAffected() == 0 {
		return idemerr.ErrItemNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.runner.Exec(ctx, s.deleteQuery, key); err != nil {
		return idemerr.Persistence("delete", err)
	}
	return nil
}
