package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/ordercore/internal/domain/idempotency"
)

const (
	findIdempotencyRecordSQL = `SELECT key, user_id, http_method, request_path,
		response_status, response_body, resource_id, resource_type,
		correlation_id, created_at, expires_at
		FROM idempotency_records WHERE key = $1 AND user_id = $2`

	insertIdempotencyRecordSQL = `INSERT INTO idempotency_records (key, user_id,
		http_method, request_path, response_status, response_body, resource_id,
		resource_type, correlation_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (key, user_id) DO UPDATE SET
			http_method = EXCLUDED.http_method,
			request_path = EXCLUDED.request_path,
			response_status = EXCLUDED.response_status,
			response_body = EXCLUDED.response_body,
			resource_id = EXCLUDED.resource_id,
			resource_type = EXCLUDED.resource_type,
			correlation_id = EXCLUDED.correlation_id,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= EXCLUDED.created_at`

	deleteIdempotencyRecordSQL = `DELETE FROM idempotency_records
		WHERE key = $1 AND user_id = $2`

	sweepIdempotencyRecordsSQL = `DELETE FROM idempotency_records
		WHERE (key, user_id) IN (
			SELECT key, user_id FROM idempotency_records
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
		)
		RETURNING key, user_id, http_method, request_path, response_status,
			response_body, resource_id, resource_type, correlation_id,
			created_at, expires_at`
)

var _ idempotency.Store = (*IdempotencyStore)(nil)

// IdempotencyStore implements idempotency.Store backed by PostgreSQL. The
// (key, user_id) primary key is what turns concurrent finalizations into the
// ErrRecordExists conflict the arbiter resolves.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore returns an IdempotencyStore that uses the given pool.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Find looks up the record for (key, userID). Returns
// idempotency.ErrRecordNotFound when absent.
func (s *IdempotencyStore) Find(ctx context.Context, key, userID string) (idempotency.Record, error) {
	rows, err := s.pool.Query(ctx, findIdempotencyRecordSQL, key, userID)
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("finding idempotency record: %w", err)
	}

	rec, err := pgx.CollectExactlyOneRow(rows, scanIdempotencyRecord)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return idempotency.Record{}, idempotency.ErrRecordNotFound
		}
		return idempotency.Record{}, fmt.Errorf("finding idempotency record: %w", err)
	}
	return rec, nil
}

// Insert persists a completed record. A live record under the same
// (key, userID) wins the conflict and yields idempotency.ErrRecordExists; a
// record that expired before rec was created is overwritten in place, same as
// the in-memory store.
func (s *IdempotencyStore) Insert(ctx context.Context, rec idempotency.Record) error {
	tag, err := s.pool.Exec(ctx, insertIdempotencyRecordSQL,
		rec.Key, rec.UserID, rec.HTTPMethod, rec.RequestPath,
		rec.ResponseStatus, rec.ResponseBody, rec.ResourceID, rec.ResourceType,
		rec.CorrelationID, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("inserting idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return idempotency.ErrRecordExists
	}
	return nil
}

// Delete removes the record for (key, userID). Deleting an absent record is
// not an error.
func (s *IdempotencyStore) Delete(ctx context.Context, key, userID string) error {
	_, err := s.pool.Exec(ctx, deleteIdempotencyRecordSQL, key, userID)
	if err != nil {
		return fmt.Errorf("deleting idempotency record: %w", err)
	}
	return nil
}

// SweepExpired removes up to limit expired records, oldest first, and returns
// the reclaimed batch.
func (s *IdempotencyStore) SweepExpired(ctx context.Context, now time.Time, limit int) ([]idempotency.Record, error) {
	rows, err := s.pool.Query(ctx, sweepIdempotencyRecordsSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("sweeping expired idempotency records: %w", err)
	}
	return pgx.CollectRows(rows, scanIdempotencyRecord)
}

func scanIdempotencyRecord(row pgx.CollectableRow) (idempotency.Record, error) {
	var rec idempotency.Record
	err := row.Scan(
		&rec.Key, &rec.UserID, &rec.HTTPMethod, &rec.RequestPath,
		&rec.ResponseStatus, &rec.ResponseBody, &rec.ResourceID, &rec.ResourceType,
		&rec.CorrelationID, &rec.CreatedAt, &rec.ExpiresAt,
	)
	return rec, err
}
