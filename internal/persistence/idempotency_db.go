package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresKeyStore answers dedup lookups from the operation log.
type PostgresKeyStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db, timeout: 500 * time.Millisecond}
}

// IsDuplicate checks whether an operation with this key was persisted.
func (s *PostgresKeyStore) IsDuplicate(ctx context.Context, operation, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1
		FROM vault_log.operations
		WHERE operation_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, operation, idempotencyKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
