package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict indicates a duplicate key.
var ErrConflict = errors.New("idempotent request already processed")

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists processed request keys per scope.
type Store struct {
	db  execer
	now func() time.Time
}

// NewStore constructs the store. Pass a *pgxpool.Pool in production.
func NewStore(db execer) *Store {
	return &Store{db: db, now: time.Now}
}

// CheckAndInsert records the key, returning ErrConflict when it was already seen
// within the scope.
func (s *Store) CheckAndInsert(ctx context.Context, key, scope string) error {
	if s == nil || s.db == nil {
		return errors.New("idempotency store not initialised")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("idempotency key required")
	}
	if scope == "" {
		return errors.New("idempotency scope required")
	}
	_, err := s.db.Exec(ctx, `INSERT INTO idempotency_keys (key, scope, created_at) VALUES ($1, $2, $3)`, key, scope, s.now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return err
	}
	return nil
}

// Cleanup removes entries older than retention and reports how many went.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-olderThan)
	tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Delete removes a key so a failed request can be retried with it.
func (s *Store) Delete(ctx context.Context, key, scope string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND scope = $2`, strings.TrimSpace(key), scope)
	return err
}
