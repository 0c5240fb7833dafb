package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type fakeExec struct {
	calls []execCall
	seen  map[string]bool
	err   error
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	if len(args) == 3 {
		k := args[0].(string) + "|" + args[1].(string)
		if f.seen[k] {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		}
		f.seen[k] = true
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag("DELETE 4"), nil
}

func TestCheckAndInsertDetectsDuplicates(t *testing.T) {
	db := &fakeExec{seen: map[string]bool{}}
	store := NewStore(db)
	ctx := context.Background()

	require.NoError(t, store.CheckAndInsert(ctx, " abc ", "leads.invoice"))
	require.ErrorIs(t, store.CheckAndInsert(ctx, "abc", "leads.invoice"), ErrConflict)
	require.NoError(t, store.CheckAndInsert(ctx, "abc", "leads.quote"))
}

func TestCheckAndInsertValidatesInput(t *testing.T) {
	store := NewStore(&fakeExec{seen: map[string]bool{}})
	require.Error(t, store.CheckAndInsert(context.Background(), "", "scope"))
	require.Error(t, store.CheckAndInsert(context.Background(), "k", ""))

	var nilStore *Store
	require.Error(t, nilStore.CheckAndInsert(context.Background(), "k", "s"))
}

func TestCheckAndInsertPassesThroughErrors(t *testing.T) {
	boom := errors.New("connection reset")
	store := NewStore(&fakeExec{err: boom})
	require.ErrorIs(t, store.CheckAndInsert(context.Background(), "k", "s"), boom)
}

func TestCleanupUsesCutoff(t *testing.T) {
	db := &fakeExec{seen: map[string]bool{}}
	store := NewStore(db)
	fixed := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	n, err := store.Cleanup(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	require.Len(t, db.calls, 1)
	require.Equal(t, fixed.Add(-24*time.Hour), db.calls[0].args[0])
}

func TestDeleteScopesKey(t *testing.T) {
	db := &fakeExec{seen: map[string]bool{}}
	store := NewStore(db)
	require.NoError(t, store.Delete(context.Background(), "k", "leads.quote"))
	require.Equal(t, []any{"k", "leads.quote"}, db.calls[0].args)
	require.Error(t, store.Delete(context.Background(), " ", "leads.quote"))
}
