package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/medialens/arena-collector/internal/coord"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	store.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return store, mock
}

func TestAcquireCredentialCommitsLeaseAndQuota(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := store.now()
	windowStart := coord.DailyWindowStart(now)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("lease:cred-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT holder, expires_at FROM leases").
		WithArgs("cred-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT count FROM quota_counters").
		WithArgs("quota:daily:cred-1", windowStart).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec("INSERT INTO leases").
		WithArgs("cred-1", "holder-a", now.Add(time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO quota_counters").
		WithArgs("quota:daily:cred-1", windowStart).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ok, err := store.AcquireCredential(context.Background(), "cred-1", "holder-a", time.Hour, []coord.Quota{
		{Key: "quota:daily:cred-1", Limit: 10, WindowStart: windowStart},
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireCredentialHeldByOther(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := store.now()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("lease:cred-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT holder, expires_at FROM leases").
		WithArgs("cred-1").
		WillReturnRows(pgxmock.NewRows([]string{"holder", "expires_at"}).
			AddRow("holder-b", now.Add(30*time.Minute)))
	mock.ExpectRollback()

	ok, err := store.AcquireCredential(context.Background(), "cred-1", "holder-a", time.Hour, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireCredentialQuotaExhausted(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	windowStart := coord.DailyWindowStart(store.now())

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("lease:cred-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT holder, expires_at FROM leases").
		WithArgs("cred-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT count FROM quota_counters").
		WithArgs("quota:daily:cred-1", windowStart).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectRollback()

	ok, err := store.AcquireCredential(context.Background(), "cred-1", "h", time.Hour, []coord.Quota{
		{Key: "quota:daily:cred-1", Limit: 10, WindowStart: windowStart},
	})
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseLeaseIdempotent(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM leases").
		WithArgs("cred-1", "holder-a").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, store.ReleaseLease(context.Background(), "cred-1", "holder-a"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTakeSlotAdmitsUnderLimit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := store.now()
	cutoff := now.Add(-time.Second)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("slots:X").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("DELETE FROM rate_slots").
		WithArgs("X", cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectQuery(`SELECT count\(\*\) FROM rate_slots`).
		WithArgs("X", cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectExec("INSERT INTO rate_slots").
		WithArgs("X", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ok, err := store.TakeSlot(context.Background(), "X", 5, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTakeSlotRejectsAtLimit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cutoff := store.now().Add(-time.Second)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("slots:X").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("DELETE FROM rate_slots").
		WithArgs("X", cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM rate_slots`).
		WithArgs("X", cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectRollback()

	ok, err := store.TakeSlot(context.Background(), "X", 5, time.Second)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCooldownRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	until := store.now().Add(time.Minute)

	mock.ExpectExec("INSERT INTO cooldowns").
		WithArgs("cred-1", until).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT until_ts FROM cooldowns").
		WithArgs("cred-1", store.now()).
		WillReturnRows(pgxmock.NewRows([]string{"until_ts"}).AddRow(until))
	mock.ExpectExec("DELETE FROM cooldowns").
		WithArgs("cred-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	ctx := context.Background()
	require.NoError(t, store.SetCooldown(ctx, "cred-1", until))

	got, active, err := store.CooldownUntil(ctx, "cred-1")
	require.NoError(t, err)
	require.True(t, active)
	require.Equal(t, until, got)

	require.NoError(t, store.ClearCooldown(ctx, "cred-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
