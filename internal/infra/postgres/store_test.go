package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebank-app/timebank/internal/domain"
)

// newTestDB connects to TIMEBANK_TEST_POSTGRES_DSN and clears every table.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TIMEBANK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TIMEBANK_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn, Options{MaxConns: 4})
	require.NoError(t, err)
	_, err = db.pool.Exec(ctx, `TRUNCATE reward_claims, unlocked_sessions, ledger_checkpoints,
		ledger_archive, ledger_entries, time_banks`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func appendEntry(t *testing.T, db *DB, userID string, delta int64, key string, at time.Time) domain.LedgerEntry {
	t.Helper()
	ctx := context.Background()
	var out domain.LedgerEntry
	err := db.WithBank(ctx, userID, func(tx domain.BankTx) error {
		bank := tx.Bank()
		typ := domain.EntryEarn
		if delta < 0 {
			typ = domain.EntrySpend
		}
		out = domain.LedgerEntry{
			ID:                  strings.ReplaceAll(key, ":", "-") + "-entry",
			UserID:              userID,
			Type:                typ,
			DeltaSeconds:        delta,
			BalanceAfterSeconds: bank.BalanceSeconds + delta,
			Source:              domain.SourceTaskCompletion,
			IdempotencyKey:      key,
			CreatedAt:           at,
			Metadata:            domain.Metadata{domain.MetaEventID: key},
		}
		if err := tx.InsertEntry(ctx, &out); err != nil {
			return err
		}
		bank.BalanceSeconds += delta
		bank.UpdatedAt = at
		return tx.SaveBank(ctx, bank)
	})
	require.NoError(t, err)
	return out
}

func TestPostgres_BankAndLedger(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.CreateBank(ctx, "kid", t0)
	require.NoError(t, err)
	_, err = db.CreateBank(ctx, "kid", t0)
	assert.ErrorIs(t, err, domain.ErrBankExists)

	e1 := appendEntry(t, db, "kid", 600, "a", t0)
	e2 := appendEntry(t, db, "kid", -100, "b", t0.Add(time.Minute))
	assert.Greater(t, e2.Seq, e1.Seq)

	bank, err := db.GetBank(ctx, "kid")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bank.BalanceSeconds)

	entries, err := db.ListEntries(ctx, "kid", domain.EntryQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, e2.ID, entries[0].ID)
	assert.Equal(t, "a", entries[1].Metadata[domain.MetaEventID])

	_, err = db.pool.Exec(ctx, `UPDATE ledger_entries SET delta_seconds = 1`)
	assert.Error(t, err, "ledger entries must be immutable")
}

func TestPostgres_DuplicateKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateBank(ctx, "kid", t0)
	appendEntry(t, db, "kid", 60, "same", t0)

	err := db.WithBank(ctx, "kid", func(tx domain.BankTx) error {
		found, err := tx.FindEntry(ctx, "same")
		require.NoError(t, err)
		require.NotNil(t, found)

		e := domain.LedgerEntry{
			ID: "dup", UserID: "kid", Type: domain.EntryEarn, DeltaSeconds: 1,
			BalanceAfterSeconds: 61, Source: domain.SourceParentGrant,
			IdempotencyKey: "same", CreatedAt: t0,
		}
		return tx.InsertEntry(ctx, &e)
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateOperation)
}

func TestPostgres_ArchiveAndSnapshot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateBank(ctx, "kid", t0)
	appendEntry(t, db, "kid", 100, "old", t0)
	appendEntry(t, db, "kid", 20, "new", t0.Add(48*time.Hour))

	moved, err := db.ArchiveEntries(ctx, "kid", t0.Add(time.Hour), 100, t0.Add(72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	snap, err := db.Snapshot(ctx, "kid")
	require.NoError(t, err)
	require.NotNil(t, snap.Checkpoint)
	assert.Equal(t, int64(100), snap.Checkpoint.BalanceSeconds)
	assert.Equal(t, int64(100), snap.ArchivedDeltaSum)
	assert.Len(t, snap.Entries, 1)

	err = db.WithBank(ctx, "kid", func(tx domain.BankTx) error {
		e, err := tx.FindEntry(ctx, "old")
		if err == nil && e == nil {
			return errors.New("archived key not found")
		}
		return err
	})
	assert.NoError(t, err)
}

func TestPostgres_SessionsAndClaims(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateBank(ctx, "kid", t0)
	e := appendEntry(t, db, "kid", 300, "task:9:approved", t0)

	orphans, err := db.UnclaimedRewardEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	require.NoError(t, db.InsertClaim(ctx, domain.RewardClaim{
		EventID: "task:9:approved", UserID: "kid", RewardSeconds: 300,
		Source: domain.SourceTaskCompletion, EntryID: e.ID, ClaimedAt: t0,
	}))
	orphans, err = db.UnclaimedRewardEntries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	err = db.WithBank(ctx, "kid", func(tx domain.BankTx) error {
		return tx.InsertSession(ctx, domain.UnlockedSession{
			ID: "s1", UserID: "kid", DurationSeconds: 60, CostSeconds: 60,
			StartedAt: t0, EndsAt: t0.Add(time.Minute), Status: domain.SessionActive,
			LedgerEntryID: e.ID,
		})
	})
	require.NoError(t, err)

	n, err := db.ExpireSessions(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	err = db.TransitionSession(ctx, "s1", domain.SessionActive, domain.SessionCancelled, t0)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestPostgres_ArchivedRewardLookup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateBank(ctx, "kid", t0)
	old := appendEntry(t, db, "kid", 300, "task:1:approved", t0)
	hot := appendEntry(t, db, "kid", 60, "task:2:approved", t0.Add(48*time.Hour))

	_, err := db.ArchiveEntries(ctx, "kid", t0.Add(time.Hour), 100, t0.Add(72*time.Hour))
	require.NoError(t, err)

	got, err := db.FindRewardEntry(ctx, "task:1:approved")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, old.ID, got.ID)
	assert.Equal(t, "kid", got.UserID)

	got, err = db.FindRewardEntry(ctx, "task:3:approved")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, db.InsertClaim(ctx, domain.RewardClaim{
		EventID: "task:2:approved", UserID: "sib", RewardSeconds: 60,
		Source: domain.SourceTaskCompletion, EntryID: "other", ClaimedAt: t0,
	}))
	orphans, err := db.UnclaimedRewardEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	assert.Equal(t, old.ID, orphans[0].ID)
	assert.Equal(t, hot.ID, orphans[1].ID)
}

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr("op", nil))
	assert.ErrorIs(t, mapErr("op", context.DeadlineExceeded), domain.ErrTransient)
	assert.ErrorIs(t, mapErr("op", domain.ErrBankNotFound), domain.ErrBankNotFound)
}
