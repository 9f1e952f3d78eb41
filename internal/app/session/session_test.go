package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebank-app/timebank/internal/app/ledger"
	"github.com/timebank-app/timebank/internal/domain"
	"github.com/timebank-app/timebank/internal/infra/sqlite"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ledger   *ledger.Service
	sessions *Manager
	clock    *clock
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := &clock{t: time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC)}
	l := ledger.New(db, clk.Now)
	ctx := context.Background()
	_, err = l.OpenBank(ctx, "kid")
	require.NoError(t, err)
	if balance > 0 {
		_, err = l.Append(ctx, ledger.AppendRequest{
			UserID: "kid", Type: domain.EntryEarn, DeltaSeconds: balance, Source: domain.SourceParentGrant,
		})
		require.NoError(t, err)
	}
	return &fixture{ledger: l, sessions: NewManager(l, db), clock: clk}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	bank, err := f.ledger.Balance(context.Background(), "kid")
	require.NoError(t, err)
	return bank.BalanceSeconds
}

func TestStart_DebitsAndOpens(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()

	res, err := f.sessions.Start(ctx, StartRequest{UserID: "kid", DurationSeconds: 1800, CostSeconds: 600})
	require.NoError(t, err)

	assert.Equal(t, int64(300), f.balance(t))
	assert.Equal(t, domain.SessionActive, res.Session.Status)
	assert.Equal(t, res.Entry.ID, res.Session.LedgerEntryID)
	assert.Equal(t, int64(-600), res.Entry.DeltaSeconds)
	assert.Equal(t, domain.EntrySpend, res.Entry.Type)
	assert.Equal(t, res.Session.ID, res.Entry.Metadata[domain.MetaSessionID])
	assert.Equal(t, res.Session.StartedAt.Add(30*time.Minute), res.Session.EndsAt)

	unlocked, err := f.sessions.IsUnlocked(ctx, "kid")
	require.NoError(t, err)
	assert.True(t, unlocked)
}

func TestStart_InsufficientLeavesNothing(t *testing.T) {
	f := newFixture(t, 300)
	ctx := context.Background()

	_, err := f.sessions.Start(ctx, StartRequest{UserID: "kid", DurationSeconds: 1800, CostSeconds: 600})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	assert.Equal(t, int64(300), f.balance(t))
	active, err := f.sessions.Active(ctx, "kid")
	require.NoError(t, err)
	assert.Empty(t, active)
	page, _ := f.ledger.History(ctx, "kid", ledger.HistoryQuery{})
	assert.Len(t, page.Entries, 1, "only the seed entry")
}

func TestStart_Idempotent(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()
	req := StartRequest{UserID: "kid", DurationSeconds: 600, CostSeconds: 300, IdempotencyKey: "tap-1"}

	first, err := f.sessions.Start(ctx, req)
	require.NoError(t, err)
	second, err := f.sessions.Start(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, int64(600), f.balance(t))
}

func TestStart_KeyOwnedByNonSessionEntry(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()
	_, err := f.ledger.Append(ctx, ledger.AppendRequest{
		UserID: "kid", Type: domain.EntryEarn, DeltaSeconds: 10,
		Source: domain.SourceParentGrant, IdempotencyKey: "shared",
	})
	require.NoError(t, err)

	_, err = f.sessions.Start(ctx, StartRequest{UserID: "kid", DurationSeconds: 60, CostSeconds: 60, IdempotencyKey: "shared"})
	assert.ErrorIs(t, err, domain.ErrDuplicateOperation)
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()
	for name, req := range map[string]StartRequest{
		"no user":       {DurationSeconds: 60, CostSeconds: 60},
		"zero duration": {UserID: "kid", CostSeconds: 60},
		"too long":      {UserID: "kid", DurationSeconds: 25 * 3600, CostSeconds: 60},
		"free":          {UserID: "kid", DurationSeconds: 60},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.sessions.Start(ctx, req)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestStart_BackdatedFromDevice(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()
	tapped := f.clock.Now().Add(-10 * time.Minute)

	res, err := f.sessions.Start(ctx, StartRequest{
		UserID: "kid", DurationSeconds: 900, CostSeconds: 300, StartedAt: tapped,
	})
	require.NoError(t, err)
	assert.True(t, res.Session.StartedAt.Equal(tapped))
	assert.True(t, res.Session.EndsAt.Equal(tapped.Add(15*time.Minute)))
}

func TestCancel_NoRefund(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()
	res, err := f.sessions.Start(ctx, StartRequest{UserID: "kid", DurationSeconds: 1800, CostSeconds: 600})
	require.NoError(t, err)

	cancelled, err := f.sessions.Cancel(ctx, res.Session.ID, "parent")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, cancelled.Status)
	require.NotNil(t, cancelled.EndedAt)
	assert.Equal(t, int64(300), f.balance(t))

	_, err = f.sessions.Cancel(ctx, res.Session.ID, "parent")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.sessions.Cancel(ctx, "missing", "parent")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSweep_ExpiresWithoutTouchingBalance(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()
	res, err := f.sessions.Start(ctx, StartRequest{UserID: "kid", DurationSeconds: 600, CostSeconds: 600})
	require.NoError(t, err)

	n, err := f.sessions.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(10 * time.Minute)
	active, _ := f.sessions.Active(ctx, "kid")
	assert.Empty(t, active, "a session no longer unlocks once ends_at is reached")

	n, err = f.sessions.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := f.sessions.Get(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, got.Status)
	assert.Equal(t, int64(300), f.balance(t))
}

func TestExpire(t *testing.T) {
	f := newFixture(t, 900)
	ctx := context.Background()
	res, _ := f.sessions.Start(ctx, StartRequest{UserID: "kid", DurationSeconds: 600, CostSeconds: 60})

	_, err := f.sessions.Expire(ctx, res.Session.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "not due yet")

	f.clock.Advance(time.Hour)
	got, err := f.sessions.Expire(ctx, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionExpired, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(res.Session.EndsAt))
}
