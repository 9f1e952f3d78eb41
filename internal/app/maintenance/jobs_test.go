package maintenance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebank-app/timebank/internal/app/ledger"
	"github.com/timebank-app/timebank/internal/app/reward"
	"github.com/timebank-app/timebank/internal/app/session"
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
	db       *sqlite.DB
	ledger   *ledger.Service
	sessions *session.Manager
	rewards  *reward.Trigger
	jobs     *Jobs
	clock    *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := &clock{t: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	l := ledger.New(db, clk.Now)
	sessions := session.NewManager(l, db)
	rewards := reward.NewTrigger(l, db)
	cfg := DefaultConfig()
	cfg.Retention = 30 * 24 * time.Hour
	return &fixture{
		db:       db,
		ledger:   l,
		sessions: sessions,
		rewards:  rewards,
		jobs:     NewJobs(cfg, l, sessions, rewards, db),
		clock:    clk,
	}
}

func (f *fixture) open(t *testing.T, user string, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.OpenBank(ctx, user)
	require.NoError(t, err)
	if balance > 0 {
		_, err = f.rewards.Claim(ctx, reward.ClaimRequest{
			EventID: user + ":seed", UserID: user, RewardSeconds: balance, Source: domain.SourceParentGrant,
		})
		require.NoError(t, err)
	}
}

func (f *fixture) balance(t *testing.T, user string) int64 {
	t.Helper()
	bank, err := f.ledger.Balance(context.Background(), user)
	require.NoError(t, err)
	return bank.BalanceSeconds
}

func TestSweepSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "kid", 900)
	res, err := f.sessions.Start(ctx, session.StartRequest{UserID: "kid", DurationSeconds: 600, CostSeconds: 600})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	n, err := f.jobs.SweepSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := f.sessions.Get(ctx, res.Session.ID)
	assert.Equal(t, domain.SessionExpired, got.Status)
	assert.Equal(t, int64(300), f.balance(t, "kid"))
}

func TestAdjust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "kid", 300)

	res, err := f.jobs.Adjust(ctx, AdjustRequest{
		UserID: "kid", NewBalanceSeconds: 1000, Reason: "support ticket", ActorID: "admin-1",
		IdempotencyKey: "ticket-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EntryAdjustment, res.Entry.Type)
	assert.Equal(t, domain.SourceAdminAdjustment, res.Entry.Source)
	assert.Equal(t, int64(700), res.Entry.DeltaSeconds)
	assert.Equal(t, "admin-1", res.Entry.CreatedBy)
	assert.Equal(t, int64(1000), f.balance(t, "kid"))

	again, err := f.jobs.Adjust(ctx, AdjustRequest{
		UserID: "kid", NewBalanceSeconds: 1000, Reason: "support ticket", ActorID: "admin-1",
		IdempotencyKey: "ticket-1",
	})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	down, err := f.jobs.Adjust(ctx, AdjustRequest{UserID: "kid", NewBalanceSeconds: 0, Reason: "reset", ActorID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(-1000), down.Entry.DeltaSeconds)
	assert.Zero(t, f.balance(t, "kid"))
}

func TestAdjust_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "kid", 0)

	for name, req := range map[string]AdjustRequest{
		"no reason": {UserID: "kid", NewBalanceSeconds: 10, ActorID: "a"},
		"no actor":  {UserID: "kid", NewBalanceSeconds: 10, Reason: "r"},
		"negative":  {UserID: "kid", NewBalanceSeconds: -1, Reason: "r", ActorID: "a"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.jobs.Adjust(ctx, req)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestArchive_PreservesBalanceAndAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "kid", 900)
	f.open(t, "empty", 0)
	_, err := f.sessions.Start(ctx, session.StartRequest{UserID: "kid", DurationSeconds: 600, CostSeconds: 300})
	require.NoError(t, err)

	f.clock.Advance(60 * 24 * time.Hour)
	_, err = f.rewards.Claim(ctx, reward.ClaimRequest{
		EventID: "task:2:approved", UserID: "kid", RewardSeconds: 120, Source: domain.SourceTaskCompletion,
	})
	require.NoError(t, err)

	rep, err := f.jobs.Archive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Total)
	assert.Equal(t, int64(2), rep.Moved["kid"])
	assert.NotContains(t, rep.Moved, "empty")

	assert.Equal(t, int64(720), f.balance(t, "kid"))
	audit, err := f.ledger.Audit(ctx, "kid")
	require.NoError(t, err)
	assert.True(t, audit.OK)
	assert.Equal(t, int64(720), audit.FoldedSeconds)

	// The archived seed claim still deduplicates.
	again, err := f.rewards.Claim(ctx, reward.ClaimRequest{
		EventID: "kid:seed", UserID: "kid", RewardSeconds: 900, Source: domain.SourceParentGrant,
	})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, int64(720), f.balance(t, "kid"))

	rep, err = f.jobs.Archive(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Total)
}

func TestAuditAll_FreezesDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "good", 60)
	f.open(t, "bad", 60)
	require.NoError(t, f.db.WithBank(ctx, "bad", func(tx domain.BankTx) error {
		bank := tx.Bank()
		bank.BalanceSeconds = 99
		return tx.SaveBank(ctx, bank)
	}))

	reports, err := f.jobs.AuditAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	bad, _ := f.ledger.Balance(ctx, "bad")
	assert.True(t, bad.Frozen)
	good, _ := f.ledger.Balance(ctx, "good")
	assert.False(t, good.Frozen)
}

func TestRepairClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "kid", 0)

	// A reward entry written without its claim record.
	_, err := f.ledger.Append(ctx, ledger.AppendRequest{
		UserID: "kid", Type: domain.EntryEarn, DeltaSeconds: 60, Source: domain.SourceTaskCompletion,
		IdempotencyKey: "task:5:approved", Metadata: domain.Metadata{domain.MetaEventID: "task:5:approved"},
	})
	require.NoError(t, err)

	n, err := f.jobs.RepairClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claim, err := f.db.GetClaim(ctx, "task:5:approved")
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, "kid", claim.UserID)
}
