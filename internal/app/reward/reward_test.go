package reward

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebank-app/timebank/internal/app/ledger"
	"github.com/timebank-app/timebank/internal/domain"
	"github.com/timebank-app/timebank/internal/infra/sqlite"
)

// flakyClaims fails InsertClaim while failing is set.
type flakyClaims struct {
	domain.ClaimStore
	failing bool
}

func (f *flakyClaims) InsertClaim(ctx context.Context, c domain.RewardClaim) error {
	if f.failing {
		return domain.Transient("insert claim", errors.New("disk full"))
	}
	return f.ClaimStore.InsertClaim(ctx, c)
}

func newTestTrigger(t *testing.T, users ...string) (*Trigger, *ledger.Service, *flakyClaims) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := ledger.New(db, func() time.Time { return now })
	for _, u := range users {
		_, err := l.OpenBank(context.Background(), u)
		require.NoError(t, err)
	}
	claims := &flakyClaims{ClaimStore: db}
	return NewTrigger(l, claims), l, claims
}

func claim(event, user string, secs int64) ClaimRequest {
	return ClaimRequest{
		EventID:       event,
		UserID:        user,
		RewardSeconds: secs,
		Source:        domain.SourceTaskCompletion,
	}
}

func TestClaim_Credits(t *testing.T) {
	trig, l, _ := newTestTrigger(t, "kid")
	ctx := context.Background()

	res, err := trig.Claim(ctx, claim("task:1:approved", "kid", 900))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, domain.EntryEarn, res.Entry.Type)
	assert.Equal(t, "task:1:approved", res.Entry.IdempotencyKey)
	assert.Equal(t, "task:1:approved", res.Entry.Metadata[domain.MetaEventID])
	assert.Equal(t, "Reward for task:1:approved", res.Entry.Description)

	bank, _ := l.Balance(ctx, "kid")
	assert.Equal(t, int64(900), bank.BalanceSeconds)
}

func TestClaim_TwiceIsOneCredit(t *testing.T) {
	trig, l, _ := newTestTrigger(t, "kid")
	ctx := context.Background()

	first, err := trig.Claim(ctx, claim("task:1:approved", "kid", 900))
	require.NoError(t, err)
	second, err := trig.Claim(ctx, claim("task:1:approved", "kid", 900))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	bank, _ := l.Balance(ctx, "kid")
	assert.Equal(t, int64(900), bank.BalanceSeconds)
	page, _ := l.History(ctx, "kid", ledger.HistoryQuery{})
	assert.Len(t, page.Entries, 1)
}

func TestClaim_OtherUserConflicts(t *testing.T) {
	trig, _, _ := newTestTrigger(t, "kid", "sibling")
	ctx := context.Background()

	_, err := trig.Claim(ctx, claim("task:1:approved", "kid", 900))
	require.NoError(t, err)
	_, err = trig.Claim(ctx, claim("task:1:approved", "sibling", 900))
	assert.ErrorIs(t, err, domain.ErrClaimConflict)
}

func TestClaim_Validation(t *testing.T) {
	trig, _, _ := newTestTrigger(t, "kid")
	ctx := context.Background()

	_, err := trig.Claim(ctx, claim("", "kid", 60))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = trig.Claim(ctx, claim("e", "kid", 0))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	req := claim("e", "kid", 60)
	req.Source = domain.SourceUnlockedSession
	_, err = trig.Claim(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClaim_LedgerErrorPropagates(t *testing.T) {
	trig, _, _ := newTestTrigger(t)
	_, err := trig.Claim(context.Background(), claim("e", "ghost", 60))
	assert.ErrorIs(t, err, domain.ErrBankNotFound)
}

// A failed claim-record write keeps the credit and is repaired later.
func TestClaim_OrphanRepaired(t *testing.T) {
	trig, l, claims := newTestTrigger(t, "kid")
	ctx := context.Background()

	claims.failing = true
	res, err := trig.Claim(ctx, claim("grant:7:approved", "kid", 300))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	// Retrying while the record is missing does not credit twice.
	again, err := trig.Claim(ctx, claim("grant:7:approved", "kid", 300))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	bank, _ := l.Balance(ctx, "kid")
	assert.Equal(t, int64(300), bank.BalanceSeconds)

	claims.failing = false
	n, err := trig.RepairOrphans(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := claims.GetClaim(ctx, "grant:7:approved")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, res.Entry.ID, rec.EntryID)

	n, err = trig.RepairOrphans(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// A missing claim record must not let a second user claim the same event.
func TestClaim_OrphanBlocksOtherUser(t *testing.T) {
	trig, l, claims := newTestTrigger(t, "kid", "sib")
	ctx := context.Background()

	claims.failing = true
	first, err := trig.Claim(ctx, claim("task:1:approved", "kid", 900))
	require.NoError(t, err)
	claims.failing = false

	_, err = trig.Claim(ctx, claim("task:1:approved", "sib", 900))
	assert.ErrorIs(t, err, domain.ErrClaimConflict)

	sib, _ := l.Balance(ctx, "sib")
	assert.Zero(t, sib.BalanceSeconds)
	kid, _ := l.Balance(ctx, "kid")
	assert.Equal(t, int64(900), kid.BalanceSeconds)

	// The original owner can still finish the claim.
	again, err := trig.Claim(ctx, claim("task:1:approved", "kid", 900))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	rec, err := claims.GetClaim(ctx, "task:1:approved")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "kid", rec.UserID)
	assert.Equal(t, first.Entry.ID, rec.EntryID)
}

// A claim record naming another entry is reported, never overwritten.
func TestRepairOrphans_ReportsMismatch(t *testing.T) {
	trig, _, claims := newTestTrigger(t, "kid")
	ctx := context.Background()

	claims.failing = true
	res, err := trig.Claim(ctx, claim("task:2:approved", "kid", 300))
	require.NoError(t, err)
	claims.failing = false

	require.NoError(t, claims.InsertClaim(ctx, domain.RewardClaim{
		EventID:       "task:2:approved",
		UserID:        "sib",
		RewardSeconds: 300,
		Source:        domain.SourceTaskCompletion,
		EntryID:       "someone-else",
		ClaimedAt:     res.Entry.CreatedAt,
	}))

	n, err := trig.RepairOrphans(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := claims.GetClaim(ctx, "task:2:approved")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "someone-else", rec.EntryID)
}

// Archival can overtake the repair sweep; the orphan is still found.
func TestRepairOrphans_Archived(t *testing.T) {
	trig, l, claims := newTestTrigger(t, "kid")
	ctx := context.Background()

	claims.failing = true
	res, err := trig.Claim(ctx, claim("grant:9:approved", "kid", 600))
	require.NoError(t, err)
	claims.failing = false

	archive := claims.ClaimStore.(domain.ArchiveStore)
	later := l.Now().Add(time.Hour)
	moved, err := archive.ArchiveEntries(ctx, "kid", later, 100, later)
	require.NoError(t, err)
	require.Equal(t, int64(1), moved)

	n, err := trig.RepairOrphans(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec, err := claims.GetClaim(ctx, "grant:9:approved")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, res.Entry.ID, rec.EntryID)

	// The archived credit still blocks another user.
	_, err = trig.Claim(ctx, claim("grant:9:approved", "sib", 600))
	assert.ErrorIs(t, err, domain.ErrClaimConflict)
}
