package offline

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebank-app/timebank/internal/domain"
)

func newTestQueue(t *testing.T, dir string) *Queue {
	t.Helper()
	cfg := DefaultConfig(dir)
	cfg.DeviceID = "tablet"
	q, err := Open(cfg)
	require.NoError(t, err)
	return q
}

func earnReq(secs int64) EnqueueRequest {
	return EnqueueRequest{UserID: "kid", Type: domain.EntryEarn, DeltaSeconds: secs, Source: domain.SourceTaskCompletion}
}

func spendReq(secs int64) EnqueueRequest {
	return EnqueueRequest{
		UserID:       "kid",
		Type:         domain.EntrySpend,
		DeltaSeconds: -secs,
		Source:       domain.SourceUnlockedSession,
		Metadata:     domain.Metadata{domain.MetaDurationSeconds: strconv.FormatInt(secs, 10)},
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := newTestQueue(t, t.TempDir())
	ctx := context.Background()

	a, err := q.Enqueue(ctx, earnReq(60))
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, spendReq(30))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "tablet", a.DeviceID)
	assert.False(t, a.ClientTimestamp.IsZero())

	head, err := q.Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, a.ID, head.ID)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, b.ID, pending[1].ID)
}

func TestQueue_EmptyPeek(t *testing.T) {
	q := newTestQueue(t, t.TempDir())
	head, err := q.Peek(context.Background())
	require.NoError(t, err)
	assert.Nil(t, head)
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueue_EnqueueSameClientID(t *testing.T) {
	q := newTestQueue(t, t.TempDir())
	ctx := context.Background()
	req := earnReq(60)
	req.ClientID = "tap-1"

	first, err := q.Enqueue(ctx, req)
	require.NoError(t, err)
	req.DeltaSeconds = 999
	second, err := q.Enqueue(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(60), second.DeltaSeconds)
	n, _ := q.Len(ctx)
	assert.Equal(t, 1, n)
}

func TestQueue_Validation(t *testing.T) {
	q := newTestQueue(t, t.TempDir())
	ctx := context.Background()

	bad := []EnqueueRequest{
		{Type: domain.EntryEarn, DeltaSeconds: 60, Source: domain.SourceTaskCompletion},
		earnReq(-60),
		spendReq(-60),
		{UserID: "kid", Type: domain.EntryAdjustment, DeltaSeconds: 60, Source: domain.SourceAdminAdjustment},
		{UserID: "kid", Type: domain.EntryEarn, DeltaSeconds: 60, Source: domain.SourceAdminAdjustment},
		{UserID: "kid", Type: domain.EntrySpend, DeltaSeconds: -60, Source: domain.SourceUnlockedSession},
		{UserID: "kid", Type: domain.EntrySpend, DeltaSeconds: -60, Source: domain.SourceUnlockedSession,
			Metadata: domain.Metadata{domain.MetaDurationSeconds: "0"}},
	}
	for _, req := range bad {
		_, err := q.Enqueue(ctx, req)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "%+v", req)
	}
}

func TestQueue_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	p, err := newTestQueue(t, dir).Enqueue(ctx, earnReq(60))
	require.NoError(t, err)

	head, err := newTestQueue(t, dir).Peek(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, p.ID, head.ID)

	_, err = os.Stat(filepath.Join(dir, queueFileName))
	assert.NoError(t, err)
}

func TestQueue_CompleteAndRejections(t *testing.T) {
	q := newTestQueue(t, t.TempDir())
	ctx := context.Background()
	a, _ := q.Enqueue(ctx, earnReq(60))
	b, _ := q.Enqueue(ctx, spendReq(600))

	assert.Error(t, q.Complete(ctx, domain.ReconcileResult{ID: a.ID, Outcome: domain.OutcomeRetry}))

	require.NoError(t, q.Complete(ctx, domain.ReconcileResult{ID: a.ID, Outcome: domain.OutcomeApplied}))
	require.NoError(t, q.Complete(ctx, domain.ReconcileResult{
		ID: b.ID, Outcome: domain.OutcomeRejectedInsufficient, Error: "not enough time in the bank",
	}))

	n, _ := q.Len(ctx)
	assert.Zero(t, n)

	rejections, err := q.Rejections(ctx)
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	assert.Equal(t, b.ID, rejections[0].Transaction.ID)
	assert.Equal(t, domain.OutcomeRejectedInsufficient, rejections[0].Outcome)
	assert.NotNil(t, rejections[0].Transaction.ProcessedAt)

	require.NoError(t, q.AckRejection(ctx, b.ID))
	assert.Error(t, q.AckRejection(ctx, b.ID))
	rejections, _ = q.Rejections(ctx)
	assert.Empty(t, rejections)
}

// Two handles on one directory stand in for two processes.
func TestQueue_SharedAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	q1 := newTestQueue(t, dir)
	q2 := newTestQueue(t, dir)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _, err := q1.Enqueue(ctx, earnReq(1)); assert.NoError(t, err) }()
		go func() { defer wg.Done(); _, err := q2.Enqueue(ctx, earnReq(1)); assert.NoError(t, err) }()
	}
	wg.Wait()

	n, err := q1.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestQueue_LockTimeout(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.LockTimeout = 100 * time.Millisecond
	cfg.LockRetry = 10 * time.Millisecond
	q, err := Open(cfg)
	require.NoError(t, err)

	holder := newTestQueue(t, dir)
	locked, err := holder.lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer holder.lock.Unlock()

	_, err = q.Enqueue(context.Background(), earnReq(60))
	assert.ErrorIs(t, err, ErrQueueLocked)
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
