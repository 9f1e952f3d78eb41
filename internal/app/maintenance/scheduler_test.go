package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := NewScheduler(f.jobs, f.jobs.cfg)
	assert.Error(t, s.Start(ctx), "start before init")
	require.NoError(t, s.Init(ctx))

	assert.Error(t, s.Health(ctx), "not running yet")
	require.NoError(t, s.Start(ctx))
	assert.NoError(t, s.Health(ctx))

	status := s.Status()
	require.Len(t, status, 4)
	assert.Equal(t, JobClaimRepair, status[0].Name)
	for _, st := range status {
		assert.False(t, st.Next.IsZero(), st.Name)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.Error(t, s.Health(ctx))
}

func TestScheduler_DisabledJobs(t *testing.T) {
	f := newFixture(t)
	cfg := f.jobs.cfg
	cfg.ArchiveSchedule = "off"
	cfg.RepairSchedule = ""

	s := NewScheduler(f.jobs, cfg)
	require.NoError(t, s.Init(context.Background()))
	assert.Len(t, s.Status(), 2)
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	f := newFixture(t)
	cfg := f.jobs.cfg
	cfg.SweepSchedule = "every now and then"

	err := NewScheduler(f.jobs, cfg).Init(context.Background())
	assert.ErrorContains(t, err, JobSessionSweep)
}

func TestScheduler_RunNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "kid", 60)

	s := NewScheduler(f.jobs, f.jobs.cfg)
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.RunNow(JobLedgerAudit))
	assert.Error(t, s.RunNow("nope"))

	for _, st := range s.Status() {
		if st.Name == JobLedgerAudit {
			assert.Equal(t, int64(1), st.Runs)
			assert.Empty(t, st.LastErr)
		}
	}
}
