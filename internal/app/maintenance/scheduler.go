package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/timebank-app/timebank/internal/infra/observability"
)

// Job names.
const (
	JobSessionSweep  = "session-sweep"
	JobLedgerAudit   = "ledger-audit"
	JobClaimRepair   = "claim-repair"
	JobLedgerArchive = "ledger-archive"
)

// Component is the lifecycle shared by long-running daemon parts.
type Component interface {
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) error
}

// JobStatus is the last known state of a scheduled job.
type JobStatus struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastErr  string        `json:"last_error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Runs     int64         `json:"runs"`
	Next     time.Time     `json:"next,omitempty"`
}

type scheduledJob struct {
	name     string
	schedule string
	run      func(ctx context.Context) error
	entry    cron.EntryID
}

// Scheduler runs the maintenance jobs on their cron schedules.
type Scheduler struct {
	jobs *Jobs
	cfg  Config
	cron *cron.Cron

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	list    []*scheduledJob
	status  map[string]*JobStatus
}

var _ Component = (*Scheduler)(nil)

// NewScheduler creates a scheduler for jobs.
func NewScheduler(jobs *Jobs, cfg Config) *Scheduler {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{
		jobs:   jobs,
		cfg:    cfg,
		cron:   c,
		status: make(map[string]*JobStatus),
	}
}

// Init validates the schedules and registers the jobs.
func (s *Scheduler) Init(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.list = []*scheduledJob{
		{name: JobSessionSweep, schedule: s.cfg.SweepSchedule, run: func(ctx context.Context) error {
			_, err := s.jobs.SweepSessions(ctx)
			return err
		}},
		{name: JobLedgerAudit, schedule: s.cfg.AuditSchedule, run: func(ctx context.Context) error {
			_, err := s.jobs.AuditAll(ctx)
			return err
		}},
		{name: JobClaimRepair, schedule: s.cfg.RepairSchedule, run: func(ctx context.Context) error {
			_, err := s.jobs.RepairClaims(ctx)
			return err
		}},
		{name: JobLedgerArchive, schedule: s.cfg.ArchiveSchedule, run: func(ctx context.Context) error {
			_, err := s.jobs.Archive(ctx)
			return err
		}},
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for _, job := range s.list {
		if job.schedule == "" || job.schedule == "off" {
			slog.Info("Maintenance job disabled", "job", job.name)
			continue
		}
		if _, err := parser.Parse(job.schedule); err != nil {
			return fmt.Errorf("job %s: invalid schedule %q: %w", job.name, job.schedule, err)
		}
		id, err := s.cron.AddFunc(job.schedule, func() { s.runJob(job) })
		if err != nil {
			return fmt.Errorf("job %s: %w", job.name, err)
		}
		job.entry = id
		s.status[job.name] = &JobStatus{Name: job.name, Schedule: job.schedule}
	}

	slog.Info("Maintenance scheduler initialized", "jobs", len(s.status))
	return nil
}

// Start begins running jobs on schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.ctx == nil {
		return errors.New("scheduler not initialized")
	}
	s.running = true
	s.cron.Start()
	slog.Info("Maintenance scheduler started")
	return nil
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		slog.Info("Maintenance scheduler stopped gracefully")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		slog.Warn("Maintenance scheduler shutdown timeout")
		return errors.New("maintenance scheduler shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports an error while stopped or when a job's last run failed.
func (s *Scheduler) Health(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return errors.New("maintenance scheduler not running")
	}
	for _, st := range s.status {
		if st.LastErr != "" {
			return fmt.Errorf("job %s failed: %s", st.Name, st.LastErr)
		}
	}
	return nil
}

// Status returns a snapshot of every registered job.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.status))
	for _, job := range s.list {
		st, ok := s.status[job.name]
		if !ok {
			continue
		}
		cp := *st
		if job.entry != 0 {
			cp.Next = s.cron.Entry(job.entry).Next
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunNow runs a job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	for _, job := range s.list {
		if job.name == name {
			return s.runJob(job)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) runJob(job *scheduledJob) error {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	err := job.run(ctx)
	observability.ObserveJob(job.name, started, err)

	s.mu.Lock()
	st, ok := s.status[job.name]
	if !ok {
		st = &JobStatus{Name: job.name, Schedule: job.schedule}
		s.status[job.name] = st
	}
	st.LastRun = started.UTC()
	st.Duration = time.Since(started)
	st.Runs++
	st.LastErr = ""
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		slog.Error("Maintenance job failed", "job", job.name, "error", err)
	} else {
		slog.Debug("Maintenance job finished", "job", job.name, "duration", time.Since(started))
	}
	return err
}
