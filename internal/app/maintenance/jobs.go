// Package maintenance holds the periodic and administrative jobs: session
// sweep, ledger archival, the invariant audit, reward claim repair and the
// emergency balance adjustment. Every job that changes a balance goes through
// the ledger's Append.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/timebank-app/timebank/internal/app/ledger"
	"github.com/timebank-app/timebank/internal/app/reward"
	"github.com/timebank-app/timebank/internal/app/session"
	"github.com/timebank-app/timebank/internal/domain"
	"github.com/timebank-app/timebank/internal/infra/observability"
)

// Config configures the jobs and their schedules.
type Config struct {
	SweepSchedule   string
	AuditSchedule   string
	RepairSchedule  string
	ArchiveSchedule string

	Retention       time.Duration // entries older than this are archived
	ArchiveBatch    int           // max entries moved per user per run
	RepairBatch     int
	ShutdownTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SweepSchedule:   "@every 1m",
		AuditSchedule:   "@every 1h",
		RepairSchedule:  "@every 10m",
		ArchiveSchedule: "30 3 * * *",
		Retention:       90 * 24 * time.Hour,
		ArchiveBatch:    1000,
		RepairBatch:     100,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Jobs bundles the maintenance operations.
type Jobs struct {
	cfg      Config
	ledger   *ledger.Service
	sessions *session.Manager
	rewards  *reward.Trigger
	banks    domain.LedgerStore
	archive  domain.ArchiveStore
	log      *slog.Logger
}

// NewJobs wires the maintenance jobs.
func NewJobs(cfg Config, l *ledger.Service, sessions *session.Manager, rewards *reward.Trigger, store domain.Store) *Jobs {
	return &Jobs{
		cfg:      cfg,
		ledger:   l,
		sessions: sessions,
		rewards:  rewards,
		banks:    store,
		archive:  store,
		log:      slog.Default().With("component", "maintenance"),
	}
}

// SweepSessions expires overdue sessions.
func (j *Jobs) SweepSessions(ctx context.Context) (int64, error) {
	return j.sessions.Sweep(ctx)
}

// AuditAll runs the ledger self-check over every bank.
func (j *Jobs) AuditAll(ctx context.Context) ([]ledger.AuditReport, error) {
	reports, err := j.ledger.AuditAll(ctx)
	if err != nil {
		return reports, err
	}
	bad := 0
	for _, r := range reports {
		if !r.OK {
			bad++
		}
	}
	j.log.Info("Ledger audit finished", "banks", len(reports), "violations", bad)
	return reports, nil
}

// RepairClaims writes missing reward claim records.
func (j *Jobs) RepairClaims(ctx context.Context) (int, error) {
	return j.rewards.RepairOrphans(ctx, j.cfg.RepairBatch)
}

// ArchiveReport summarizes an archival run.
type ArchiveReport struct {
	Cutoff time.Time        `json:"cutoff"`
	Moved  map[string]int64 `json:"moved"`
	Total  int64            `json:"total"`
}

// ArchiveBefore moves entries created before cutoff to cold storage, then
// audits each touched bank so a broken checkpoint is caught immediately.
func (j *Jobs) ArchiveBefore(ctx context.Context, cutoff time.Time) (ArchiveReport, error) {
	rep := ArchiveReport{Cutoff: cutoff.UTC(), Moved: map[string]int64{}}
	ids, err := j.banks.ListBankIDs(ctx)
	if err != nil {
		return rep, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		n, err := j.archive.ArchiveEntries(ctx, id, cutoff, j.cfg.ArchiveBatch, j.ledger.Now())
		if err != nil {
			return rep, fmt.Errorf("archive %s: %w", id, err)
		}
		if n == 0 {
			continue
		}
		rep.Moved[id] = n
		rep.Total += n
		if _, err := j.ledger.Audit(ctx, id); err != nil && !errors.Is(err, domain.ErrInvariantViolation) {
			return rep, err
		}
	}
	observability.ArchivedEntries.Add(float64(rep.Total))
	if rep.Total > 0 {
		j.log.Info("Ledger archived", "entries", rep.Total, "banks", len(rep.Moved), "cutoff", rep.Cutoff)
	}
	return rep, nil
}

// Archive moves entries older than the configured retention.
func (j *Jobs) Archive(ctx context.Context) (ArchiveReport, error) {
	return j.ArchiveBefore(ctx, j.ledger.Now().Add(-j.cfg.Retention))
}

// AdjustRequest is an administrator's emergency balance correction.
type AdjustRequest struct {
	UserID            string `json:"user_id"`
	NewBalanceSeconds int64  `json:"new_balance_seconds"`
	Reason            string `json:"reason"`
	ActorID           string `json:"actor_id"`
	IdempotencyKey    string `json:"idempotency_key,omitempty"`
}

// Adjust sets a bank to an exact balance by appending an adjustment entry.
// The delta is computed against the balance read under the bank lock.
func (j *Jobs) Adjust(ctx context.Context, req AdjustRequest) (ledger.Result, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return ledger.Result{}, domain.Invalid("reason is required")
	}
	if strings.TrimSpace(req.ActorID) == "" {
		return ledger.Result{}, domain.Invalid("actor id is required")
	}
	if req.NewBalanceSeconds < 0 {
		return ledger.Result{}, domain.Invalid("new balance must not be negative")
	}
	target := req.NewBalanceSeconds
	res, err := j.ledger.Append(ctx, ledger.AppendRequest{
		UserID:         req.UserID,
		Type:           domain.EntryAdjustment,
		Description:    req.Reason,
		Source:         domain.SourceAdminAdjustment,
		IdempotencyKey: req.IdempotencyKey,
		CreatedBy:      req.ActorID,
		TargetBalance:  &target,
	})
	if err != nil {
		return res, err
	}
	if !res.Duplicate {
		j.log.Warn("Balance adjusted by administrator",
			"user_id", req.UserID,
			"actor_id", req.ActorID,
			"delta", res.Entry.DeltaSeconds,
			"balance", res.Entry.BalanceAfterSeconds,
			"reason", req.Reason,
		)
	}
	return res, nil
}
