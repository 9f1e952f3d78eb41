package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/timebank-app/timebank/internal/domain"
	"github.com/timebank-app/timebank/internal/infra/observability"
)

// ─── Invariant Audit ────────────────────────────────────────────────────────

// AuditReport is the result of folding one user's ledger.
type AuditReport struct {
	UserID        string `json:"user_id"`
	CachedSeconds int64  `json:"cached_seconds"`
	FoldedSeconds int64  `json:"folded_seconds"`
	Entries       int    `json:"entries"`
	CheckpointSeq int64  `json:"checkpoint_seq,omitempty"`
	BrokenAtSeq   int64  `json:"broken_at_seq,omitempty"`
	OK            bool   `json:"ok"`
	Frozen        bool   `json:"frozen"`
	Detail        string `json:"detail,omitempty"`
}

// Audit recomputes the user's balance from the checkpoint and hot entries,
// checks each balance_after snapshot, and compares against the bank row.
// A mismatch freezes the bank and returns ErrInvariantViolation; the
// balance itself is never rewritten here.
func (s *Service) Audit(ctx context.Context, userID string) (AuditReport, error) {
	snap, err := s.store.Snapshot(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}

	rep := AuditReport{
		UserID:        userID,
		CachedSeconds: snap.Bank.BalanceSeconds,
		Entries:       len(snap.Entries),
		Frozen:        snap.Bank.Frozen,
	}
	var problems []string

	running := snap.Bank.InitialBalanceSeconds
	if cp := snap.Checkpoint; cp != nil {
		rep.CheckpointSeq = cp.ThroughSeq
		if cold := snap.Bank.InitialBalanceSeconds + snap.ArchivedDeltaSum; cold != cp.BalanceSeconds {
			problems = append(problems, fmt.Sprintf("archive folds to %d, checkpoint holds %d", cold, cp.BalanceSeconds))
		}
		running = cp.BalanceSeconds
	}
	for _, e := range snap.Entries {
		running += e.DeltaSeconds
		if e.BalanceAfterSeconds != running && rep.BrokenAtSeq == 0 {
			rep.BrokenAtSeq = e.Seq
			problems = append(problems, fmt.Sprintf("entry %d records balance %d, running total is %d",
				e.Seq, e.BalanceAfterSeconds, running))
		}
	}
	rep.FoldedSeconds = running
	if rep.FoldedSeconds != rep.CachedSeconds {
		problems = append(problems, fmt.Sprintf("bank holds %d, ledger folds to %d", rep.CachedSeconds, rep.FoldedSeconds))
	}

	if len(problems) == 0 {
		rep.OK = true
		return rep, nil
	}

	rep.Detail = strings.Join(problems, "; ")
	observability.InvariantViolations.Inc()
	s.log.Error("Ledger invariant violated, freezing bank",
		"user_id", userID,
		"cached", rep.CachedSeconds,
		"folded", rep.FoldedSeconds,
		"detail", rep.Detail,
	)
	if !snap.Bank.Frozen {
		if err := s.store.SetFrozen(ctx, userID, true, "invariant violation: "+rep.Detail, s.Now()); err != nil {
			return rep, fmt.Errorf("freeze bank %s: %w", userID, err)
		}
	}
	rep.Frozen = true
	return rep, fmt.Errorf("%w: user %s: %s", domain.ErrInvariantViolation, userID, rep.Detail)
}

// AuditAll audits every bank. Violations are collected, not fatal; other
// errors stop the run.
func (s *Service) AuditAll(ctx context.Context) ([]AuditReport, error) {
	ids, err := s.store.ListBankIDs(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]AuditReport, 0, len(ids))
	frozen := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		rep, err := s.Audit(ctx, id)
		if err != nil && !errors.Is(err, domain.ErrInvariantViolation) {
			return reports, err
		}
		if rep.Frozen {
			frozen++
		}
		reports = append(reports, rep)
	}
	observability.FrozenBanks.Set(float64(frozen))
	return reports, nil
}

// Freeze halts writes to a bank until an administrator unfreezes it.
func (s *Service) Freeze(ctx context.Context, userID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return domain.Invalid("reason is required")
	}
	return s.store.SetFrozen(ctx, userID, true, reason, s.Now())
}

// Unfreeze reopens a bank after manual repair. It does not change the
// balance; repairs are separate adjustments. A bank that still fails its
// audit stays frozen.
func (s *Service) Unfreeze(ctx context.Context, userID, actorID, reason string) error {
	if strings.TrimSpace(actorID) == "" {
		return domain.Invalid("actor id is required")
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Invalid("reason is required")
	}
	if _, err := s.Audit(ctx, userID); err != nil {
		return err
	}
	if err := s.store.SetFrozen(ctx, userID, false, "", s.Now()); err != nil {
		return err
	}
	s.log.Warn("Time bank unfrozen", "user_id", userID, "actor_id", actorID, "reason", reason)
	return nil
}
