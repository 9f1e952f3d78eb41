// Package reward pays out approval events (task completions and approved
// time requests) exactly once.
//
// The ledger append always happens first and the claim record second. If
// the claim record cannot be written the credit still stands and
// RepairOrphans fills the record in later.
package reward

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/timebank-app/timebank/internal/app/ledger"
	"github.com/timebank-app/timebank/internal/domain"
	"github.com/timebank-app/timebank/internal/infra/observability"
)

// ClaimRequest is one approval event to pay out.
type ClaimRequest struct {
	EventID       string        `json:"event_id"`
	UserID        string        `json:"user_id"`
	RewardSeconds int64         `json:"reward_seconds"`
	Source        domain.Source `json:"source"`
	Description   string        `json:"description,omitempty"`
	CreatedBy     string        `json:"created_by,omitempty"`
}

// ClaimResult is the credit entry for an event.
type ClaimResult struct {
	Entry     domain.LedgerEntry `json:"entry"`
	Duplicate bool               `json:"duplicate"`
}

// Trigger consumes approval events.
type Trigger struct {
	ledger *ledger.Service
	claims domain.ClaimStore
	log    *slog.Logger
}

// NewTrigger creates a reward trigger.
func NewTrigger(l *ledger.Service, claims domain.ClaimStore) *Trigger {
	return &Trigger{
		ledger: l,
		claims: claims,
		log:    slog.Default().With("component", "reward"),
	}
}

// Claim credits the event's reward. Claiming the same event again returns
// the original entry with Duplicate set.
func (t *Trigger) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	if err := req.validate(); err != nil {
		return ClaimResult{}, err
	}

	prior, err := t.claims.GetClaim(ctx, req.EventID)
	if err != nil {
		return ClaimResult{}, err
	}
	if prior != nil && prior.UserID != req.UserID {
		return ClaimResult{}, fmt.Errorf("%w: event %s belongs to %s",
			domain.ErrClaimConflict, req.EventID, prior.UserID)
	}
	if prior == nil {
		// The claim record may be missing while the credit is committed.
		credited, err := t.claims.FindRewardEntry(ctx, req.EventID)
		if err != nil {
			return ClaimResult{}, err
		}
		if credited != nil && credited.UserID != req.UserID {
			return ClaimResult{}, fmt.Errorf("%w: event %s was credited to %s",
				domain.ErrClaimConflict, req.EventID, credited.UserID)
		}
	}

	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("Reward for %s", req.EventID)
	}
	res, err := t.ledger.Append(ctx, ledger.AppendRequest{
		UserID:         req.UserID,
		Type:           domain.EntryEarn,
		DeltaSeconds:   req.RewardSeconds,
		Description:    desc,
		Source:         req.Source,
		IdempotencyKey: req.EventID,
		CreatedBy:      req.CreatedBy,
		Metadata:       domain.Metadata{domain.MetaEventID: req.EventID},
	})
	if err != nil {
		return ClaimResult{}, err
	}

	if res.Duplicate && prior != nil {
		observability.RewardClaims.WithLabelValues("duplicate").Inc()
		return ClaimResult{Entry: res.Entry, Duplicate: true}, nil
	}

	claim := domain.RewardClaim{
		EventID:       req.EventID,
		UserID:        req.UserID,
		RewardSeconds: res.Entry.DeltaSeconds,
		Source:        res.Entry.Source,
		EntryID:       res.Entry.ID,
		ClaimedAt:     res.Entry.CreatedAt,
	}
	if err := t.claims.InsertClaim(ctx, claim); err != nil {
		// The credit is committed; the repair sweep will write the record.
		observability.RewardClaims.WithLabelValues("orphaned").Inc()
		t.log.Warn("Reward credited but claim record not written",
			"event_id", req.EventID,
			"entry_id", res.Entry.ID,
			"error", err,
		)
	}

	if res.Duplicate {
		observability.RewardClaims.WithLabelValues("duplicate").Inc()
	} else {
		observability.RewardClaims.WithLabelValues("applied").Inc()
	}
	return ClaimResult{Entry: res.Entry, Duplicate: res.Duplicate}, nil
}

// RepairOrphans writes claim records for reward entries that lack one.
// Entries whose event is already claimed by a different entry are logged
// and counted as mismatched; they need an administrator.
func (t *Trigger) RepairOrphans(ctx context.Context, limit int) (int, error) {
	entries, err := t.claims.UnclaimedRewardEntries(ctx, limit)
	if err != nil {
		return 0, err
	}
	repaired, mismatched := 0, 0
	for _, e := range entries {
		eventID := e.Metadata[domain.MetaEventID]
		if eventID == "" {
			continue
		}
		existing, err := t.claims.GetClaim(ctx, eventID)
		if err != nil {
			return repaired, fmt.Errorf("repair claim %s: %w", eventID, err)
		}
		if existing != nil {
			if existing.EntryID != e.ID {
				mismatched++
				t.log.Warn("Reward entry conflicts with claim record",
					"event_id", eventID,
					"entry_id", e.ID,
					"user_id", e.UserID,
					"claim_entry_id", existing.EntryID,
					"claim_user_id", existing.UserID,
				)
			}
			continue
		}
		err = t.claims.InsertClaim(ctx, domain.RewardClaim{
			EventID:       eventID,
			UserID:        e.UserID,
			RewardSeconds: e.DeltaSeconds,
			Source:        e.Source,
			EntryID:       e.ID,
			ClaimedAt:     e.CreatedAt,
		})
		if err != nil {
			return repaired, fmt.Errorf("repair claim %s: %w", eventID, err)
		}
		repaired++
	}
	if mismatched > 0 {
		observability.RewardClaims.WithLabelValues("mismatched").Add(float64(mismatched))
	}
	if repaired > 0 {
		observability.RewardClaims.WithLabelValues("repaired").Add(float64(repaired))
		t.log.Info("Repaired orphaned reward claims", "count", repaired)
	}
	return repaired, nil
}

func (r ClaimRequest) validate() error {
	if strings.TrimSpace(r.EventID) == "" {
		return domain.Invalid("event id is required")
	}
	if strings.TrimSpace(r.UserID) == "" {
		return domain.Invalid("user id is required")
	}
	if r.RewardSeconds <= 0 {
		return domain.Invalid("reward must be positive")
	}
	if !r.Source.IsReward() {
		return domain.Invalid("source %q cannot pay rewards", r.Source)
	}
	return nil
}
