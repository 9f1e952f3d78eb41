// Package ledger is the single entry point for every balance change.
//
// Append is the only function in the repository that writes a ledger entry
// or a bank balance. It runs inside the store's per-user unit of work, so
// the idempotency lookup, the balance check and the write cannot interleave
// with another writer for the same user.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/timebank-app/timebank/internal/domain"
	"github.com/timebank-app/timebank/internal/infra/observability"
)

// AppendRequest describes one balance change.
type AppendRequest struct {
	UserID         string
	Type           domain.EntryType
	DeltaSeconds   int64
	Description    string
	Source         domain.Source
	IdempotencyKey string
	CreatedBy      string
	Metadata       domain.Metadata

	// TargetBalance, when set, replaces DeltaSeconds with the difference
	// between it and the locked balance. Adjustments only.
	TargetBalance *int64
}

// Result is the outcome of an append.
type Result struct {
	Entry     domain.LedgerEntry `json:"entry"`
	Duplicate bool               `json:"duplicate"`
}

// Hook runs inside the append's unit of work after a fresh entry has been
// written. Returning an error rolls the whole append back.
type Hook func(ctx context.Context, tx domain.BankTx, entry domain.LedgerEntry) error

// Service owns the ledger and time banks.
type Service struct {
	store domain.LedgerStore
	now   func() time.Time
	log   *slog.Logger
}

// New creates a ledger service. A nil clock means time.Now.
func New(store domain.LedgerStore, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store: store,
		now:   now,
		log:   slog.Default().With("component", "ledger"),
	}
}

// Now returns the service clock in UTC.
func (s *Service) Now() time.Time { return s.now().UTC() }

// OpenBank creates a zero-balance bank for a new user.
func (s *Service) OpenBank(ctx context.Context, userID string) (domain.TimeBank, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.TimeBank{}, domain.Invalid("user id is required")
	}
	bank, err := s.store.CreateBank(ctx, userID, s.Now())
	if err != nil {
		return domain.TimeBank{}, err
	}
	s.log.Info("Time bank opened", "user_id", userID)
	return bank, nil
}

// Balance returns the bank row for userID.
func (s *Service) Balance(ctx context.Context, userID string) (domain.TimeBank, error) {
	return s.store.GetBank(ctx, userID)
}

// Append applies req atomically. A request whose idempotency key already
// exists for the user returns the original entry with Duplicate set and
// changes nothing.
func (s *Service) Append(ctx context.Context, req AppendRequest, hooks ...Hook) (Result, error) {
	if err := req.validate(); err != nil {
		observability.LedgerRejections.WithLabelValues("invalid").Inc()
		return Result{}, err
	}

	var res Result
	err := s.store.WithBank(ctx, req.UserID, func(tx domain.BankTx) error {
		res = Result{}
		if req.IdempotencyKey != "" {
			existing, err := tx.FindEntry(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				res = Result{Entry: *existing, Duplicate: true}
				return nil
			}
		}

		bank := tx.Bank()
		// Administrator adjustments are the repair path for a frozen bank.
		if bank.Frozen && req.Type != domain.EntryAdjustment {
			return fmt.Errorf("%w (%s)", domain.ErrBankFrozen, bank.FrozenReason)
		}

		base := bank.BalanceSeconds
		if req.Type == domain.EntryAdjustment {
			// Anchor on the ledger so an adjustment also heals a drifted cache.
			b, err := tx.LedgerBalance(ctx)
			if err != nil {
				return err
			}
			base = b
		}
		delta := req.DeltaSeconds
		if req.TargetBalance != nil {
			d, ok := safeSub(*req.TargetBalance, base)
			if !ok {
				return domain.ErrBalanceOverflow
			}
			delta = d
		}
		newBalance, ok := safeAdd(base, delta)
		if !ok {
			return domain.ErrBalanceOverflow
		}
		if delta < 0 && newBalance < 0 && req.Type != domain.EntryAdjustment {
			return fmt.Errorf("%w: balance %ds, requested %ds",
				domain.ErrInsufficientBalance, bank.BalanceSeconds, -delta)
		}

		now := s.Now()
		entry := domain.LedgerEntry{
			ID:                  uuid.NewString(),
			UserID:              req.UserID,
			Type:                req.Type,
			DeltaSeconds:        delta,
			BalanceAfterSeconds: newBalance,
			Description:         req.Description,
			Source:              req.Source,
			IdempotencyKey:      req.IdempotencyKey,
			CreatedAt:           now,
			CreatedBy:           req.CreatedBy,
			Metadata:            req.Metadata.Clone(),
		}
		if err := tx.InsertEntry(ctx, &entry); err != nil {
			return err
		}

		bank.BalanceSeconds = newBalance
		switch req.Type {
		case domain.EntryEarn:
			if bank.LifetimeEarnedSeconds, ok = safeAdd(bank.LifetimeEarnedSeconds, delta); !ok {
				return domain.ErrBalanceOverflow
			}
		case domain.EntrySpend:
			if bank.LifetimeSpentSeconds, ok = safeSub(bank.LifetimeSpentSeconds, delta); !ok {
				return domain.ErrBalanceOverflow
			}
		}
		bank.UpdatedAt = now
		if err := tx.SaveBank(ctx, bank); err != nil {
			return err
		}

		for _, hook := range hooks {
			if err := hook(ctx, tx, entry); err != nil {
				return err
			}
		}
		res = Result{Entry: entry}
		return nil
	})
	if err != nil {
		observability.LedgerRejections.WithLabelValues(rejectionReason(err)).Inc()
		return Result{}, err
	}

	if res.Duplicate {
		observability.LedgerDuplicates.WithLabelValues(string(req.Source)).Inc()
		s.log.Debug("Idempotent append replayed", "user_id", req.UserID,
			"key", req.IdempotencyKey, "entry_id", res.Entry.ID)
		return res, nil
	}

	observability.LedgerAppends.WithLabelValues(string(res.Entry.Type), string(res.Entry.Source)).Inc()
	observability.SecondsMoved.WithLabelValues(string(res.Entry.Type)).Add(math.Abs(float64(res.Entry.DeltaSeconds)))
	s.log.Info("Ledger entry appended",
		"user_id", res.Entry.UserID,
		"entry_id", res.Entry.ID,
		"type", res.Entry.Type,
		"delta", res.Entry.DeltaSeconds,
		"balance", res.Entry.BalanceAfterSeconds,
	)
	return res, nil
}

func (r AppendRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return domain.Invalid("user id is required")
	}
	if !r.Type.Valid() {
		return domain.Invalid("unknown entry type %q", r.Type)
	}
	if !r.Source.Valid() {
		return domain.Invalid("unknown source %q", r.Source)
	}
	if r.TargetBalance != nil && r.Type != domain.EntryAdjustment {
		return domain.Invalid("target balance is only allowed on adjustments")
	}
	switch r.Type {
	case domain.EntryEarn:
		if r.DeltaSeconds <= 0 {
			return domain.Invalid("earn delta must be positive, got %d", r.DeltaSeconds)
		}
	case domain.EntrySpend:
		if r.DeltaSeconds >= 0 {
			return domain.Invalid("spend delta must be negative, got %d", r.DeltaSeconds)
		}
	}
	for k := range r.Metadata {
		if k == "" {
			return domain.Invalid("metadata keys must be non-empty")
		}
	}
	return nil
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrBankFrozen):
		return "frozen"
	case errors.Is(err, domain.ErrBankNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrBalanceOverflow):
		return "overflow"
	case errors.Is(err, domain.ErrTransient):
		return "transient"
	default:
		return "error"
	}
}

// ─── Overflow-safe Arithmetic ───────────────────────────────────────────────

func safeAdd(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

func safeSub(a, b int64) (int64, bool) {
	if (b < 0 && a > math.MaxInt64+b) || (b > 0 && a < math.MinInt64+b) {
		return 0, false
	}
	return a - b, true
}
