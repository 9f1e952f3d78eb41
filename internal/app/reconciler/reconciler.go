// Package reconciler applies device-queued transactions to the ledger.
//
// The pending transaction id is the idempotency key, so a device may resend
// any transaction until it gets a terminal outcome. Order across devices is
// the ledger commit order; client timestamps are kept for display only.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/timebank-app/timebank/internal/app/ledger"
	"github.com/timebank-app/timebank/internal/app/session"
	"github.com/timebank-app/timebank/internal/domain"
	"github.com/timebank-app/timebank/internal/infra/observability"
)

// MaxBatch caps the transactions accepted by one ReconcileBatch call.
const MaxBatch = 100

// Reconciler is the server-side applier.
type Reconciler struct {
	ledger   *ledger.Service
	sessions *session.Manager
	log      *slog.Logger
}

// New creates a reconciler.
func New(l *ledger.Service, sessions *session.Manager) *Reconciler {
	return &Reconciler{
		ledger:   l,
		sessions: sessions,
		log:      slog.Default().With("component", "reconciler"),
	}
}

// Reconcile applies one pending transaction. Permanent rejections come back
// as a result with a nil error; a non-nil error always pairs with
// OutcomeRetry and means the device should keep the transaction queued.
func (r *Reconciler) Reconcile(ctx context.Context, p domain.PendingTransaction) (domain.ReconcileResult, error) {
	res := domain.ReconcileResult{ID: p.ID}
	if err := validate(p); err != nil {
		return r.finish(p, res, domain.OutcomeRejectedInvalid, nil, err)
	}

	entry, duplicate, err := r.apply(ctx, p)
	switch {
	case err == nil && duplicate:
		return r.finish(p, res, domain.OutcomeDuplicate, &entry, nil)
	case err == nil:
		return r.finish(p, res, domain.OutcomeApplied, &entry, nil)
	case errors.Is(err, domain.ErrInsufficientBalance):
		return r.finish(p, res, domain.OutcomeRejectedInsufficient, nil, err)
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrBankNotFound),
		errors.Is(err, domain.ErrBalanceOverflow),
		errors.Is(err, domain.ErrDuplicateOperation):
		return r.finish(p, res, domain.OutcomeRejectedInvalid, nil, err)
	default:
		res.Outcome = domain.OutcomeRetry
		res.Error = err.Error()
		observability.ReconcileOutcomes.WithLabelValues(string(res.Outcome)).Inc()
		r.log.Warn("Reconcile deferred", "id", p.ID, "user_id", p.UserID, "error", err)
		return res, err
	}
}

// ReconcileBatch applies transactions in the given order. Once one needs a
// retry, it and every later transaction are reported as retry without being
// attempted, so a device never sees a later transaction commit ahead of an
// earlier one.
func (r *Reconciler) ReconcileBatch(ctx context.Context, batch []domain.PendingTransaction) []domain.ReconcileResult {
	out := make([]domain.ReconcileResult, 0, len(batch))
	blocked := ""
	for _, p := range batch {
		if blocked != "" {
			out = append(out, domain.ReconcileResult{
				ID:      p.ID,
				Outcome: domain.OutcomeRetry,
				Error:   "not attempted: " + blocked + " must be retried first",
			})
			continue
		}
		res, err := r.Reconcile(ctx, p)
		if err != nil {
			blocked = p.ID
		}
		out = append(out, res)
	}
	return out
}

func (r *Reconciler) apply(ctx context.Context, p domain.PendingTransaction) (domain.LedgerEntry, bool, error) {
	meta := p.Metadata.Clone()
	if p.DeviceID != "" {
		meta[domain.MetaDeviceID] = p.DeviceID
	}
	if !p.ClientTimestamp.IsZero() {
		meta[domain.MetaClientTimestamp] = p.ClientTimestamp.UTC().Format(time.RFC3339Nano)
	}

	if dur, ok := sessionDuration(p); ok {
		started, err := r.sessions.Start(ctx, session.StartRequest{
			UserID:          p.UserID,
			DurationSeconds: dur,
			CostSeconds:     -p.DeltaSeconds,
			DeviceID:        p.DeviceID,
			IdempotencyKey:  p.ID,
			StartedAt:       p.ClientTimestamp,
			Metadata:        meta,
		})
		return started.Entry, started.Duplicate, err
	}

	res, err := r.ledger.Append(ctx, ledger.AppendRequest{
		UserID:         p.UserID,
		Type:           p.Type,
		DeltaSeconds:   p.DeltaSeconds,
		Description:    p.Description,
		Source:         p.Source,
		IdempotencyKey: p.ID,
		Metadata:       meta,
	})
	return res.Entry, res.Duplicate, err
}

func (r *Reconciler) finish(p domain.PendingTransaction, res domain.ReconcileResult, outcome domain.Outcome, entry *domain.LedgerEntry, cause error) (domain.ReconcileResult, error) {
	res.Outcome = outcome
	res.Entry = entry
	if cause != nil {
		res.Error = cause.Error()
	}
	observability.ReconcileOutcomes.WithLabelValues(string(outcome)).Inc()
	if outcome.Rejected() {
		r.log.Info("Pending transaction rejected", "id", p.ID, "user_id", p.UserID,
			"outcome", outcome, "reason", res.Error)
	}
	return res, nil
}

// sessionDuration reports whether p is an offline unlock that must also
// open a session.
func sessionDuration(p domain.PendingTransaction) (int64, bool) {
	if p.Type != domain.EntrySpend || p.Source != domain.SourceUnlockedSession {
		return 0, false
	}
	raw, ok := p.Metadata[domain.MetaDurationSeconds]
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func validate(p domain.PendingTransaction) error {
	if strings.TrimSpace(p.ID) == "" {
		return domain.Invalid("pending transaction id is required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return domain.Invalid("user id is required")
	}
	if p.Type != domain.EntryEarn && p.Type != domain.EntrySpend {
		return domain.Invalid("devices may only queue earn or spend, got %q", p.Type)
	}
	if p.Source == domain.SourceAdminAdjustment || !p.Source.Valid() {
		return domain.Invalid("source %q cannot be queued", p.Source)
	}
	if raw, ok := p.Metadata[domain.MetaDurationSeconds]; ok && p.Source == domain.SourceUnlockedSession {
		if d, err := strconv.ParseInt(raw, 10, 64); err != nil || d <= 0 {
			return domain.Invalid("duration_seconds must be a positive integer")
		}
	}
	// An unlock debit always opens a session, so it needs a duration.
	if p.Type == domain.EntrySpend && p.Source == domain.SourceUnlockedSession {
		if _, ok := sessionDuration(p); !ok {
			return domain.Invalid("unlock spend %s has no duration_seconds", p.ID)
		}
	}
	return nil
}
