// Package session manages paid unlock windows.
//
// A session and the spend entry that pays for it are written in the same
// unit of work: neither can exist without the other. Cost is charged in
// full at start and is not refunded when a session is cancelled early.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/timebank-app/timebank/internal/app/ledger"
	"github.com/timebank-app/timebank/internal/domain"
	"github.com/timebank-app/timebank/internal/infra/observability"
)

// MaxDuration caps a single unlock window.
const MaxDuration = 24 * time.Hour

// StartRequest asks for a new unlock window.
type StartRequest struct {
	UserID          string
	DurationSeconds int64
	CostSeconds     int64
	DeviceID        string
	// IdempotencyKey makes a retried start return the original session.
	IdempotencyKey string
	// StartedAt backdates a session reconciled from a device queue.
	// Zero means the commit time.
	StartedAt time.Time
	CreatedBy string
	Metadata  domain.Metadata
}

// StartResult is a started (or replayed) session and its spend entry.
type StartResult struct {
	Session   domain.UnlockedSession `json:"session"`
	Entry     domain.LedgerEntry     `json:"entry"`
	Duplicate bool                   `json:"duplicate"`
}

// Manager runs the session state machine.
type Manager struct {
	ledger *ledger.Service
	store  domain.SessionStore
	log    *slog.Logger
}

// NewManager creates a session manager.
func NewManager(l *ledger.Service, store domain.SessionStore) *Manager {
	return &Manager{
		ledger: l,
		store:  store,
		log:    slog.Default().With("component", "session"),
	}
}

// Start debits the cost and opens the session in one unit of work.
// InsufficientBalance leaves neither a session nor an entry behind.
func (m *Manager) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if err := req.validate(); err != nil {
		return StartResult{}, err
	}

	sess := domain.UnlockedSession{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		DurationSeconds: req.DurationSeconds,
		CostSeconds:     req.CostSeconds,
		Status:          domain.SessionActive,
		DeviceID:        req.DeviceID,
	}
	meta := req.Metadata.Clone()
	meta[domain.MetaSessionID] = sess.ID
	meta[domain.MetaDurationSeconds] = strconv.FormatInt(req.DurationSeconds, 10)
	if req.DeviceID != "" {
		meta[domain.MetaDeviceID] = req.DeviceID
	}

	res, err := m.ledger.Append(ctx, ledger.AppendRequest{
		UserID:         req.UserID,
		Type:           domain.EntrySpend,
		DeltaSeconds:   -req.CostSeconds,
		Description:    fmt.Sprintf("Unlocked session (%s)", time.Duration(req.DurationSeconds)*time.Second),
		Source:         domain.SourceUnlockedSession,
		IdempotencyKey: req.IdempotencyKey,
		CreatedBy:      req.CreatedBy,
		Metadata:       meta,
	}, func(ctx context.Context, tx domain.BankTx, entry domain.LedgerEntry) error {
		sess.LedgerEntryID = entry.ID
		sess.StartedAt = entry.CreatedAt
		if !req.StartedAt.IsZero() && req.StartedAt.Before(entry.CreatedAt) {
			sess.StartedAt = req.StartedAt.UTC()
		}
		sess.EndsAt = sess.StartedAt.Add(time.Duration(req.DurationSeconds) * time.Second)
		return tx.InsertSession(ctx, sess)
	})
	if err != nil {
		return StartResult{}, err
	}

	if res.Duplicate {
		existing, err := m.store.SessionByEntry(ctx, res.Entry.ID)
		if errors.Is(err, domain.ErrSessionNotFound) {
			return StartResult{}, fmt.Errorf("%w: key %q belongs to a non-session entry",
				domain.ErrDuplicateOperation, req.IdempotencyKey)
		}
		if err != nil {
			return StartResult{}, err
		}
		return StartResult{Session: existing, Entry: res.Entry, Duplicate: true}, nil
	}

	observability.SessionsStarted.Inc()
	m.log.Info("Session started",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"cost", sess.CostSeconds,
		"ends_at", sess.EndsAt,
	)
	return StartResult{Session: sess, Entry: res.Entry}, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, id string) (domain.UnlockedSession, error) {
	return m.store.GetSession(ctx, id)
}

// Cancel stops an active session early. The cost is not refunded.
func (m *Manager) Cancel(ctx context.Context, id, actorID string) (domain.UnlockedSession, error) {
	if err := m.store.TransitionSession(ctx, id, domain.SessionActive, domain.SessionCancelled, m.ledger.Now()); err != nil {
		return domain.UnlockedSession{}, err
	}
	observability.SessionTransitions.WithLabelValues(string(domain.SessionCancelled)).Inc()
	m.log.Info("Session cancelled", "session_id", id, "actor_id", actorID)
	return m.store.GetSession(ctx, id)
}

// Expire ends a session whose window has passed.
func (m *Manager) Expire(ctx context.Context, id string) (domain.UnlockedSession, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return domain.UnlockedSession{}, err
	}
	now := m.ledger.Now()
	if sess.Status != domain.SessionActive || now.Before(sess.EndsAt) {
		return sess, fmt.Errorf("%w: session %s is %s until %s",
			domain.ErrInvalidTransition, id, sess.Status, sess.EndsAt.Format(time.RFC3339))
	}
	if err := m.store.TransitionSession(ctx, id, domain.SessionActive, domain.SessionExpired, sess.EndsAt); err != nil {
		return domain.UnlockedSession{}, err
	}
	observability.SessionTransitions.WithLabelValues(string(domain.SessionExpired)).Inc()
	return m.store.GetSession(ctx, id)
}

// Sweep expires every active session whose window has passed. It never
// touches the ledger.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.ExpireSessions(ctx, m.ledger.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.SessionTransitions.WithLabelValues(string(domain.SessionExpired)).Add(float64(n))
		m.log.Info("Expired sessions", "count", n)
	}
	if active, err := m.store.CountActiveSessions(ctx); err == nil {
		observability.SessionsActive.Set(float64(active))
	}
	return n, nil
}

// Active returns the user's sessions that currently unlock the device.
func (m *Manager) Active(ctx context.Context, userID string) ([]domain.UnlockedSession, error) {
	all, err := m.store.ListActiveSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.ledger.Now()
	out := make([]domain.UnlockedSession, 0, len(all))
	for _, s := range all {
		if s.Unlocks(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// IsUnlocked is the signal consumed by the device enforcement layer.
func (m *Manager) IsUnlocked(ctx context.Context, userID string) (bool, error) {
	active, err := m.Active(ctx, userID)
	return len(active) > 0, err
}

func (r StartRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return domain.Invalid("user id is required")
	}
	if r.DurationSeconds <= 0 {
		return domain.Invalid("duration must be positive")
	}
	if r.DurationSeconds > int64(MaxDuration/time.Second) {
		return domain.Invalid("duration exceeds %s", MaxDuration)
	}
	if r.CostSeconds <= 0 {
		return domain.Invalid("cost must be positive")
	}
	return nil
}
