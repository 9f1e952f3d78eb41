package domain

import (
	"context"
	"time"
)

// ─── Store Interfaces ───────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// BankTx is the unit of work held while a user's bank row is locked.
// Implementations must not be used after the WithBank callback returns,
// and the callback must not call back into the store outside of tx.
type BankTx interface {
	// Bank returns the locked bank row as read when the unit of work began.
	Bank() TimeBank

	// FindEntry looks up an entry of the locked user by idempotency key in
	// both hot and archived storage. It returns nil, nil when none exists.
	FindEntry(ctx context.Context, key string) (*LedgerEntry, error)

	// LedgerBalance is the balance recorded by the newest entry, falling
	// back to the checkpoint and then the initial balance. It equals
	// Bank().BalanceSeconds unless the cached balance has drifted.
	LedgerBalance(ctx context.Context) (int64, error)

	// InsertEntry appends e and fills in e.Seq.
	InsertEntry(ctx context.Context, e *LedgerEntry) error

	// SaveBank writes the balance columns of b.
	SaveBank(ctx context.Context, b TimeBank) error

	// InsertSession stores a new session in the same unit of work.
	InsertSession(ctx context.Context, s UnlockedSession) error
}

// LedgerStore persists time banks and their ledgers.
type LedgerStore interface {
	CreateBank(ctx context.Context, userID string, now time.Time) (TimeBank, error)
	GetBank(ctx context.Context, userID string) (TimeBank, error)
	ListBankIDs(ctx context.Context) ([]string, error)

	// WithBank locks the user's bank row for the duration of fn. Every
	// balance-affecting write goes through here.
	WithBank(ctx context.Context, userID string, fn func(tx BankTx) error) error

	ListEntries(ctx context.Context, userID string, q EntryQuery) ([]LedgerEntry, error)
	Snapshot(ctx context.Context, userID string) (LedgerSnapshot, error)
	SetFrozen(ctx context.Context, userID string, frozen bool, reason string, now time.Time) error
}

// SessionStore persists unlocked sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (UnlockedSession, error)
	SessionByEntry(ctx context.Context, entryID string) (UnlockedSession, error)
	ListActiveSessions(ctx context.Context, userID string) ([]UnlockedSession, error)
	CountActiveSessions(ctx context.Context) (int64, error)

	// TransitionSession moves a session from one status to another.
	// It fails with ErrInvalidTransition if the session is not in from.
	TransitionSession(ctx context.Context, id string, from, to SessionStatus, at time.Time) error

	// ExpireSessions marks every active session with ends_at <= now expired.
	ExpireSessions(ctx context.Context, now time.Time) (int64, error)
}

// ClaimStore persists reward claim bookkeeping.
type ClaimStore interface {
	GetClaim(ctx context.Context, eventID string) (*RewardClaim, error)
	// InsertClaim records c; an existing record for the event is left untouched.
	InsertClaim(ctx context.Context, c RewardClaim) error
	// FindRewardEntry returns the reward entry carrying eventID for any
	// user, hot or archived, or nil if the event was never credited.
	FindRewardEntry(ctx context.Context, eventID string) (*LedgerEntry, error)
	// UnclaimedRewardEntries returns hot and archived reward entries whose
	// event has no claim record pointing at them.
	UnclaimedRewardEntries(ctx context.Context, limit int) ([]LedgerEntry, error)
}

// ArchiveStore moves old entries to cold storage.
type ArchiveStore interface {
	// ArchiveEntries moves up to limit of the user's entries created before
	// cutoff into cold storage and advances the checkpoint.
	ArchiveEntries(ctx context.Context, userID string, cutoff time.Time, limit int, now time.Time) (int64, error)
	GetCheckpoint(ctx context.Context, userID string) (*Checkpoint, error)
}

// Store is the full server-of-record persistence contract.
type Store interface {
	LedgerStore
	SessionStore
	ClaimStore
	ArchiveStore
	Close() error
}
