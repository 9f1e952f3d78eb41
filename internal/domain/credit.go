package domain

import (
	"strings"
	"time"
)

// ─── Ledger Types ───────────────────────────────────────────────────────────
// Balances are whole seconds of screen time. Every balance change is a
// LedgerEntry; the TimeBank row is a cache of the ledger's running sum.

// EntryType is the business reason for a balance change.
type EntryType string

const (
	EntryEarn       EntryType = "earn"
	EntrySpend      EntryType = "spend"
	EntryAdjustment EntryType = "adjustment"
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case EntryEarn, EntrySpend, EntryAdjustment:
		return true
	}
	return false
}

// Source identifies the subsystem that produced an entry.
type Source string

const (
	SourceTaskCompletion  Source = "task_completion"
	SourceUnlockedSession Source = "unlocked_session"
	SourceParentGrant     Source = "parent_grant"
	SourceAdminAdjustment Source = "admin_adjustment"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceTaskCompletion, SourceUnlockedSession, SourceParentGrant, SourceAdminAdjustment:
		return true
	}
	return false
}

// IsReward reports whether entries from s are produced by reward claims.
func (s Source) IsReward() bool {
	return s == SourceTaskCompletion || s == SourceParentGrant
}

// Metadata is a closed string-to-string map carried on ledger entries.
type Metadata map[string]string

// Well-known metadata keys.
const (
	MetaDeviceID        = "device_id"
	MetaClientTimestamp = "client_timestamp"
	MetaSessionID       = "session_id"
	MetaDurationSeconds = "duration_seconds"
	MetaEventID         = "event_id"
)

// Clone returns a copy of m that is safe to mutate.
func (m Metadata) Clone() Metadata {
	if len(m) == 0 {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// LedgerEntry is an immutable row in a user's time ledger.
// Seq is the commit sequence assigned by the store; it defines the
// authoritative order of a user's entries.
type LedgerEntry struct {
	ID                  string    `json:"id"`
	Seq                 int64     `json:"seq"`
	UserID              string    `json:"user_id"`
	Type                EntryType `json:"type"`
	DeltaSeconds        int64     `json:"delta_seconds"`
	BalanceAfterSeconds int64     `json:"balance_after_seconds"`
	Description         string    `json:"description,omitempty"`
	Source              Source    `json:"source"`
	IdempotencyKey      string    `json:"idempotency_key,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	CreatedBy           string    `json:"created_by,omitempty"`
	Metadata            Metadata  `json:"metadata,omitempty"`
}

// TimeBank is the per-user balance row.
type TimeBank struct {
	UserID                string    `json:"user_id"`
	BalanceSeconds        int64     `json:"balance_seconds"`
	InitialBalanceSeconds int64     `json:"initial_balance_seconds"`
	LifetimeEarnedSeconds int64     `json:"lifetime_earned_seconds"`
	LifetimeSpentSeconds  int64     `json:"lifetime_spent_seconds"`
	Frozen                bool      `json:"frozen"`
	FrozenReason          string    `json:"frozen_reason,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Checkpoint carries the balance of a user's archived entries so that
// folding the checkpoint plus the hot entries reproduces the bank balance.
type Checkpoint struct {
	UserID         string    `json:"user_id"`
	ThroughSeq     int64     `json:"through_seq"`
	BalanceSeconds int64     `json:"balance_seconds"`
	ArchivedCount  int64     `json:"archived_count"`
	ArchivedAt     time.Time `json:"archived_at"`
}

// LedgerSnapshot is a consistent read of everything needed to audit a bank.
type LedgerSnapshot struct {
	Bank       TimeBank
	Checkpoint *Checkpoint
	// ArchivedDeltaSum is the sum of deltas held in cold storage.
	ArchivedDeltaSum int64
	// Entries are the hot entries in commit order.
	Entries []LedgerEntry
}

// EntryQuery selects a page of ledger history, newest first.
type EntryQuery struct {
	Since     time.Time
	BeforeSeq int64 // 0 means from the newest entry
	Limit     int
}

// RewardEventKey builds the natural dedup key for an approval transition,
// e.g. RewardEventKey("task", "42", "approved") = "task:42:approved".
func RewardEventKey(kind, id, transition string) string {
	return strings.Join([]string{kind, id, transition}, ":")
}
