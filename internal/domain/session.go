package domain

import "time"

// ─── Unlocked Sessions ──────────────────────────────────────────────────────

// SessionStatus is the lifecycle state of an UnlockedSession.
// active → expired | cancelled; both are terminal.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionExpired   SessionStatus = "expired"
	SessionCancelled SessionStatus = "cancelled"
)

// UnlockedSession is a paid window during which device restrictions are lifted.
// The cost is debited in full when the session starts.
type UnlockedSession struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	DurationSeconds int64         `json:"duration_seconds"`
	CostSeconds     int64         `json:"cost_seconds"`
	StartedAt       time.Time     `json:"started_at"`
	EndsAt          time.Time     `json:"ends_at"`
	Status          SessionStatus `json:"status"`
	DeviceID        string        `json:"device_id,omitempty"`
	LedgerEntryID   string        `json:"ledger_entry_id"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
}

// Unlocks reports whether the session lifts restrictions at now.
func (s UnlockedSession) Unlocks(now time.Time) bool {
	return s.Status == SessionActive && now.Before(s.EndsAt)
}

// ─── Reward Claims ──────────────────────────────────────────────────────────

// RewardClaim records that an approval event has been paid out.
type RewardClaim struct {
	EventID       string    `json:"event_id"`
	UserID        string    `json:"user_id"`
	RewardSeconds int64     `json:"reward_seconds"`
	Source        Source    `json:"source"`
	EntryID       string    `json:"entry_id"`
	ClaimedAt     time.Time `json:"claimed_at"`
}
