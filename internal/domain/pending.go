package domain

import "time"

// ─── Offline Transactions ───────────────────────────────────────────────────

// PendingTransaction is an earn or spend intent recorded on a device before
// the server has committed it. ID is generated on the device and doubles as
// the idempotency key.
type PendingTransaction struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Type            EntryType  `json:"type"`
	DeltaSeconds    int64      `json:"delta_seconds"`
	Description     string     `json:"description,omitempty"`
	Source          Source     `json:"source"`
	ClientTimestamp time.Time  `json:"client_timestamp"`
	DeviceID        string     `json:"device_id,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	Metadata        Metadata   `json:"metadata,omitempty"`
}

// Outcome is the Reconciler's verdict on one PendingTransaction.
type Outcome string

const (
	OutcomeApplied              Outcome = "applied"
	OutcomeDuplicate            Outcome = "duplicate"
	OutcomeRejectedInsufficient Outcome = "rejected_insufficient"
	OutcomeRejectedInvalid      Outcome = "rejected_invalid"
	OutcomeRetry                Outcome = "retry"
)

// Terminal reports whether the device may drop the transaction from its queue.
func (o Outcome) Terminal() bool {
	return o != OutcomeRetry && o != ""
}

// Rejected reports whether the transaction was refused without effect.
func (o Outcome) Rejected() bool {
	return o == OutcomeRejectedInsufficient || o == OutcomeRejectedInvalid
}

// ReconcileResult is returned to the device for each PendingTransaction.
type ReconcileResult struct {
	ID      string       `json:"id"`
	Outcome Outcome      `json:"outcome"`
	Entry   *LedgerEntry `json:"entry,omitempty"`
	Error   string       `json:"error,omitempty"`
}
