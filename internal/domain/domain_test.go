package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEntryTypeAndSource(t *testing.T) {
	for _, et := range []EntryType{EntryEarn, EntrySpend, EntryAdjustment} {
		if !et.Valid() {
			t.Errorf("%q should be valid", et)
		}
	}
	if EntryType("refund").Valid() {
		t.Error("refund is not an entry type")
	}

	rewards := map[Source]bool{
		SourceTaskCompletion:  true,
		SourceParentGrant:     true,
		SourceUnlockedSession: false,
		SourceAdminAdjustment: false,
	}
	for src, want := range rewards {
		if !src.Valid() {
			t.Errorf("%q should be valid", src)
		}
		if src.IsReward() != want {
			t.Errorf("%q.IsReward() = %v, want %v", src, !want, want)
		}
	}
	if Source("").Valid() {
		t.Error("empty source should be invalid")
	}
}

func TestMetadataClone(t *testing.T) {
	orig := Metadata{MetaDeviceID: "tablet"}
	c := orig.Clone()
	c[MetaDeviceID] = "phone"
	if orig[MetaDeviceID] != "tablet" {
		t.Error("Clone shares storage with the original")
	}
	if got := Metadata(nil).Clone(); got == nil || len(got) != 0 {
		t.Errorf("nil Clone = %#v", got)
	}
}

func TestRewardEventKey(t *testing.T) {
	if got := RewardEventKey("task", "42", "approved"); got != "task:42:approved" {
		t.Errorf("RewardEventKey = %q", got)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		o                  Outcome
		terminal, rejected bool
	}{
		{OutcomeApplied, true, false},
		{OutcomeDuplicate, true, false},
		{OutcomeRejectedInsufficient, true, true},
		{OutcomeRejectedInvalid, true, true},
		{OutcomeRetry, false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		if tt.o.Terminal() != tt.terminal || tt.o.Rejected() != tt.rejected {
			t.Errorf("%q: terminal=%v rejected=%v", tt.o, tt.o.Terminal(), tt.o.Rejected())
		}
	}
}

func TestSessionUnlocks(t *testing.T) {
	start := time.Date(2026, 5, 1, 16, 0, 0, 0, time.UTC)
	s := UnlockedSession{Status: SessionActive, StartedAt: start, EndsAt: start.Add(30 * time.Minute)}

	if !s.Unlocks(start.Add(29 * time.Minute)) {
		t.Error("session should unlock before ends_at")
	}
	if s.Unlocks(s.EndsAt) {
		t.Error("session must not unlock at ends_at")
	}
	s.Status = SessionCancelled
	if s.Unlocks(start) {
		t.Error("cancelled session must not unlock")
	}
}

func TestErrorKinds(t *testing.T) {
	if !errors.Is(ErrBankFrozen, ErrInvariantViolation) {
		t.Error("ErrBankFrozen should be an invariant violation")
	}

	transient := Transient("append", errors.New("database is locked"))
	if !errors.Is(transient, ErrTransient) || !IsRetryable(transient) {
		t.Errorf("Transient not retryable: %v", transient)
	}
	if !IsRetryable(fmt.Errorf("%w (drift)", ErrBankFrozen)) {
		t.Error("frozen bank should be retryable")
	}
	for _, err := range []error{nil, ErrInsufficientBalance, Invalid("x"), ErrInvariantViolation} {
		if IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = true", err)
		}
	}

	inv := Invalid("cost %d must be positive", -5)
	if !errors.Is(inv, ErrInvalidInput) || inv.Error() != "invalid input: cost -5 must be positive" {
		t.Errorf("Invalid = %v", inv)
	}
}
