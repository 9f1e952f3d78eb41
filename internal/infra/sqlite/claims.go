package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/timebank-app/timebank/internal/domain"
)

// ─── Reward Claims ──────────────────────────────────────────────────────────

// GetClaim returns the claim for eventID, or nil if the event is unclaimed.
func (db *DB) GetClaim(ctx context.Context, eventID string) (*domain.RewardClaim, error) {
	var (
		c       domain.RewardClaim
		source  string
		claimed string
	)
	err := db.db.QueryRowContext(ctx, `
		SELECT event_id, user_id, reward_seconds, source, entry_id, claimed_at
		FROM reward_claims WHERE event_id = ?
	`, eventID).Scan(&c.EventID, &c.UserID, &c.RewardSeconds, &source, &c.EntryID, &claimed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("get claim", err)
	}
	c.Source = domain.Source(source)
	c.ClaimedAt = parseTime(claimed)
	return &c, nil
}

// InsertClaim records a claim; an existing record wins.
func (db *DB) InsertClaim(ctx context.Context, c domain.RewardClaim) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO reward_claims (event_id, user_id, reward_seconds, source, entry_id, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, c.EventID, c.UserID, c.RewardSeconds, string(c.Source), c.EntryID, formatTime(c.ClaimedAt))
	return mapErr("insert claim", err)
}

// FindRewardEntry returns the oldest reward entry for eventID across all
// users, hot or archived.
func (db *DB) FindRewardEntry(ctx context.Context, eventID string) (*domain.LedgerEntry, error) {
	e, err := scanEntry(db.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM (
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE json_extract(metadata, '$.event_id') = ?
			UNION ALL
			SELECT `+entryColumns+` FROM ledger_archive
			WHERE json_extract(metadata, '$.event_id') = ?
		)
		WHERE source IN ('task_completion', 'parent_grant')
		ORDER BY seq ASC
		LIMIT 1
	`, eventID, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("find reward entry", err)
	}
	return &e, nil
}

// UnclaimedRewardEntries finds hot and archived reward entries whose claim
// record was never written, or names a different entry.
func (db *DB) UnclaimedRewardEntries(ctx context.Context, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM (
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE json_extract(metadata, '$.event_id') IS NOT NULL
			UNION ALL
			SELECT `+entryColumns+` FROM ledger_archive
			WHERE json_extract(metadata, '$.event_id') IS NOT NULL
		) AS e
		WHERE e.source IN ('task_completion', 'parent_grant')
		  AND NOT EXISTS (
			SELECT 1 FROM reward_claims c
			WHERE c.event_id = json_extract(e.metadata, '$.event_id')
			  AND c.entry_id = e.id
		  )
		ORDER BY e.seq ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, mapErr("unclaimed rewards", err)
	}
	return scanEntries(rows)
}
