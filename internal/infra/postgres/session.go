package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/timebank-app/timebank/internal/domain"
)

const sessionColumns = `id, user_id, duration_seconds, cost_seconds, started_at, ends_at,
	status, device_id, ledger_entry_id, ended_at`

func insertSession(ctx context.Context, tx pgx.Tx, s domain.UnlockedSession) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO unlocked_sessions (id, user_id, duration_seconds, cost_seconds,
			started_at, ends_at, status, device_id, ledger_entry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.ID, s.UserID, s.DurationSeconds, s.CostSeconds,
		s.StartedAt.UTC(), s.EndsAt.UTC(), string(s.Status), s.DeviceID, s.LedgerEntryID)
	return err
}

func scanSession(row pgx.Row) (domain.UnlockedSession, error) {
	var (
		s      domain.UnlockedSession
		status string
		ended  *time.Time
	)
	err := row.Scan(&s.ID, &s.UserID, &s.DurationSeconds, &s.CostSeconds, &s.StartedAt, &s.EndsAt,
		&status, &s.DeviceID, &s.LedgerEntryID, &ended)
	if err != nil {
		return domain.UnlockedSession{}, err
	}
	s.Status = domain.SessionStatus(status)
	s.StartedAt = s.StartedAt.UTC()
	s.EndsAt = s.EndsAt.UTC()
	if ended != nil {
		t := ended.UTC()
		s.EndedAt = &t
	}
	return s, nil
}

func (db *DB) getSessionBy(ctx context.Context, column, value string) (domain.UnlockedSession, error) {
	s, err := scanSession(db.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM unlocked_sessions WHERE `+column+` = $1`, value))
	if errors.Is(err, pgx.ErrNoRows) {
		return s, domain.ErrSessionNotFound
	}
	return s, mapErr("get session", err)
}

// GetSession reads a session by id.
func (db *DB) GetSession(ctx context.Context, id string) (domain.UnlockedSession, error) {
	return db.getSessionBy(ctx, "id", id)
}

// SessionByEntry finds the session paid for by a ledger entry.
func (db *DB) SessionByEntry(ctx context.Context, entryID string) (domain.UnlockedSession, error) {
	return db.getSessionBy(ctx, "ledger_entry_id", entryID)
}

// ListActiveSessions returns the user's active sessions, soonest ending first.
func (db *DB) ListActiveSessions(ctx context.Context, userID string) ([]domain.UnlockedSession, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM unlocked_sessions
		WHERE user_id = $1 AND status = 'active'
		ORDER BY ends_at ASC
	`, userID)
	if err != nil {
		return nil, mapErr("list sessions", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.UnlockedSession, error) {
		return scanSession(row)
	})
	return out, mapErr("list sessions", err)
}

// CountActiveSessions counts active sessions across all users.
func (db *DB) CountActiveSessions(ctx context.Context) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM unlocked_sessions WHERE status = 'active'`).Scan(&n)
	return n, mapErr("count sessions", err)
}

// TransitionSession performs a compare-and-set on the session status.
func (db *DB) TransitionSession(ctx context.Context, id string, from, to domain.SessionStatus, at time.Time) error {
	return db.withTx(ctx, "transition session", func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM unlocked_sessions WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		if domain.SessionStatus(status) != from {
			return domain.ErrInvalidTransition
		}
		_, err = tx.Exec(ctx,
			`UPDATE unlocked_sessions SET status = $1, ended_at = $2 WHERE id = $3`,
			string(to), at.UTC(), id)
		return err
	})
}

// ExpireSessions marks overdue active sessions expired.
func (db *DB) ExpireSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `
		UPDATE unlocked_sessions SET status = 'expired', ended_at = ends_at
		WHERE status = 'active' AND ends_at <= $1
	`, now.UTC())
	if err != nil {
		return 0, mapErr("expire sessions", err)
	}
	return tag.RowsAffected(), nil
}
