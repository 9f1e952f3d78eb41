package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/timebank-app/timebank/internal/domain"
)

// ─── Unlocked Sessions ──────────────────────────────────────────────────────

const sessionColumns = `id, user_id, duration_seconds, cost_seconds, started_at, ends_at,
	status, device_id, ledger_entry_id, ended_at`

func insertSession(ctx context.Context, tx *sql.Tx, s domain.UnlockedSession) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO unlocked_sessions (id, user_id, duration_seconds, cost_seconds,
			started_at, ends_at, status, device_id, ledger_entry_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.DurationSeconds, s.CostSeconds,
		formatTime(s.StartedAt), formatTime(s.EndsAt), string(s.Status), s.DeviceID, s.LedgerEntryID)
	return err
}

func scanSession(row scanner) (domain.UnlockedSession, error) {
	var (
		s               domain.UnlockedSession
		status          string
		started, endsAt string
		ended           sql.NullString
	)
	err := row.Scan(&s.ID, &s.UserID, &s.DurationSeconds, &s.CostSeconds, &started, &endsAt,
		&status, &s.DeviceID, &s.LedgerEntryID, &ended)
	if err != nil {
		return domain.UnlockedSession{}, err
	}
	s.Status = domain.SessionStatus(status)
	s.StartedAt = parseTime(started)
	s.EndsAt = parseTime(endsAt)
	if ended.Valid {
		t := parseTime(ended.String)
		s.EndedAt = &t
	}
	return s, nil
}

// GetSession reads a session by id.
func (db *DB) GetSession(ctx context.Context, id string) (domain.UnlockedSession, error) {
	s, err := scanSession(db.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM unlocked_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return s, domain.ErrSessionNotFound
	}
	return s, mapErr("get session", err)
}

// SessionByEntry finds the session paid for by a ledger entry.
func (db *DB) SessionByEntry(ctx context.Context, entryID string) (domain.UnlockedSession, error) {
	s, err := scanSession(db.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM unlocked_sessions WHERE ledger_entry_id = ?`, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return s, domain.ErrSessionNotFound
	}
	return s, mapErr("get session", err)
}

// ListActiveSessions returns the user's active sessions, soonest ending first.
func (db *DB) ListActiveSessions(ctx context.Context, userID string) ([]domain.UnlockedSession, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM unlocked_sessions
		WHERE user_id = ? AND status = 'active'
		ORDER BY ends_at ASC
	`, userID)
	if err != nil {
		return nil, mapErr("list sessions", err)
	}
	defer rows.Close()

	var out []domain.UnlockedSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountActiveSessions counts active sessions across all users.
func (db *DB) CountActiveSessions(ctx context.Context) (int64, error) {
	var n int64
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM unlocked_sessions WHERE status = 'active'`).Scan(&n)
	return n, mapErr("count sessions", err)
}

// TransitionSession performs a compare-and-set on the session status.
func (db *DB) TransitionSession(ctx context.Context, id string, from, to domain.SessionStatus, at time.Time) error {
	return db.withTx(ctx, "transition session", func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM unlocked_sessions WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		if domain.SessionStatus(status) != from {
			return domain.ErrInvalidTransition
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE unlocked_sessions SET status = ?, ended_at = ?
			WHERE id = ? AND status = ?
		`, string(to), formatTime(at), id, string(from))
		return err
	})
}

// ExpireSessions marks overdue active sessions expired.
func (db *DB) ExpireSessions(ctx context.Context, now time.Time) (int64, error) {
	ts := formatTime(now)
	res, err := db.db.ExecContext(ctx, `
		UPDATE unlocked_sessions SET status = 'expired', ended_at = ends_at
		WHERE status = 'active' AND ends_at <= ?
	`, ts)
	if err != nil {
		return 0, mapErr("expire sessions", err)
	}
	return res.RowsAffected()
}
