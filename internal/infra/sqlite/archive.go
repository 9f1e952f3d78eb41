package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/timebank-app/timebank/internal/domain"
)

// ─── Archival ───────────────────────────────────────────────────────────────

// ArchiveEntries moves the oldest prefix of a user's hot ledger, up to the
// first entry created at or after cutoff, into ledger_archive. The
// checkpoint is advanced in the same transaction.
func (db *DB) ArchiveEntries(ctx context.Context, userID string, cutoff time.Time, limit int, now time.Time) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	var moved int64
	err := db.withTx(ctx, "archive ledger", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM time_banks WHERE user_id = ?`, userID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrBankNotFound
		}
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT seq, balance_after_seconds, created_at FROM ledger_entries
			WHERE user_id = ? ORDER BY seq ASC LIMIT ?
		`, userID, limit)
		if err != nil {
			return err
		}
		var throughSeq, balance int64
		cut := formatTime(cutoff)
		for rows.Next() {
			var (
				seq, bal int64
				created  string
			)
			if err := rows.Scan(&seq, &bal, &created); err != nil {
				rows.Close()
				return err
			}
			if created >= cut {
				break
			}
			throughSeq, balance = seq, bal
			moved++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if moved == 0 {
			return nil
		}

		ts := formatTime(now)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_archive (`+entryColumns+`, archived_at)
			SELECT `+entryColumns+`, ? FROM ledger_entries
			WHERE user_id = ? AND seq <= ?
		`, ts, userID, throughSeq); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM ledger_entries WHERE user_id = ? AND seq <= ?`, userID, throughSeq); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_checkpoints (user_id, through_seq, balance_seconds, archived_count, archived_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				through_seq     = excluded.through_seq,
				balance_seconds = excluded.balance_seconds,
				archived_count  = ledger_checkpoints.archived_count + excluded.archived_count,
				archived_at     = excluded.archived_at
		`, userID, throughSeq, balance, moved, ts)
		return err
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// GetCheckpoint returns the user's checkpoint, or nil before the first archival.
func (db *DB) GetCheckpoint(ctx context.Context, userID string) (*domain.Checkpoint, error) {
	cp, err := getCheckpoint(ctx, db.db, userID)
	return cp, mapErr("get checkpoint", err)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getCheckpoint(ctx context.Context, q queryRower, userID string) (*domain.Checkpoint, error) {
	var (
		cp       domain.Checkpoint
		archived string
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, through_seq, balance_seconds, archived_count, archived_at
		FROM ledger_checkpoints WHERE user_id = ?
	`, userID).Scan(&cp.UserID, &cp.ThroughSeq, &cp.BalanceSeconds, &cp.ArchivedCount, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.ArchivedAt = parseTime(archived)
	return &cp, nil
}
