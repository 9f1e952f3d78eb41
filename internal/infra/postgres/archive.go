package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/timebank-app/timebank/internal/domain"
)

// ArchiveEntries moves the oldest prefix of a user's hot ledger, up to the
// first entry created at or after cutoff, into ledger_archive and advances
// the checkpoint. The bank row is locked so no append interleaves.
func (db *DB) ArchiveEntries(ctx context.Context, userID string, cutoff time.Time, limit int, now time.Time) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	var moved int64
	err := db.withTx(ctx, "archive ledger", func(tx pgx.Tx) error {
		var locked string
		err := tx.QueryRow(ctx,
			`SELECT user_id FROM time_banks WHERE user_id = $1 FOR UPDATE`, userID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrBankNotFound
		}
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT seq, balance_after_seconds, created_at FROM ledger_entries
			WHERE user_id = $1 ORDER BY seq ASC LIMIT $2
		`, userID, limit)
		if err != nil {
			return err
		}
		var throughSeq, balance int64
		cut := cutoff.UTC()
		for rows.Next() {
			var (
				seq, bal int64
				created  time.Time
			)
			if err := rows.Scan(&seq, &bal, &created); err != nil {
				rows.Close()
				return err
			}
			if !created.Before(cut) {
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

		ts := now.UTC()
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_archive (`+entryColumns+`, archived_at)
			SELECT `+entryColumns+`, $1 FROM ledger_entries
			WHERE user_id = $2 AND seq <= $3
		`, ts, userID, throughSeq); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM ledger_entries WHERE user_id = $1 AND seq <= $2`, userID, throughSeq); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO ledger_checkpoints (user_id, through_seq, balance_seconds, archived_count, archived_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id) DO UPDATE SET
				through_seq     = EXCLUDED.through_seq,
				balance_seconds = EXCLUDED.balance_seconds,
				archived_count  = ledger_checkpoints.archived_count + EXCLUDED.archived_count,
				archived_at     = EXCLUDED.archived_at
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
	cp, err := getCheckpoint(ctx, db.pool, userID)
	return cp, mapErr("get checkpoint", err)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getCheckpoint(ctx context.Context, q queryRower, userID string) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := q.QueryRow(ctx, `
		SELECT user_id, through_seq, balance_seconds, archived_count, archived_at
		FROM ledger_checkpoints WHERE user_id = $1
	`, userID).Scan(&cp.UserID, &cp.ThroughSeq, &cp.BalanceSeconds, &cp.ArchivedCount, &cp.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.ArchivedAt = cp.ArchivedAt.UTC()
	return &cp, nil
}
