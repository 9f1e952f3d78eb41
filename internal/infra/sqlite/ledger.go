package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/timebank-app/timebank/internal/domain"
)

// ─── Time Banks ─────────────────────────────────────────────────────────────

const bankColumns = `user_id, balance_seconds, initial_balance_seconds,
	lifetime_earned_seconds, lifetime_spent_seconds, frozen, frozen_reason,
	created_at, updated_at`

func scanBank(row scanner) (domain.TimeBank, error) {
	var (
		b                domain.TimeBank
		frozen           int
		created, updated string
	)
	err := row.Scan(&b.UserID, &b.BalanceSeconds, &b.InitialBalanceSeconds,
		&b.LifetimeEarnedSeconds, &b.LifetimeSpentSeconds, &frozen, &b.FrozenReason,
		&created, &updated)
	if err != nil {
		return domain.TimeBank{}, err
	}
	b.Frozen = frozen == 1
	b.CreatedAt = parseTime(created)
	b.UpdatedAt = parseTime(updated)
	return b, nil
}

// CreateBank inserts a zero-balance bank for userID.
func (db *DB) CreateBank(ctx context.Context, userID string, now time.Time) (domain.TimeBank, error) {
	ts := formatTime(now)
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO time_banks (user_id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, userID, ts, ts)
	if isUniqueViolation(err) {
		return domain.TimeBank{}, domain.ErrBankExists
	}
	if err != nil {
		return domain.TimeBank{}, mapErr("create bank", err)
	}
	return db.GetBank(ctx, userID)
}

// GetBank reads the bank row for userID.
func (db *DB) GetBank(ctx context.Context, userID string) (domain.TimeBank, error) {
	b, err := scanBank(db.db.QueryRowContext(ctx,
		`SELECT `+bankColumns+` FROM time_banks WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TimeBank{}, domain.ErrBankNotFound
	}
	return b, mapErr("get bank", err)
}

// ListBankIDs returns every user with a bank, sorted.
func (db *DB) ListBankIDs(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT user_id FROM time_banks ORDER BY user_id`)
	if err != nil {
		return nil, mapErr("list banks", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetFrozen flips the frozen flag. It never touches the balance.
func (db *DB) SetFrozen(ctx context.Context, userID string, frozen bool, reason string, now time.Time) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE time_banks SET frozen = ?, frozen_reason = ?, updated_at = ?
		WHERE user_id = ?
	`, boolInt(frozen), reason, formatTime(now), userID)
	if err != nil {
		return mapErr("set frozen", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrBankNotFound
	}
	return nil
}

// WithBank runs fn inside a write transaction holding the database lock.
func (db *DB) WithBank(ctx context.Context, userID string, fn func(tx domain.BankTx) error) error {
	return db.withTx(ctx, "ledger append", func(tx *sql.Tx) error {
		bank, err := scanBank(tx.QueryRowContext(ctx,
			`SELECT `+bankColumns+` FROM time_banks WHERE user_id = ?`, userID))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrBankNotFound
		}
		if err != nil {
			return err
		}
		return fn(&bankTx{tx: tx, bank: bank})
	})
}

// ─── Bank Transaction ───────────────────────────────────────────────────────

type bankTx struct {
	tx   *sql.Tx
	bank domain.TimeBank
}

func (b *bankTx) Bank() domain.TimeBank { return b.bank }

func (b *bankTx) FindEntry(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	for _, table := range []string{"ledger_entries", "ledger_archive"} {
		e, err := scanEntry(b.tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM `+table+` WHERE user_id = ? AND idempotency_key = ?`,
			b.bank.UserID, key))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &e, nil
	}
	return nil, nil
}

func (b *bankTx) LedgerBalance(ctx context.Context) (int64, error) {
	var bal int64
	err := b.tx.QueryRowContext(ctx, `
		SELECT COALESCE(
			(SELECT balance_after_seconds FROM ledger_entries WHERE user_id = ? ORDER BY seq DESC LIMIT 1),
			(SELECT balance_seconds FROM ledger_checkpoints WHERE user_id = ?),
			?
		)
	`, b.bank.UserID, b.bank.UserID, b.bank.InitialBalanceSeconds).Scan(&bal)
	return bal, err
}

func (b *bankTx) InsertEntry(ctx context.Context, e *domain.LedgerEntry) error {
	meta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	res, err := b.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, delta_seconds, balance_after_seconds,
			description, source, idempotency_key, created_at, created_by, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, string(e.Type), e.DeltaSeconds, e.BalanceAfterSeconds,
		e.Description, string(e.Source), nullString(e.IdempotencyKey),
		formatTime(e.CreatedAt), nullString(e.CreatedBy), meta)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: idempotency key %q", domain.ErrDuplicateOperation, e.IdempotencyKey)
	}
	if err != nil {
		return err
	}
	e.Seq, err = res.LastInsertId()
	return err
}

func (b *bankTx) SaveBank(ctx context.Context, bank domain.TimeBank) error {
	_, err := b.tx.ExecContext(ctx, `
		UPDATE time_banks SET
			balance_seconds         = ?,
			lifetime_earned_seconds = ?,
			lifetime_spent_seconds  = ?,
			updated_at              = ?
		WHERE user_id = ?
	`, bank.BalanceSeconds, bank.LifetimeEarnedSeconds, bank.LifetimeSpentSeconds,
		formatTime(bank.UpdatedAt), bank.UserID)
	if err == nil {
		b.bank = bank
	}
	return err
}

func (b *bankTx) InsertSession(ctx context.Context, s domain.UnlockedSession) error {
	return insertSession(ctx, b.tx, s)
}

// ─── Ledger Entries ─────────────────────────────────────────────────────────

const entryColumns = `seq, id, user_id, type, delta_seconds, balance_after_seconds,
	description, source, idempotency_key, created_at, created_by, metadata`

func scanEntry(row scanner) (domain.LedgerEntry, error) {
	var (
		e              domain.LedgerEntry
		typ, source    string
		key, createdBy sql.NullString
		created, meta  string
	)
	err := row.Scan(&e.Seq, &e.ID, &e.UserID, &typ, &e.DeltaSeconds, &e.BalanceAfterSeconds,
		&e.Description, &source, &key, &created, &createdBy, &meta)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Type = domain.EntryType(typ)
	e.Source = domain.Source(source)
	e.IdempotencyKey = key.String
	e.CreatedBy = createdBy.String
	e.CreatedAt = parseTime(created)
	e.Metadata, err = decodeMetadata(meta)
	return e, err
}

func scanEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEntries returns hot and archived entries for userID, newest first.
func (db *DB) ListEntries(ctx context.Context, userID string, q domain.EntryQuery) ([]domain.LedgerEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	before := q.BeforeSeq
	if before <= 0 {
		before = 1<<63 - 1
	}
	since := ""
	if !q.Since.IsZero() {
		since = formatTime(q.Since)
	}

	rows, err := db.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM (
			SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = ?
			UNION ALL
			SELECT `+entryColumns+` FROM ledger_archive WHERE user_id = ?
		)
		WHERE seq < ? AND created_at >= ?
		ORDER BY seq DESC
		LIMIT ?
	`, userID, userID, before, since, limit)
	if err != nil {
		return nil, mapErr("list entries", err)
	}
	return scanEntries(rows)
}

// Snapshot reads the bank, checkpoint, archived sum and hot entries in one
// transaction so an audit sees a single point in commit order.
func (db *DB) Snapshot(ctx context.Context, userID string) (domain.LedgerSnapshot, error) {
	var snap domain.LedgerSnapshot
	err := db.withTx(ctx, "ledger snapshot", func(tx *sql.Tx) error {
		bank, err := scanBank(tx.QueryRowContext(ctx,
			`SELECT `+bankColumns+` FROM time_banks WHERE user_id = ?`, userID))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrBankNotFound
		}
		if err != nil {
			return err
		}
		snap.Bank = bank

		if snap.Checkpoint, err = getCheckpoint(ctx, tx, userID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(delta_seconds), 0) FROM ledger_archive WHERE user_id = ?`,
			userID).Scan(&snap.ArchivedDeltaSum); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = ? ORDER BY seq ASC`, userID)
		if err != nil {
			return err
		}
		snap.Entries, err = scanEntries(rows)
		return err
	})
	return snap, err
}

func encodeMetadata(m domain.Metadata) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (domain.Metadata, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m domain.Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
