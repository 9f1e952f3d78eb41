package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/timebank-app/timebank/internal/domain"
)

const bankColumns = `user_id, balance_seconds, initial_balance_seconds,
	lifetime_earned_seconds, lifetime_spent_seconds, frozen, frozen_reason,
	created_at, updated_at`

func scanBank(row pgx.Row) (domain.TimeBank, error) {
	var b domain.TimeBank
	err := row.Scan(&b.UserID, &b.BalanceSeconds, &b.InitialBalanceSeconds,
		&b.LifetimeEarnedSeconds, &b.LifetimeSpentSeconds, &b.Frozen, &b.FrozenReason,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return domain.TimeBank{}, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

// CreateBank inserts a zero-balance bank for userID.
func (db *DB) CreateBank(ctx context.Context, userID string, now time.Time) (domain.TimeBank, error) {
	b, err := scanBank(db.pool.QueryRow(ctx, `
		INSERT INTO time_banks (user_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		RETURNING `+bankColumns, userID, now.UTC()))
	if isUniqueViolation(err) {
		return domain.TimeBank{}, domain.ErrBankExists
	}
	return b, mapErr("create bank", err)
}

// GetBank reads the bank row for userID.
func (db *DB) GetBank(ctx context.Context, userID string) (domain.TimeBank, error) {
	b, err := scanBank(db.pool.QueryRow(ctx,
		`SELECT `+bankColumns+` FROM time_banks WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TimeBank{}, domain.ErrBankNotFound
	}
	return b, mapErr("get bank", err)
}

// ListBankIDs returns every user with a bank, sorted.
func (db *DB) ListBankIDs(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT user_id FROM time_banks ORDER BY user_id`)
	if err != nil {
		return nil, mapErr("list banks", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, mapErr("list banks", err)
}

// SetFrozen flips the frozen flag without touching the balance.
func (db *DB) SetFrozen(ctx context.Context, userID string, frozen bool, reason string, now time.Time) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE time_banks SET frozen = $1, frozen_reason = $2, updated_at = $3
		WHERE user_id = $4
	`, frozen, reason, now.UTC(), userID)
	if err != nil {
		return mapErr("set frozen", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBankNotFound
	}
	return nil
}

// WithBank runs fn in a transaction holding the user's bank row lock.
// Appends for different users proceed in parallel.
func (db *DB) WithBank(ctx context.Context, userID string, fn func(tx domain.BankTx) error) error {
	return db.withTx(ctx, "ledger append", func(tx pgx.Tx) error {
		bank, err := scanBank(tx.QueryRow(ctx,
			`SELECT `+bankColumns+` FROM time_banks WHERE user_id = $1 FOR UPDATE`, userID))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrBankNotFound
		}
		if err != nil {
			return err
		}
		return fn(&bankTx{tx: tx, bank: bank})
	})
}

type bankTx struct {
	tx   pgx.Tx
	bank domain.TimeBank
}

func (b *bankTx) Bank() domain.TimeBank { return b.bank }

func (b *bankTx) FindEntry(ctx context.Context, key string) (*domain.LedgerEntry, error) {
	e, err := scanEntry(b.tx.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = $1 AND idempotency_key = $2
		UNION ALL
		SELECT `+entryColumns+` FROM ledger_archive WHERE user_id = $1 AND idempotency_key = $2
		LIMIT 1
	`, b.bank.UserID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (b *bankTx) LedgerBalance(ctx context.Context) (int64, error) {
	var bal int64
	err := b.tx.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT balance_after_seconds FROM ledger_entries WHERE user_id = $1 ORDER BY seq DESC LIMIT 1),
			(SELECT balance_seconds FROM ledger_checkpoints WHERE user_id = $1),
			$2::bigint
		)
	`, b.bank.UserID, b.bank.InitialBalanceSeconds).Scan(&bal)
	return bal, err
}

func (b *bankTx) InsertEntry(ctx context.Context, e *domain.LedgerEntry) error {
	err := b.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, user_id, type, delta_seconds, balance_after_seconds,
			description, source, idempotency_key, created_at, created_by, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING seq
	`, e.ID, e.UserID, string(e.Type), e.DeltaSeconds, e.BalanceAfterSeconds,
		e.Description, string(e.Source), nullString(e.IdempotencyKey),
		e.CreatedAt.UTC(), nullString(e.CreatedBy), metadataValue(e.Metadata)).Scan(&e.Seq)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: idempotency key %q", domain.ErrDuplicateOperation, e.IdempotencyKey)
	}
	return err
}

func (b *bankTx) SaveBank(ctx context.Context, bank domain.TimeBank) error {
	_, err := b.tx.Exec(ctx, `
		UPDATE time_banks SET
			balance_seconds         = $1,
			lifetime_earned_seconds = $2,
			lifetime_spent_seconds  = $3,
			updated_at              = $4
		WHERE user_id = $5
	`, bank.BalanceSeconds, bank.LifetimeEarnedSeconds, bank.LifetimeSpentSeconds,
		bank.UpdatedAt.UTC(), bank.UserID)
	if err == nil {
		b.bank = bank
	}
	return err
}

func (b *bankTx) InsertSession(ctx context.Context, s domain.UnlockedSession) error {
	return insertSession(ctx, b.tx, s)
}

const entryColumns = `seq, id, user_id, type, delta_seconds, balance_after_seconds,
	description, source, idempotency_key, created_at, created_by, metadata`

func scanEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var (
		e              domain.LedgerEntry
		typ, source    string
		key, createdBy *string
		meta           domain.Metadata
	)
	err := row.Scan(&e.Seq, &e.ID, &e.UserID, &typ, &e.DeltaSeconds, &e.BalanceAfterSeconds,
		&e.Description, &source, &key, &e.CreatedAt, &createdBy, &meta)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Type = domain.EntryType(typ)
	e.Source = domain.Source(source)
	if key != nil {
		e.IdempotencyKey = *key
	}
	if createdBy != nil {
		e.CreatedBy = *createdBy
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if len(meta) > 0 {
		e.Metadata = meta
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.LedgerEntry, error) {
		return scanEntry(row)
	})
}

// ListEntries returns hot and archived entries for userID, newest first.
func (db *DB) ListEntries(ctx context.Context, userID string, q domain.EntryQuery) ([]domain.LedgerEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	before := q.BeforeSeq
	if before <= 0 {
		before = math.MaxInt64
	}
	var since *time.Time
	if !q.Since.IsZero() {
		s := q.Since.UTC()
		since = &s
	}

	rows, err := db.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM (
			SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = $1
			UNION ALL
			SELECT `+entryColumns+` FROM ledger_archive WHERE user_id = $1
		) AS e
		WHERE seq < $2 AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY seq DESC
		LIMIT $4
	`, userID, before, since, limit)
	if err != nil {
		return nil, mapErr("list entries", err)
	}
	entries, err := collectEntries(rows)
	return entries, mapErr("list entries", err)
}

// Snapshot reads everything an audit needs in one repeatable-read
// transaction.
func (db *DB) Snapshot(ctx context.Context, userID string) (domain.LedgerSnapshot, error) {
	var snap domain.LedgerSnapshot
	err := pgx.BeginTxFunc(ctx, db.pool, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		bank, err := scanBank(tx.QueryRow(ctx,
			`SELECT `+bankColumns+` FROM time_banks WHERE user_id = $1`, userID))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrBankNotFound
		}
		if err != nil {
			return err
		}
		snap.Bank = bank

		if snap.Checkpoint, err = getCheckpoint(ctx, tx, userID); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(delta_seconds), 0)::BIGINT FROM ledger_archive WHERE user_id = $1`,
			userID).Scan(&snap.ArchivedDeltaSum); err != nil {
			return err
		}

		rows, err := tx.Query(ctx,
			`SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = $1 ORDER BY seq ASC`, userID)
		if err != nil {
			return err
		}
		snap.Entries, err = collectEntries(rows)
		return err
	})
	return snap, mapErr("ledger snapshot", err)
}
