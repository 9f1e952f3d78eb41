package sqlite

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS time_banks (
			user_id                 TEXT PRIMARY KEY,
			balance_seconds         INTEGER NOT NULL DEFAULT 0,
			initial_balance_seconds INTEGER NOT NULL DEFAULT 0,
			lifetime_earned_seconds INTEGER NOT NULL DEFAULT 0,
			lifetime_spent_seconds  INTEGER NOT NULL DEFAULT 0,
			frozen                  INTEGER NOT NULL DEFAULT 0,
			frozen_reason           TEXT NOT NULL DEFAULT '',
			created_at              TEXT NOT NULL,
			updated_at              TEXT NOT NULL
		)`,

		// Hot ledger. AUTOINCREMENT keeps seq from being reused after archival.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq                   INTEGER PRIMARY KEY AUTOINCREMENT,
			id                    TEXT NOT NULL UNIQUE,
			user_id               TEXT NOT NULL REFERENCES time_banks(user_id),
			type                  TEXT NOT NULL,
			delta_seconds         INTEGER NOT NULL,
			balance_after_seconds INTEGER NOT NULL,
			description           TEXT NOT NULL DEFAULT '',
			source                TEXT NOT NULL,
			idempotency_key       TEXT,
			created_at            TEXT NOT NULL,
			created_by            TEXT,
			metadata              TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_idem
			ON ledger_entries(user_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_user_seq ON ledger_entries(user_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_created ON ledger_entries(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_reward_event
			ON ledger_entries(json_extract(metadata, '$.event_id'))
			WHERE json_extract(metadata, '$.event_id') IS NOT NULL`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_immutable
			BEFORE UPDATE ON ledger_entries
			BEGIN
				SELECT RAISE(ABORT, 'ledger entries are immutable');
			END`,

		// Cold ledger
		`CREATE TABLE IF NOT EXISTS ledger_archive (
			seq                   INTEGER PRIMARY KEY,
			id                    TEXT NOT NULL UNIQUE,
			user_id               TEXT NOT NULL,
			type                  TEXT NOT NULL,
			delta_seconds         INTEGER NOT NULL,
			balance_after_seconds INTEGER NOT NULL,
			description           TEXT NOT NULL DEFAULT '',
			source                TEXT NOT NULL,
			idempotency_key       TEXT,
			created_at            TEXT NOT NULL,
			created_by            TEXT,
			metadata              TEXT NOT NULL DEFAULT '{}',
			archived_at           TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_archive_idem
			ON ledger_archive(user_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_archive_user_seq ON ledger_archive(user_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_reward_event
			ON ledger_archive(json_extract(metadata, '$.event_id'))
			WHERE json_extract(metadata, '$.event_id') IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS ledger_checkpoints (
			user_id         TEXT PRIMARY KEY REFERENCES time_banks(user_id),
			through_seq     INTEGER NOT NULL,
			balance_seconds INTEGER NOT NULL,
			archived_count  INTEGER NOT NULL DEFAULT 0,
			archived_at     TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS unlocked_sessions (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL REFERENCES time_banks(user_id),
			duration_seconds INTEGER NOT NULL,
			cost_seconds     INTEGER NOT NULL,
			started_at       TEXT NOT NULL,
			ends_at          TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'active',
			device_id        TEXT NOT NULL DEFAULT '',
			ledger_entry_id  TEXT NOT NULL UNIQUE,
			ended_at         TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_ends ON unlocked_sessions(status, ends_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON unlocked_sessions(user_id, status)`,

		`CREATE TABLE IF NOT EXISTS reward_claims (
			event_id       TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			reward_seconds INTEGER NOT NULL,
			source         TEXT NOT NULL,
			entry_id       TEXT NOT NULL,
			claimed_at     TEXT NOT NULL
		)`,
	}
}
