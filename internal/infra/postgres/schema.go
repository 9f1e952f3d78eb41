package postgres

// Migrations returns the schema statements, applied in order on Open.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS time_banks (
			user_id                 TEXT PRIMARY KEY,
			balance_seconds         BIGINT NOT NULL DEFAULT 0,
			initial_balance_seconds BIGINT NOT NULL DEFAULT 0,
			lifetime_earned_seconds BIGINT NOT NULL DEFAULT 0,
			lifetime_spent_seconds  BIGINT NOT NULL DEFAULT 0,
			frozen                  BOOLEAN NOT NULL DEFAULT FALSE,
			frozen_reason           TEXT NOT NULL DEFAULT '',
			created_at              TIMESTAMPTZ NOT NULL,
			updated_at              TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			seq                   BIGSERIAL PRIMARY KEY,
			id                    TEXT NOT NULL UNIQUE,
			user_id               TEXT NOT NULL REFERENCES time_banks(user_id),
			type                  TEXT NOT NULL,
			delta_seconds         BIGINT NOT NULL,
			balance_after_seconds BIGINT NOT NULL,
			description           TEXT NOT NULL DEFAULT '',
			source                TEXT NOT NULL,
			idempotency_key       TEXT,
			created_at            TIMESTAMPTZ NOT NULL,
			created_by            TEXT,
			metadata              JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_idem
			ON ledger_entries(user_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_user_seq ON ledger_entries(user_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_reward_event
			ON ledger_entries((metadata->>'event_id')) WHERE metadata ? 'event_id'`,
		`CREATE OR REPLACE FUNCTION ledger_entries_immutable() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'ledger entries are immutable';
		END;
		$$ LANGUAGE plpgsql`,
		`CREATE OR REPLACE TRIGGER ledger_entries_immutable
			BEFORE UPDATE ON ledger_entries
			FOR EACH ROW EXECUTE FUNCTION ledger_entries_immutable()`,

		`CREATE TABLE IF NOT EXISTS ledger_archive (
			seq                   BIGINT PRIMARY KEY,
			id                    TEXT NOT NULL UNIQUE,
			user_id               TEXT NOT NULL,
			type                  TEXT NOT NULL,
			delta_seconds         BIGINT NOT NULL,
			balance_after_seconds BIGINT NOT NULL,
			description           TEXT NOT NULL DEFAULT '',
			source                TEXT NOT NULL,
			idempotency_key       TEXT,
			created_at            TIMESTAMPTZ NOT NULL,
			created_by            TEXT,
			metadata              JSONB NOT NULL DEFAULT '{}'::jsonb,
			archived_at           TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_archive_idem
			ON ledger_archive(user_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_archive_user_seq ON ledger_archive(user_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_archive_reward_event
			ON ledger_archive((metadata->>'event_id')) WHERE metadata ? 'event_id'`,

		`CREATE TABLE IF NOT EXISTS ledger_checkpoints (
			user_id         TEXT PRIMARY KEY REFERENCES time_banks(user_id),
			through_seq     BIGINT NOT NULL,
			balance_seconds BIGINT NOT NULL,
			archived_count  BIGINT NOT NULL DEFAULT 0,
			archived_at     TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS unlocked_sessions (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL REFERENCES time_banks(user_id),
			duration_seconds BIGINT NOT NULL,
			cost_seconds     BIGINT NOT NULL,
			started_at       TIMESTAMPTZ NOT NULL,
			ends_at          TIMESTAMPTZ NOT NULL,
			status           TEXT NOT NULL DEFAULT 'active',
			device_id        TEXT NOT NULL DEFAULT '',
			ledger_entry_id  TEXT NOT NULL UNIQUE,
			ended_at         TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status_ends ON unlocked_sessions(status, ends_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON unlocked_sessions(user_id, status)`,

		`CREATE TABLE IF NOT EXISTS reward_claims (
			event_id       TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			reward_seconds BIGINT NOT NULL,
			source         TEXT NOT NULL,
			entry_id       TEXT NOT NULL,
			claimed_at     TIMESTAMPTZ NOT NULL
		)`,
	}
}
