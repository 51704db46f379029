package store

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
	account_number TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	owner_name     TEXT NOT NULL DEFAULT '',
	account_name   TEXT NOT NULL DEFAULT '',
	balance        BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	currency       TEXT NOT NULL CHECK (currency IN ('EUR', 'USD', 'GBP')),
	is_active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_accounts_owner_id ON accounts (owner_id);

CREATE TABLE IF NOT EXISTS transactions (
	id                   UUID PRIMARY KEY,
	transaction_id       TEXT NOT NULL UNIQUE,
	from_account         TEXT NOT NULL,
	to_account           TEXT NOT NULL,
	amount               BIGINT NOT NULL CHECK (amount > 0),
	currency             TEXT NOT NULL,
	explanation          TEXT NOT NULL DEFAULT '',
	sender_name          TEXT NOT NULL DEFAULT '',
	receiver_name        TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL CHECK (status IN ('pending', 'inProgress', 'completed', 'failed')),
	type                 TEXT NOT NULL CHECK (type IN ('internal', 'external', 'incoming')),
	initiated_by         TEXT NOT NULL DEFAULT '',
	error_message        TEXT,
	sender_bank_prefix   TEXT,
	receiver_bank_prefix TEXT,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at         TIMESTAMPTZ,
	failed_at            TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_transactions_from_account ON transactions (from_account, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_to_account ON transactions (to_account, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_initiated_by ON transactions (initiated_by, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_type_status_updated ON transactions (type, status, updated_at);
`

// Migrate creates the ledger tables when they do not exist yet.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schemaSQL)
	return err
}
