package repository

// Schema definitions for the history store.
// Compatible with both SQLite and PostgreSQL.

const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT,
    country TEXT,
    profile TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_name ON users(name);
`

// schemaTransactions is append-only: rows are inserted once, after scoring.
const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id),
    ts TIMESTAMP NOT NULL,
    client_ts TIMESTAMP,
    amount DOUBLE PRECISION NOT NULL,
    type TEXT NOT NULL,
    country TEXT,
    device_fingerprint TEXT,
    ip TEXT,
    anomaly_score DOUBLE PRECISION NOT NULL,
    anomaly_label INTEGER NOT NULL,
    rules_score DOUBLE PRECISION NOT NULL,
    final_risk DOUBLE PRECISION NOT NULL,
    anomaly_flag INTEGER NOT NULL DEFAULT 0,
    explanations TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_ts ON transactions(user_id, ts);
CREATE INDEX IF NOT EXISTS idx_transactions_device_ts ON transactions(device_fingerprint, ts);
CREATE INDEX IF NOT EXISTS idx_transactions_risk ON transactions(final_risk);
`

const schemaActions = `
CREATE TABLE IF NOT EXISTS actions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id),
    txn_id TEXT,
    action TEXT NOT NULL,
    note TEXT,
    actor TEXT NOT NULL,
    ts TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_actions_user ON actions(user_id, ts);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaUsers,
		schemaTransactions,
		schemaActions,
	}
}
