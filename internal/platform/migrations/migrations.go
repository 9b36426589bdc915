// Package migrations applies the database schema. Statements are idempotent
// and run in order, so Apply can be called on every startup.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS app_users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		surname TEXT NOT NULL,
		student_id TEXT NOT NULL,
		email TEXT NOT NULL,
		pseudonym TEXT NOT NULL DEFAULT '',
		faculty TEXT NOT NULL DEFAULT '',
		wallet_address TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT app_users_email_key UNIQUE (email),
		CONSTRAINT app_users_student_id_key UNIQUE (student_id),
		CONSTRAINT app_users_balance_nonneg CHECK (balance >= 0)
	)`,

	`CREATE TABLE IF NOT EXISTS app_activities (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		tokens BIGINT NOT NULL,
		date TIMESTAMPTZ NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		max_participants INTEGER,
		created_by TEXT NOT NULL REFERENCES app_users(id),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS app_registrations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES app_users(id),
		activity_id TEXT NOT NULL REFERENCES app_activities(id),
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT app_registrations_user_activity_key UNIQUE (user_id, activity_id)
	)`,

	`CREATE TABLE IF NOT EXISTS app_rewards (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		token_cost BIGINT NOT NULL,
		quantity INTEGER,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT app_rewards_quantity_nonneg CHECK (quantity IS NULL OR quantity >= 0)
	)`,

	`CREATE TABLE IF NOT EXISTS app_mint_batches (
		id TEXT PRIMARY KEY,
		activity_id TEXT NOT NULL REFERENCES app_activities(id),
		idempotency_key TEXT NOT NULL,
		user_ids JSONB NOT NULL,
		amount_each BIGINT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		tx_ref TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT app_mint_batches_idempotency_key UNIQUE (idempotency_key)
	)`,

	`CREATE TABLE IF NOT EXISTS app_ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES app_users(id),
		amount BIGINT NOT NULL,
		kind TEXT NOT NULL,
		activity_id TEXT NOT NULL DEFAULT '',
		reward_id TEXT NOT NULL DEFAULT '',
		batch_id TEXT NOT NULL DEFAULT '',
		tx_ref TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS app_ledger_entries_user_idx ON app_ledger_entries (user_id, created_at DESC)`,
}

// Apply runs every schema statement in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
