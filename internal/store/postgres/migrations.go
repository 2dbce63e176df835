package postgres

import (
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/lopezator/migrator"
)

// statements wraps a list of DDL statements as one migration func.
func statements(stmts ...string) func(*sql.Tx) error {
	return func(tx *sql.Tx) error {
		for _, s := range stmts {
			if _, err := tx.Exec(s); err != nil {
				return fmt.Errorf("migration statement failed: %w", err)
			}
		}
		return nil
	}
}

var migrations = migrator.Migrations(
	&migrator.Migration{
		Name: "0001_users",
		Func: statements(`
			CREATE TABLE IF NOT EXISTS users (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				username TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`),
	},
	&migrator.Migration{
		Name: "0002_identity_keys",
		Func: statements(`
			CREATE TABLE IF NOT EXISTS identity_keys (
				user_id UUID PRIMARY KEY REFERENCES users (id) ON DELETE CASCADE,
				identity_key BYTEA NOT NULL,
				registration_id INTEGER NOT NULL
			)`),
	},
	&migrator.Migration{
		Name: "0003_pre_keys",
		Func: statements(`
			CREATE TABLE IF NOT EXISTS signed_pre_keys (
				id INTEGER NOT NULL,
				user_id UUID NOT NULL REFERENCES users (id) ON DELETE CASCADE,
				public_key BYTEA NOT NULL,
				signature BYTEA NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (id, user_id)
			)`, `
			CREATE TABLE IF NOT EXISTS one_time_pre_keys (
				id INTEGER NOT NULL,
				user_id UUID NOT NULL REFERENCES users (id) ON DELETE CASCADE,
				public_key BYTEA NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (id, user_id)
			)`, `
			CREATE INDEX IF NOT EXISTS one_time_pre_keys_user_created_idx
				ON one_time_pre_keys (user_id, created_at)`),
	},
	&migrator.Migration{
		Name: "0004_messages",
		Func: statements(`
			CREATE TABLE IF NOT EXISTS messages (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				sender_id UUID NOT NULL REFERENCES users (id) ON DELETE CASCADE,
				recipient_id UUID NOT NULL REFERENCES users (id) ON DELETE CASCADE,
				message_type INTEGER NOT NULL,
				content BYTEA NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				expires_at TIMESTAMPTZ NOT NULL
			)`, `
			CREATE INDEX IF NOT EXISTS messages_recipient_cursor_idx
				ON messages (recipient_id, created_at, id)`, `
			CREATE INDEX IF NOT EXISTS messages_expires_idx
				ON messages (expires_at)`),
	},
	&migrator.Migration{
		Name: "0005_refresh_tokens",
		Func: statements(`
			CREATE TABLE IF NOT EXISTS refresh_tokens (
				token_hash TEXT PRIMARY KEY,
				user_id UUID NOT NULL REFERENCES users (id) ON DELETE CASCADE,
				expires_at TIMESTAMPTZ NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, `
			CREATE INDEX IF NOT EXISTS refresh_tokens_expires_idx
				ON refresh_tokens (expires_at)`),
	},
	&migrator.Migration{
		Name: "0006_attachments",
		Func: statements(`
			CREATE TABLE IF NOT EXISTS attachments (
				id UUID PRIMARY KEY,
				expires_at TIMESTAMPTZ NOT NULL
			)`, `
			CREATE INDEX IF NOT EXISTS attachments_expires_idx
				ON attachments (expires_at)`),
	},
	&migrator.Migration{
		Name: "0007_backups",
		Func: statements(`
			CREATE TABLE IF NOT EXISTS backups (
				user_id UUID PRIMARY KEY REFERENCES users (id) ON DELETE CASCADE,
				current_version INTEGER NOT NULL DEFAULT 0,
				pending_version INTEGER,
				state TEXT NOT NULL DEFAULT 'ACTIVE',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				pending_at TIMESTAMPTZ
			)`),
	},
	&migrator.Migration{
		Name: "0008_push_tokens",
		Func: statements(`
			CREATE TABLE IF NOT EXISTS push_tokens (
				user_id UUID NOT NULL REFERENCES users (id) ON DELETE CASCADE,
				token TEXT NOT NULL,
				platform TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (user_id, token)
			)`),
	},
)

// Migrate brings the schema up to date. It runs over a short-lived
// database/sql connection (migrator speaks *sql.DB, not pgx) before the
// pgx pool the repositories use is opened.
func Migrate(dsn string) error {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close()

	m, err := migrator.New(migrations)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Migrate(db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
