// Package db provides database connection management.
package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// MigrationRunner runs database migrations.
type MigrationRunner struct {
	db     *Postgres
	logger zerolog.Logger
}

// NewMigrationRunner creates a new migration runner.
func NewMigrationRunner(db *Postgres, logger zerolog.Logger) *MigrationRunner {
	return &MigrationRunner{
		db:     db,
		logger: logger,
	}
}

// RunFromStrings executes migrations from a map of name to SQL string, in
// sorted name order, applying each named migration at most once.
func (m *MigrationRunner) RunFromStrings(ctx context.Context, migrations map[string]string) error {
	m.logger.Info().Msg("Starting database migrations")

	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	var names []string
	for name := range migrations {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if applied[name] {
			m.logger.Debug().Str("name", name).Msg("Migration already applied, skipping")
			continue
		}

		m.logger.Info().Str("name", name).Msg("Applying migration")

		if err := m.applyMigration(ctx, name, migrations[name]); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", name, err)
		}

		m.logger.Info().Str("name", name).Msg("Migration applied successfully")
	}

	m.logger.Info().Msg("Database migrations completed")
	return nil
}

func (m *MigrationRunner) createMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`
	_, err := m.db.DB.ExecContext(ctx, query)
	return err
}

func (m *MigrationRunner) getAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	query := `SELECT version FROM schema_migrations`
	rows, err := m.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

func (m *MigrationRunner) applyMigration(ctx context.Context, name, content string) error {
	tx, err := m.db.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, content); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)",
		name, time.Now(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Status returns the current migration status.
func (m *MigrationRunner) Status(ctx context.Context) ([]MigrationStatus, error) {
	query := `SELECT version, applied_at FROM schema_migrations ORDER BY version`
	rows, err := m.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var status []MigrationStatus
	for rows.Next() {
		var s MigrationStatus
		if err := rows.Scan(&s.Version, &s.AppliedAt); err != nil {
			return nil, err
		}
		status = append(status, s)
	}

	return status, rows.Err()
}

// MigrationStatus represents a migration's status.
type MigrationStatus struct {
	Version   string
	AppliedAt time.Time
}

// Schema returns the named DDL migrations for the control plane's tables,
// applied in lexicographic (hence numeric-prefix) order.
func Schema() map[string]string {
	return map[string]string{
		"0001_accounts.sql": `
			CREATE TABLE IF NOT EXISTS accounts (
				id UUID PRIMARY KEY,
				slug TEXT NOT NULL UNIQUE,
				features JSONB NOT NULL DEFAULT '{}',
				limits JSONB NOT NULL DEFAULT '{}',
				config JSONB NOT NULL DEFAULT '{}',
				disabled_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		"0002_actors.sql": `
			CREATE TABLE IF NOT EXISTS actors (
				id UUID PRIMARY KEY,
				account_id UUID NOT NULL REFERENCES accounts(id),
				type TEXT NOT NULL,
				name TEXT NOT NULL,
				disabled_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		"0003_auth_providers.sql": `
			CREATE TABLE IF NOT EXISTS auth_providers (
				id UUID PRIMARY KEY,
				account_id UUID NOT NULL REFERENCES accounts(id),
				type TEXT NOT NULL,
				name TEXT NOT NULL,
				issuer_url TEXT NOT NULL,
				client_id TEXT NOT NULL,
				client_secret_encrypted BYTEA,
				scopes JSONB NOT NULL DEFAULT '[]',
				sync_enabled BOOLEAN NOT NULL DEFAULT false,
				last_synced_at TIMESTAMPTZ,
				last_sync_error TEXT,
				consecutive_failures INT NOT NULL DEFAULT 0,
				requires_manual_intervention BOOLEAN NOT NULL DEFAULT false,
				last_failure_email_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		"0004_auth_identities.sql": `
			CREATE TABLE IF NOT EXISTS auth_identities (
				id UUID PRIMARY KEY,
				account_id UUID NOT NULL REFERENCES accounts(id),
				actor_id UUID NOT NULL REFERENCES actors(id),
				provider_id UUID NOT NULL REFERENCES auth_providers(id),
				provider_identifier TEXT NOT NULL,
				email TEXT NOT NULL,
				deleted_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (account_id, provider_id, provider_identifier)
			)`,
		"0005_actor_groups.sql": `
			CREATE TABLE IF NOT EXISTS actor_groups (
				id UUID PRIMARY KEY,
				account_id UUID NOT NULL REFERENCES accounts(id),
				provider_id UUID REFERENCES auth_providers(id),
				name TEXT NOT NULL,
				type TEXT NOT NULL,
				last_synced_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		"0006_memberships.sql": `
			CREATE TABLE IF NOT EXISTS memberships (
				actor_id UUID NOT NULL REFERENCES actors(id),
				group_id UUID NOT NULL REFERENCES actor_groups(id),
				account_id UUID NOT NULL REFERENCES accounts(id),
				last_synced_at TIMESTAMPTZ,
				PRIMARY KEY (actor_id, group_id)
			)`,
		"0007_resources.sql": `
			CREATE TABLE IF NOT EXISTS resources (
				id UUID PRIMARY KEY,
				account_id UUID NOT NULL REFERENCES accounts(id),
				persistent_id UUID NOT NULL,
				name TEXT NOT NULL,
				address TEXT,
				address_description TEXT,
				type TEXT NOT NULL,
				ip_stack TEXT,
				filters JSONB NOT NULL DEFAULT '[]',
				deleted_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		"0008_gateway_groups.sql": `
			CREATE TABLE IF NOT EXISTS gateway_groups (
				id UUID PRIMARY KEY,
				account_id UUID NOT NULL REFERENCES accounts(id),
				name TEXT NOT NULL,
				routing TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		"0009_resource_connections.sql": `
			CREATE TABLE IF NOT EXISTS resource_connections (
				resource_id UUID NOT NULL REFERENCES resources(id),
				gateway_group_id UUID NOT NULL REFERENCES gateway_groups(id),
				account_id UUID NOT NULL REFERENCES accounts(id),
				PRIMARY KEY (resource_id, gateway_group_id)
			)`,
		"0010_gateways.sql": `
			CREATE TABLE IF NOT EXISTS gateways (
				id UUID PRIMARY KEY,
				account_id UUID NOT NULL REFERENCES accounts(id),
				gateway_group_id UUID NOT NULL REFERENCES gateway_groups(id),
				name TEXT NOT NULL,
				public_key TEXT NOT NULL,
				ipv4_address INET,
				ipv6_address INET,
				last_seen_remote_ip INET,
				last_seen_version TEXT,
				last_seen_at TIMESTAMPTZ,
				latitude DOUBLE PRECISION,
				longitude DOUBLE PRECISION,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		"0011_relays.sql": `
			CREATE TABLE IF NOT EXISTS relays (
				id UUID PRIMARY KEY,
				account_id UUID REFERENCES accounts(id),
				ipv4_address INET,
				ipv6_address INET,
				stamp_secret TEXT NOT NULL,
				latitude DOUBLE PRECISION,
				longitude DOUBLE PRECISION,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		"0012_policies.sql": `
			CREATE TABLE IF NOT EXISTS policies (
				id UUID PRIMARY KEY,
				persistent_id UUID NOT NULL,
				account_id UUID NOT NULL REFERENCES accounts(id),
				actor_group_id UUID NOT NULL REFERENCES actor_groups(id),
				resource_id UUID NOT NULL REFERENCES resources(id),
				description TEXT,
				conditions JSONB NOT NULL DEFAULT '[]',
				disabled_at TIMESTAMPTZ,
				deleted_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE UNIQUE INDEX IF NOT EXISTS policies_active_unique
				ON policies (account_id, actor_group_id, resource_id)
				WHERE disabled_at IS NULL AND deleted_at IS NULL`,
		"0013_policy_authorizations.sql": `
			CREATE TABLE IF NOT EXISTS policy_authorizations (
				id UUID PRIMARY KEY,
				policy_id UUID NOT NULL REFERENCES policies(id),
				gateway_id UUID NOT NULL REFERENCES gateways(id),
				client_id UUID NOT NULL,
				resource_id UUID NOT NULL REFERENCES resources(id),
				expires_at TIMESTAMPTZ NOT NULL,
				ice_username TEXT NOT NULL,
				ice_password TEXT NOT NULL,
				preshared_key TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		"0014_change_logs.sql": `
			CREATE TABLE IF NOT EXISTS change_logs (
				lsn BIGINT PRIMARY KEY,
				account_id UUID NOT NULL,
				table_name TEXT NOT NULL,
				op TEXT NOT NULL,
				old_data JSONB,
				data JSONB,
				vsn INT NOT NULL DEFAULT 1,
				inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				CONSTRAINT change_logs_op_data_ck CHECK (
					(op = 'insert' AND old_data IS NULL AND data IS NOT NULL) OR
					(op = 'update' AND old_data IS NOT NULL AND data IS NOT NULL) OR
					(op = 'delete' AND old_data IS NOT NULL AND data IS NULL)
				)
			);
			CREATE INDEX IF NOT EXISTS change_logs_account_inserted_at_idx
				ON change_logs (account_id, inserted_at)`,
	}
}
