package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// IdentityRepository handles actor, identity, and auth-provider persistence.
type IdentityRepository struct {
	db *sql.DB
}

// NewIdentityRepository creates a new identity repository.
func NewIdentityRepository(db *sql.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// GetActor retrieves an actor by ID.
func (r *IdentityRepository) GetActor(ctx context.Context, id uuid.UUID) (*domain.Actor, error) {
	query := `
		SELECT id, account_id, type, name, disabled_at, created_at, updated_at
		FROM actors WHERE id = $1`

	var a domain.Actor
	var disabledAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.AccountID, &a.Type, &a.Name, &disabledAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query actor: %w", err)
	}
	if disabledAt.Valid {
		a.DisabledAt = &disabledAt.Time
	}
	return &a, nil
}

// UpsertActor inserts or updates an actor.
func (r *IdentityRepository) UpsertActor(ctx context.Context, a *domain.Actor) error {
	query := `
		INSERT INTO actors (id, account_id, type, name, disabled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type, name = EXCLUDED.name,
			disabled_at = EXCLUDED.disabled_at, updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.AccountID, a.Type, a.Name, a.DisabledAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert actor: %w", err)
	}
	return nil
}

// DeleteActor removes an actor row. Directory sync does not call it; its
// deletes run through internal/directory's own transaction helpers.
func (r *IdentityRepository) DeleteActor(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM actors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete actor: %w", err)
	}
	return nil
}

// ListIdentitiesByProvider lists all non-deleted identities for a provider,
// used by the directory sync runner to compute its complement-delete set.
func (r *IdentityRepository) ListIdentitiesByProvider(ctx context.Context, providerID uuid.UUID) ([]domain.Identity, error) {
	query := `
		SELECT id, account_id, actor_id, provider_id, provider_identifier, email, deleted_at, created_at, updated_at
		FROM auth_identities
		WHERE provider_id = $1 AND deleted_at IS NULL`

	rows, err := r.db.QueryContext(ctx, query, providerID)
	if err != nil {
		return nil, fmt.Errorf("query identities by provider: %w", err)
	}
	defer rows.Close()

	var out []domain.Identity
	for rows.Next() {
		var i domain.Identity
		var deletedAt sql.NullTime
		if err := rows.Scan(&i.ID, &i.AccountID, &i.ActorID, &i.ProviderID, &i.ProviderIdentifier, &i.Email, &deletedAt, &i.CreatedAt, &i.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		if deletedAt.Valid {
			i.DeletedAt = &deletedAt.Time
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// UpsertIdentity inserts or updates an identity keyed by (account_id,
// provider_id, provider_identifier).
func (r *IdentityRepository) UpsertIdentity(ctx context.Context, i *domain.Identity) error {
	query := `
		INSERT INTO auth_identities (id, account_id, actor_id, provider_id, provider_identifier, email, deleted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, provider_id, provider_identifier) DO UPDATE SET
			actor_id = EXCLUDED.actor_id, email = EXCLUDED.email,
			deleted_at = EXCLUDED.deleted_at, updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		i.ID, i.AccountID, i.ActorID, i.ProviderID, i.ProviderIdentifier, i.Email, i.DeletedAt, i.CreatedAt, i.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

// SoftDeleteIdentity marks an identity deleted without removing the row,
// preserving history for audit.
func (r *IdentityRepository) SoftDeleteIdentity(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE auth_identities SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete identity: %w", err)
	}
	return nil
}

// GetAuthProvider retrieves a provider by ID.
func (r *IdentityRepository) GetAuthProvider(ctx context.Context, id uuid.UUID) (*domain.AuthProvider, error) {
	query := `
		SELECT id, account_id, type, name, issuer_url, client_id, client_secret_encrypted, scopes,
		       sync_enabled, last_synced_at, last_sync_error, consecutive_failures,
		       requires_manual_intervention, last_failure_email_at, created_at, updated_at
		FROM auth_providers WHERE id = $1`

	var p domain.AuthProvider
	var lastSyncedAt, lastFailureEmailAt sql.NullTime
	var lastSyncError sql.NullString
	var scopes []byte

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.AccountID, &p.Type, &p.Name, &p.IssuerURL, &p.ClientID, &p.ClientSecretEncrypted,
		&scopes, &p.SyncEnabled, &lastSyncedAt, &lastSyncError, &p.ConsecutiveFailures,
		&p.RequiresManualIntervention, &lastFailureEmailAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query auth provider: %w", err)
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &p.Scopes); err != nil {
			return nil, fmt.Errorf("unmarshal provider scopes: %w", err)
		}
	}
	if lastSyncedAt.Valid {
		p.LastSyncedAt = &lastSyncedAt.Time
	}
	if lastSyncError.Valid {
		p.LastSyncError = lastSyncError.String
	}
	if lastFailureEmailAt.Valid {
		p.LastFailureEmailAt = &lastFailureEmailAt.Time
	}
	return &p, nil
}

// ListSyncEnabledProviders lists providers the directory sync runner (C10)
// should poll.
func (r *IdentityRepository) ListSyncEnabledProviders(ctx context.Context) ([]domain.AuthProvider, error) {
	query := `SELECT id FROM auth_providers WHERE sync_enabled = true`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sync-enabled providers: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan provider id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	providers := make([]domain.AuthProvider, 0, len(ids))
	for _, id := range ids {
		p, err := r.GetAuthProvider(ctx, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			providers = append(providers, *p)
		}
	}
	return providers, nil
}

// UpdateSyncResult records the outcome of a directory sync attempt.
func (r *IdentityRepository) UpdateSyncResult(ctx context.Context, providerID uuid.UUID, ok bool, syncErr string) error {
	if ok {
		_, err := r.db.ExecContext(ctx, `
			UPDATE auth_providers SET
				last_synced_at = NOW(), last_sync_error = NULL, consecutive_failures = 0, updated_at = NOW()
			WHERE id = $1`, providerID)
		if err != nil {
			return fmt.Errorf("record sync success: %w", err)
		}
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_providers SET
			last_sync_error = $2, consecutive_failures = consecutive_failures + 1, updated_at = NOW()
		WHERE id = $1`, providerID, syncErr)
	if err != nil {
		return fmt.Errorf("record sync failure: %w", err)
	}
	return nil
}

// MarkRequiresManualIntervention flips the provider's manual-intervention
// flag and records the email rate-limit timestamp.
func (r *IdentityRepository) MarkRequiresManualIntervention(ctx context.Context, providerID uuid.UUID, emailSentAt *sql.NullTime) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_providers SET
			requires_manual_intervention = true,
			last_failure_email_at = COALESCE($2, last_failure_email_at),
			updated_at = NOW()
		WHERE id = $1`, providerID, emailSentAt)
	if err != nil {
		return fmt.Errorf("mark requires manual intervention: %w", err)
	}
	return nil
}
