package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// GroupRepository handles actor-group and membership persistence.
type GroupRepository struct {
	db *sql.DB
}

// NewGroupRepository creates a new group repository.
func NewGroupRepository(db *sql.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// Get retrieves an actor group by ID.
func (r *GroupRepository) Get(ctx context.Context, id uuid.UUID) (*domain.ActorGroup, error) {
	query := `
		SELECT id, account_id, provider_id, name, type, last_synced_at, created_at, updated_at
		FROM actor_groups WHERE id = $1`

	var g domain.ActorGroup
	var providerID uuid.NullUUID
	var lastSyncedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&g.ID, &g.AccountID, &providerID, &g.Name, &g.Type, &lastSyncedAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query actor group: %w", err)
	}
	if providerID.Valid {
		g.ProviderID = &providerID.UUID
	}
	if lastSyncedAt.Valid {
		g.LastSyncedAt = &lastSyncedAt.Time
	}
	return &g, nil
}

// ListByProvider lists all groups synced from a given auth provider.
func (r *GroupRepository) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]domain.ActorGroup, error) {
	query := `
		SELECT id, account_id, provider_id, name, type, last_synced_at, created_at, updated_at
		FROM actor_groups WHERE provider_id = $1`

	rows, err := r.db.QueryContext(ctx, query, providerID)
	if err != nil {
		return nil, fmt.Errorf("query groups by provider: %w", err)
	}
	defer rows.Close()

	var out []domain.ActorGroup
	for rows.Next() {
		var g domain.ActorGroup
		var pid uuid.NullUUID
		var lastSyncedAt sql.NullTime
		if err := rows.Scan(&g.ID, &g.AccountID, &pid, &g.Name, &g.Type, &lastSyncedAt, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan actor group: %w", err)
		}
		if pid.Valid {
			g.ProviderID = &pid.UUID
		}
		if lastSyncedAt.Valid {
			g.LastSyncedAt = &lastSyncedAt.Time
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Upsert inserts or updates an actor group.
func (r *GroupRepository) Upsert(ctx context.Context, g *domain.ActorGroup) error {
	query := `
		INSERT INTO actor_groups (id, account_id, provider_id, name, type, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, last_synced_at = EXCLUDED.last_synced_at, updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		g.ID, g.AccountID, g.ProviderID, g.Name, g.Type, g.LastSyncedAt, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert actor group: %w", err)
	}
	return nil
}

// Delete removes a group row. Memberships cascade via the caller's
// transaction, not a foreign-key ON DELETE clause, since a directory sync
// needs to observe which memberships it removed.
func (r *GroupRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM actor_groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete actor group: %w", err)
	}
	return nil
}

// ListMemberships lists all memberships for a group.
func (r *GroupRepository) ListMemberships(ctx context.Context, groupID uuid.UUID) ([]domain.Membership, error) {
	query := `SELECT actor_id, group_id, account_id, last_synced_at FROM memberships WHERE group_id = $1`
	rows, err := r.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	var out []domain.Membership
	for rows.Next() {
		var m domain.Membership
		var lastSyncedAt sql.NullTime
		if err := rows.Scan(&m.ActorID, &m.GroupID, &m.AccountID, &lastSyncedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		if lastSyncedAt.Valid {
			m.LastSyncedAt = &lastSyncedAt.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMembershipsForActor lists every group membership for a single actor,
// the entry point C5 hydration uses to discover which groups a client's
// policies may reach through.
func (r *GroupRepository) ListMembershipsForActor(ctx context.Context, actorID uuid.UUID) ([]domain.Membership, error) {
	query := `SELECT actor_id, group_id, account_id, last_synced_at FROM memberships WHERE actor_id = $1`
	rows, err := r.db.QueryContext(ctx, query, actorID)
	if err != nil {
		return nil, fmt.Errorf("query memberships for actor: %w", err)
	}
	defer rows.Close()

	var out []domain.Membership
	for rows.Next() {
		var m domain.Membership
		var lastSyncedAt sql.NullTime
		if err := rows.Scan(&m.ActorID, &m.GroupID, &m.AccountID, &lastSyncedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		if lastSyncedAt.Valid {
			m.LastSyncedAt = &lastSyncedAt.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMembership inserts or refreshes a membership row.
func (r *GroupRepository) UpsertMembership(ctx context.Context, m *domain.Membership) error {
	query := `
		INSERT INTO memberships (actor_id, group_id, account_id, last_synced_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (actor_id, group_id) DO UPDATE SET last_synced_at = EXCLUDED.last_synced_at`

	_, err := r.db.ExecContext(ctx, query, m.ActorID, m.GroupID, m.AccountID, m.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// DeleteMembership removes a single membership row.
func (r *GroupRepository) DeleteMembership(ctx context.Context, actorID, groupID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM memberships WHERE actor_id = $1 AND group_id = $2`, actorID, groupID)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	return nil
}
