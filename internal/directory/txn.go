package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// SyncReport aggregates the structured per-table effect counts from one
// directory sync transaction. This is the Go reframing of the teacher's
// would-be Ecto Multi changeset chain: a single transaction whose steps
// are ordered imperative calls, each contributing to one report instead of
// a declarative multi-step changeset object.
type SyncReport struct {
	GroupsUpserted      int
	GroupsDeleted       int
	IdentitiesUpserted  int
	IdentitiesDeleted   int
	MembershipsUpserted int
	MembershipsDeleted  int
}

// syncInput bundles everything applyTx needs that was gathered by
// non-transactional reads before the transaction opened — the existing
// rows to reconcile against, and which capabilities the adapter has, since
// an adapter with no group API must never be treated as having reported an
// empty group list.
type syncInput struct {
	provider            domain.AuthProvider
	users               []UserAttrs
	groups              []GroupAttrs
	hasGroups           bool
	memberOf            map[string][]string // group external id -> member external ids
	hasMembers          bool
	existingIdentities  []domain.Identity
	existingGroups      []domain.ActorGroup
	existingMemberships []domain.Membership
}

func (r *Runner) applyTx(ctx context.Context, in syncInput) (*SyncReport, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sync transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT id FROM auth_providers WHERE id = $1 FOR UPDATE`, in.provider.ID); err != nil {
		return nil, fmt.Errorf("lock provider row: %w", err)
	}

	report := &SyncReport{}
	now := time.Now()
	providerID := in.provider.ID

	groupIDByExternal := make(map[string]uuid.UUID, len(in.groups))
	keepGroups := make(map[uuid.UUID]struct{}, len(in.groups))
	if in.hasGroups {
		for _, g := range in.groups {
			groupID := findGroupID(in.existingGroups, g.Name)
			if groupID == uuid.Nil {
				groupID = uuid.New()
			}
			row := domain.ActorGroup{
				ID: groupID, AccountID: in.provider.AccountID, ProviderID: &providerID,
				Name: g.Name, Type: domain.GroupTypeSynced, LastSyncedAt: &now,
				CreatedAt: now, UpdatedAt: now,
			}
			if err := upsertGroupTx(ctx, tx, &row); err != nil {
				return nil, err
			}
			groupIDByExternal[g.ExternalID] = groupID
			keepGroups[groupID] = struct{}{}
			report.GroupsUpserted++
		}
		for _, g := range in.existingGroups {
			if _, ok := keepGroups[g.ID]; !ok {
				if err := deleteGroupTx(ctx, tx, g.ID); err != nil {
					return nil, err
				}
				report.GroupsDeleted++
			}
		}
	}

	actorIDByExternal := make(map[string]uuid.UUID, len(in.users))
	keepIdentities := make(map[uuid.UUID]struct{}, len(in.users))
	for _, u := range in.users {
		existing := findIdentity(in.existingIdentities, u.ExternalID)
		actorID := uuid.New()
		identityID := uuid.New()
		if existing != nil {
			actorID = existing.ActorID
			identityID = existing.ID
		}
		actor := domain.Actor{ID: actorID, AccountID: in.provider.AccountID, Type: domain.ActorTypeUser, Name: u.Name, CreatedAt: now, UpdatedAt: now}
		if err := upsertActorTx(ctx, tx, &actor); err != nil {
			return nil, err
		}
		identity := domain.Identity{
			ID: identityID, AccountID: in.provider.AccountID, ActorID: actorID,
			ProviderID: providerID, ProviderIdentifier: u.ExternalID, Email: u.Email,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := upsertIdentityTx(ctx, tx, &identity); err != nil {
			return nil, err
		}
		actorIDByExternal[u.ExternalID] = actorID
		keepIdentities[identityID] = struct{}{}
		report.IdentitiesUpserted++
	}
	for _, id := range in.existingIdentities {
		if _, ok := keepIdentities[id.ID]; !ok {
			if err := softDeleteIdentityTx(ctx, tx, id.ID); err != nil {
				return nil, err
			}
			report.IdentitiesDeleted++
		}
	}

	if in.hasMembers {
		keepMemberships := make(map[[2]uuid.UUID]struct{})
		for groupExternal, memberExternals := range in.memberOf {
			groupID, ok := groupIDByExternal[groupExternal]
			if !ok {
				continue
			}
			for _, memberExternal := range memberExternals {
				actorID, ok := actorIDByExternal[memberExternal]
				if !ok {
					continue
				}
				m := domain.Membership{ActorID: actorID, GroupID: groupID, AccountID: in.provider.AccountID, LastSyncedAt: &now}
				if err := upsertMembershipTx(ctx, tx, &m); err != nil {
					return nil, err
				}
				keepMemberships[[2]uuid.UUID{actorID, groupID}] = struct{}{}
				report.MembershipsUpserted++
			}
		}
		for _, m := range in.existingMemberships {
			if _, ok := keepMemberships[[2]uuid.UUID{m.ActorID, m.GroupID}]; !ok {
				if err := deleteMembershipTx(ctx, tx, m.ActorID, m.GroupID); err != nil {
					return nil, err
				}
				report.MembershipsDeleted++
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE auth_providers SET
			last_synced_at = $2, last_sync_error = NULL, consecutive_failures = 0, updated_at = $2
		WHERE id = $1`, providerID, now); err != nil {
		return nil, fmt.Errorf("record sync success in transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sync transaction: %w", err)
	}
	return report, nil
}

func findGroupID(existing []domain.ActorGroup, name string) uuid.UUID {
	for _, g := range existing {
		if g.Name == name {
			return g.ID
		}
	}
	return uuid.Nil
}

func findIdentity(existing []domain.Identity, externalID string) *domain.Identity {
	for i := range existing {
		if existing[i].ProviderIdentifier == externalID {
			return &existing[i]
		}
	}
	return nil
}

func upsertGroupTx(ctx context.Context, tx *sql.Tx, g *domain.ActorGroup) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO actor_groups (id, account_id, provider_id, name, type, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, last_synced_at = EXCLUDED.last_synced_at, updated_at = EXCLUDED.updated_at`,
		g.ID, g.AccountID, g.ProviderID, g.Name, g.Type, g.LastSyncedAt, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert synced group: %w", err)
	}
	return nil
}

func deleteGroupTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE group_id = $1`, id); err != nil {
		return fmt.Errorf("delete memberships for removed group: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM actor_groups WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete removed group: %w", err)
	}
	return nil
}

func upsertActorTx(ctx context.Context, tx *sql.Tx, a *domain.Actor) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO actors (id, account_id, type, name, disabled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type, name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
		a.ID, a.AccountID, a.Type, a.Name, a.DisabledAt, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert synced actor: %w", err)
	}
	return nil
}

func upsertIdentityTx(ctx context.Context, tx *sql.Tx, i *domain.Identity) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO auth_identities (id, account_id, actor_id, provider_id, provider_identifier, email, deleted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, provider_id, provider_identifier) DO UPDATE SET
			actor_id = EXCLUDED.actor_id, email = EXCLUDED.email,
			deleted_at = NULL, updated_at = EXCLUDED.updated_at`,
		i.ID, i.AccountID, i.ActorID, i.ProviderID, i.ProviderIdentifier, i.Email, i.DeletedAt, i.CreatedAt, i.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert synced identity: %w", err)
	}
	return nil
}

func softDeleteIdentityTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `UPDATE auth_identities SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete identity missing from sync: %w", err)
	}
	return nil
}

func upsertMembershipTx(ctx context.Context, tx *sql.Tx, m *domain.Membership) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memberships (actor_id, group_id, account_id, last_synced_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (actor_id, group_id) DO UPDATE SET last_synced_at = EXCLUDED.last_synced_at`,
		m.ActorID, m.GroupID, m.AccountID, m.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("upsert synced membership: %w", err)
	}
	return nil
}

func deleteMembershipTx(ctx context.Context, tx *sql.Tx, actorID, groupID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE actor_id = $1 AND group_id = $2`, actorID, groupID)
	if err != nil {
		return fmt.Errorf("delete membership missing from sync: %w", err)
	}
	return nil
}
