package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// PolicyRepository handles policy and policy-authorization persistence.
type PolicyRepository struct {
	db *sql.DB
}

// NewPolicyRepository creates a new policy repository.
func NewPolicyRepository(db *sql.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

const policyColumns = `id, persistent_id, account_id, actor_group_id, resource_id, description, conditions,
	disabled_at, deleted_at, created_at, updated_at`

func scanPolicy(scan func(...any) error) (*domain.Policy, error) {
	var p domain.Policy
	var description sql.NullString
	var conditions []byte
	var disabledAt, deletedAt sql.NullTime

	if err := scan(
		&p.ID, &p.PersistentID, &p.AccountID, &p.ActorGroupID, &p.ResourceID, &description, &conditions,
		&disabledAt, &deletedAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Description = description.String
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal policy conditions: %w", err)
		}
	}
	if disabledAt.Valid {
		p.DisabledAt = &disabledAt.Time
	}
	if deletedAt.Valid {
		p.DeletedAt = &deletedAt.Time
	}
	return &p, nil
}

// Get retrieves a policy by ID.
func (r *PolicyRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE id = $1`
	p, err := scanPolicy(r.db.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query policy: %w", err)
	}
	return p, nil
}

// ListForGroupResource lists active (non-disabled, non-deleted) policies
// binding a given actor group to a given resource. Under the unique
// partial index there is at most one, but callers that haven't yet applied
// a replacement delete may briefly see more during a transaction.
func (r *PolicyRepository) ListForGroupResource(ctx context.Context, groupID, resourceID uuid.UUID) ([]domain.Policy, error) {
	query := `
		SELECT ` + policyColumns + ` FROM policies
		WHERE actor_group_id = $1 AND resource_id = $2 AND disabled_at IS NULL AND deleted_at IS NULL`

	rows, err := r.db.QueryContext(ctx, query, groupID, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query policies for group/resource: %w", err)
	}
	defer rows.Close()

	var out []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListActiveByAccount lists every active policy for an account, used to
// hydrate a client's cache on connect.
func (r *PolicyRepository) ListActiveByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Policy, error) {
	query := `
		SELECT ` + policyColumns + ` FROM policies
		WHERE account_id = $1 AND disabled_at IS NULL AND deleted_at IS NULL`

	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query active policies: %w", err)
	}
	defer rows.Close()

	var out []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListActivePoliciesForGroups lists every active policy bound to any of
// groupIDs, used by C5 to hydrate a client's cache from its memberships.
func (r *PolicyRepository) ListActivePoliciesForGroups(ctx context.Context, groupIDs []uuid.UUID) ([]domain.Policy, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + policyColumns + ` FROM policies
		WHERE actor_group_id = ANY($1) AND disabled_at IS NULL AND deleted_at IS NULL`

	rows, err := r.db.QueryContext(ctx, query, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("query policies for groups: %w", err)
	}
	defer rows.Close()

	var out []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ExpiresAtForPair returns the latest expires_at among authorizations
// covering (clientID, resourceID) other than excludePolicyAuthorizationID,
// used by internal/gatewaycache.ReauthorizeDeletedPolicyAuthorization.
func (r *PolicyRepository) ExpiresAtForPair(ctx context.Context, clientID, resourceID, excludePolicyAuthorizationID uuid.UUID, now time.Time) (time.Time, bool) {
	query := `
		SELECT MAX(expires_at) FROM policy_authorizations
		WHERE client_id = $1 AND resource_id = $2 AND id != $3 AND expires_at > $4`

	var expiresAt sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, clientID, resourceID, excludePolicyAuthorizationID, now).Scan(&expiresAt); err != nil {
		return time.Time{}, false
	}
	if !expiresAt.Valid {
		return time.Time{}, false
	}
	return expiresAt.Time, true
}

// Upsert inserts or updates a policy.
func (r *PolicyRepository) Upsert(ctx context.Context, p *domain.Policy) error {
	conditions, err := json.Marshal(p.Conditions)
	if err != nil {
		return fmt.Errorf("marshal policy conditions: %w", err)
	}

	query := `
		INSERT INTO policies (` + policyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			description = EXCLUDED.description, conditions = EXCLUDED.conditions,
			disabled_at = EXCLUDED.disabled_at, deleted_at = EXCLUDED.deleted_at, updated_at = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		p.ID, p.PersistentID, p.AccountID, p.ActorGroupID, p.ResourceID, p.Description, conditions,
		p.DisabledAt, p.DeletedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

// SoftDelete marks a policy deleted.
func (r *PolicyRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE policies SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete policy: %w", err)
	}
	return nil
}

// CreateAuthorization records a new policy authorization tuple for an
// in-progress flow.
func (r *PolicyRepository) CreateAuthorization(ctx context.Context, a *domain.PolicyAuthorization) error {
	query := `
		INSERT INTO policy_authorizations
			(id, policy_id, gateway_id, client_id, resource_id, expires_at, ice_username, ice_password, preshared_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.PolicyID, a.GatewayID, a.ClientID, a.ResourceID, a.ExpiresAt,
		a.ICECredentials.Username, a.ICECredentials.Password, a.PresharedKey, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create policy authorization: %w", err)
	}
	return nil
}

// ListActiveAuthorizationsForGateway lists unexpired authorizations a
// gateway should still honor on reconnect.
func (r *PolicyRepository) ListActiveAuthorizationsForGateway(ctx context.Context, gatewayID uuid.UUID) ([]domain.PolicyAuthorization, error) {
	query := `
		SELECT id, policy_id, gateway_id, client_id, resource_id, expires_at, ice_username, ice_password, preshared_key, created_at
		FROM policy_authorizations WHERE gateway_id = $1 AND expires_at > NOW()`

	rows, err := r.db.QueryContext(ctx, query, gatewayID)
	if err != nil {
		return nil, fmt.Errorf("query gateway authorizations: %w", err)
	}
	defer rows.Close()

	var out []domain.PolicyAuthorization
	for rows.Next() {
		var a domain.PolicyAuthorization
		if err := rows.Scan(
			&a.ID, &a.PolicyID, &a.GatewayID, &a.ClientID, &a.ResourceID, &a.ExpiresAt,
			&a.ICECredentials.Username, &a.ICECredentials.Password, &a.PresharedKey, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan policy authorization: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteExpiredAuthorizations removes authorizations past their expiry,
// returning the number of rows removed.
func (r *PolicyRepository) DeleteExpiredAuthorizations(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM policy_authorizations WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired authorizations: %w", err)
	}
	return result.RowsAffected()
}
