package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/condition"
	"github.com/boundarymesh/controlplane/internal/domain"
)

// ResourceRepository handles resource and resource-connection persistence.
type ResourceRepository struct {
	db *sql.DB
}

// NewResourceRepository creates a new resource repository.
func NewResourceRepository(db *sql.DB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

func scanResource(scan func(...any) error) (*domain.Resource, error) {
	var r domain.Resource
	var address, addressDescription, ipStack sql.NullString
	var filters []byte
	var deletedAt sql.NullTime

	if err := scan(
		&r.ID, &r.AccountID, &r.PersistentID, &r.Name, &address, &addressDescription,
		&r.Type, &ipStack, &filters, &deletedAt, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Address = address.String
	r.AddressDescription = addressDescription.String
	r.IPStack = domain.IPStack(ipStack.String)
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &r.Filters); err != nil {
			return nil, fmt.Errorf("unmarshal resource filters: %w", err)
		}
	}
	if deletedAt.Valid {
		r.DeletedAt = &deletedAt.Time
	}
	return &r, nil
}

// Get retrieves a resource by ID, including soft-deleted rows.
func (r *ResourceRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Resource, error) {
	query := `
		SELECT id, account_id, persistent_id, name, address, address_description, type, ip_stack, filters,
		       deleted_at, created_at, updated_at
		FROM resources WHERE id = $1`

	res, err := scanResource(r.db.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query resource: %w", err)
	}
	return res, nil
}

// ListByAccount lists all non-deleted resources for an account.
func (r *ResourceRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.Resource, error) {
	query := `
		SELECT id, account_id, persistent_id, name, address, address_description, type, ip_stack, filters,
		       deleted_at, created_at, updated_at
		FROM resources WHERE account_id = $1 AND deleted_at IS NULL`

	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query resources by account: %w", err)
	}
	defer rows.Close()

	var out []domain.Resource
	for rows.Next() {
		res, err := scanResource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

// ListByIDs lists non-deleted resources by id, used by C5 to hydrate a
// client's cache for the resource set its policies reference.
func (r *ResourceRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Resource, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, account_id, persistent_id, name, address, address_description, type, ip_stack, filters,
		       deleted_at, created_at, updated_at
		FROM resources WHERE id = ANY($1)`

	rows, err := r.db.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query resources by ids: %w", err)
	}
	defer rows.Close()

	var out []domain.Resource
	for rows.Next() {
		res, err := scanResource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

// ListGatewayGroupIDsByResource batches ListGatewayGroupIDs across several
// resources, returned as a map keyed by resource id.
func (r *ResourceRepository) ListGatewayGroupIDsByResource(ctx context.Context, resourceIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	out := make(map[uuid.UUID][]uuid.UUID, len(resourceIDs))
	if len(resourceIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT resource_id, gateway_group_id FROM resource_connections WHERE resource_id = ANY($1)`, resourceIDs)
	if err != nil {
		return nil, fmt.Errorf("query resource connections by resources: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var resourceID, groupID uuid.UUID
		if err := rows.Scan(&resourceID, &groupID); err != nil {
			return nil, fmt.Errorf("scan resource connection: %w", err)
		}
		out[resourceID] = append(out[resourceID], groupID)
	}
	return out, rows.Err()
}

// Upsert inserts or updates a resource row, normalizing and validating its
// address for its type (§3 resource invariants) before persisting.
func (r *ResourceRepository) Upsert(ctx context.Context, res *domain.Resource) error {
	normalized, err := condition.ValidateResourceAddress(res.Type, res.Address)
	if err != nil {
		return fmt.Errorf("invalid resource address: %w", err)
	}
	res.Address = normalized

	filters, err := json.Marshal(res.Filters)
	if err != nil {
		return fmt.Errorf("marshal resource filters: %w", err)
	}

	query := `
		INSERT INTO resources (id, account_id, persistent_id, name, address, address_description, type, ip_stack,
		                        filters, deleted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, address = EXCLUDED.address, address_description = EXCLUDED.address_description,
			type = EXCLUDED.type, ip_stack = EXCLUDED.ip_stack, filters = EXCLUDED.filters,
			deleted_at = EXCLUDED.deleted_at, updated_at = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		res.ID, res.AccountID, res.PersistentID, res.Name, res.Address, res.AddressDescription,
		res.Type, string(res.IPStack), filters, res.DeletedAt, res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert resource: %w", err)
	}
	return nil
}

// SoftDelete marks a resource deleted.
func (r *ResourceRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE resources SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete resource: %w", err)
	}
	return nil
}

// ListGatewayGroupIDs lists the gateway groups a resource is connected to.
func (r *ResourceRepository) ListGatewayGroupIDs(ctx context.Context, resourceID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT gateway_group_id FROM resource_connections WHERE resource_id = $1`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query resource connections: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan gateway group id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AddConnection binds a resource to a gateway group.
func (r *ResourceRepository) AddConnection(ctx context.Context, c *domain.ResourceConnection) error {
	query := `
		INSERT INTO resource_connections (resource_id, gateway_group_id, account_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource_id, gateway_group_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query, c.ResourceID, c.GatewayGroupID, c.AccountID)
	if err != nil {
		return fmt.Errorf("add resource connection: %w", err)
	}
	return nil
}

// RemoveConnection unbinds a resource from a gateway group.
func (r *ResourceRepository) RemoveConnection(ctx context.Context, resourceID, gatewayGroupID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM resource_connections WHERE resource_id = $1 AND gateway_group_id = $2`,
		resourceID, gatewayGroupID)
	if err != nil {
		return fmt.Errorf("remove resource connection: %w", err)
	}
	return nil
}
