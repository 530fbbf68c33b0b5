package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// GatewayRepository handles gateway-group, gateway, and relay persistence.
type GatewayRepository struct {
	db *sql.DB
}

// NewGatewayRepository creates a new gateway repository.
func NewGatewayRepository(db *sql.DB) *GatewayRepository {
	return &GatewayRepository{db: db}
}

// GetGroup retrieves a gateway group by ID.
func (r *GatewayRepository) GetGroup(ctx context.Context, id uuid.UUID) (*domain.GatewayGroup, error) {
	query := `SELECT id, account_id, name, routing, created_at, updated_at FROM gateway_groups WHERE id = $1`

	var g domain.GatewayGroup
	err := r.db.QueryRowContext(ctx, query, id).Scan(&g.ID, &g.AccountID, &g.Name, &g.Routing, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query gateway group: %w", err)
	}
	return &g, nil
}

// UpsertGroup inserts or updates a gateway group.
func (r *GatewayRepository) UpsertGroup(ctx context.Context, g *domain.GatewayGroup) error {
	query := `
		INSERT INTO gateway_groups (id, account_id, name, routing, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, routing = EXCLUDED.routing, updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query, g.ID, g.AccountID, g.Name, g.Routing, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert gateway group: %w", err)
	}
	return nil
}

func scanGateway(scan func(...any) error) (*domain.Gateway, error) {
	var g domain.Gateway
	var ipv4, ipv6, lastSeenRemoteIP, lastSeenVersion sql.NullString
	var lastSeenAt sql.NullTime
	var lat, lon sql.NullFloat64

	if err := scan(
		&g.ID, &g.AccountID, &g.GatewayGroupID, &g.Name, &g.PublicKey, &ipv4, &ipv6,
		&lastSeenRemoteIP, &lastSeenVersion, &lastSeenAt, &lat, &lon, &g.CreatedAt, &g.UpdatedAt,
	); err != nil {
		return nil, err
	}
	g.IPv4Address = ipv4.String
	g.IPv6Address = ipv6.String
	g.LastSeenRemoteIP = lastSeenRemoteIP.String
	g.LastSeenVersion = lastSeenVersion.String
	if lastSeenAt.Valid {
		g.LastSeenAt = &lastSeenAt.Time
	}
	if lat.Valid {
		g.Latitude = &lat.Float64
	}
	if lon.Valid {
		g.Longitude = &lon.Float64
	}
	return &g, nil
}

const gatewayColumns = `id, account_id, gateway_group_id, name, public_key, ipv4_address, ipv6_address,
	last_seen_remote_ip, last_seen_version, last_seen_at, latitude, longitude, created_at, updated_at`

// GetGateway retrieves a gateway by ID.
func (r *GatewayRepository) GetGateway(ctx context.Context, id uuid.UUID) (*domain.Gateway, error) {
	query := `SELECT ` + gatewayColumns + ` FROM gateways WHERE id = $1`
	g, err := scanGateway(r.db.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query gateway: %w", err)
	}
	return g, nil
}

// ListGatewaysByGroup lists all gateways belonging to a gateway group.
func (r *GatewayRepository) ListGatewaysByGroup(ctx context.Context, groupID uuid.UUID) ([]domain.Gateway, error) {
	query := `SELECT ` + gatewayColumns + ` FROM gateways WHERE gateway_group_id = $1`
	rows, err := r.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("query gateways by group: %w", err)
	}
	defer rows.Close()

	var out []domain.Gateway
	for rows.Next() {
		g, err := scanGateway(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan gateway: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// UpsertGateway inserts or updates a gateway.
func (r *GatewayRepository) UpsertGateway(ctx context.Context, g *domain.Gateway) error {
	query := `
		INSERT INTO gateways (` + gatewayColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, public_key = EXCLUDED.public_key,
			ipv4_address = EXCLUDED.ipv4_address, ipv6_address = EXCLUDED.ipv6_address,
			last_seen_remote_ip = EXCLUDED.last_seen_remote_ip, last_seen_version = EXCLUDED.last_seen_version,
			last_seen_at = EXCLUDED.last_seen_at, latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		g.ID, g.AccountID, g.GatewayGroupID, g.Name, g.PublicKey, g.IPv4Address, g.IPv6Address,
		g.LastSeenRemoteIP, g.LastSeenVersion, g.LastSeenAt, g.Latitude, g.Longitude, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert gateway: %w", err)
	}
	return nil
}

// TouchLastSeen updates a gateway's last-seen fields on reconnect.
func (r *GatewayRepository) TouchLastSeen(ctx context.Context, id uuid.UUID, remoteIP, version string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE gateways SET last_seen_remote_ip = $2, last_seen_version = $3, last_seen_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id, remoteIP, version)
	if err != nil {
		return fmt.Errorf("touch gateway last seen: %w", err)
	}
	return nil
}

const relayColumns = `id, account_id, ipv4_address, ipv6_address, stamp_secret, latitude, longitude, created_at, updated_at`

func scanRelay(scan func(...any) error) (*domain.Relay, error) {
	var rl domain.Relay
	var accountID uuid.NullUUID
	var ipv4, ipv6 sql.NullString
	var lat, lon sql.NullFloat64

	if err := scan(&rl.ID, &accountID, &ipv4, &ipv6, &rl.StampSecret, &lat, &lon, &rl.CreatedAt, &rl.UpdatedAt); err != nil {
		return nil, err
	}
	if accountID.Valid {
		rl.AccountID = &accountID.UUID
	}
	rl.IPv4Address = ipv4.String
	rl.IPv6Address = ipv6.String
	if lat.Valid {
		rl.Latitude = &lat.Float64
	}
	if lon.Valid {
		rl.Longitude = &lon.Float64
	}
	return &rl, nil
}

// ListRelays lists every relay available to an account: its own
// account-scoped relays plus every global relay.
func (r *GatewayRepository) ListRelays(ctx context.Context, accountID uuid.UUID) ([]domain.Relay, error) {
	query := `SELECT ` + relayColumns + ` FROM relays WHERE account_id = $1 OR account_id IS NULL`
	rows, err := r.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("query relays: %w", err)
	}
	defer rows.Close()

	var out []domain.Relay
	for rows.Next() {
		rl, err := scanRelay(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan relay: %w", err)
		}
		out = append(out, *rl)
	}
	return out, rows.Err()
}

// UpsertRelay inserts or updates a relay.
func (r *GatewayRepository) UpsertRelay(ctx context.Context, rl *domain.Relay) error {
	query := `
		INSERT INTO relays (` + relayColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			ipv4_address = EXCLUDED.ipv4_address, ipv6_address = EXCLUDED.ipv6_address,
			stamp_secret = EXCLUDED.stamp_secret, latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query,
		rl.ID, rl.AccountID, rl.IPv4Address, rl.IPv6Address, rl.StampSecret, rl.Latitude, rl.Longitude, rl.CreatedAt, rl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert relay: %w", err)
	}
	return nil
}
