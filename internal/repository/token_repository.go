package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// TokenRepository handles connection-token persistence backing the client
// and gateway channel Authenticators.
type TokenRepository struct {
	db *sql.DB
}

// NewTokenRepository creates a new token repository.
func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `id, kind, hash, account_id, actor_id, gateway_id, expires_at, revoked_at, created_at`

func scanToken(scan func(...any) error) (*domain.ConnectionToken, error) {
	var t domain.ConnectionToken
	var actorID, gatewayID uuid.NullUUID
	var expiresAt, revokedAt sql.NullTime

	if err := scan(&t.ID, &t.Kind, &t.Hash, &t.AccountID, &actorID, &gatewayID, &expiresAt, &revokedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	if actorID.Valid {
		t.ActorID = &actorID.UUID
	}
	if gatewayID.Valid {
		t.GatewayID = &gatewayID.UUID
	}
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	return &t, nil
}

// GetByHash looks up a token by the SHA-256 hash of its presented secret,
// the only form connauth.Validator ever has in hand after a cache miss.
func (r *TokenRepository) GetByHash(ctx context.Context, hash string) (*domain.ConnectionToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM connection_tokens WHERE hash = $1`

	t, err := scanToken(r.db.QueryRowContext(ctx, query, hash).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query connection token: %w", err)
	}
	return t, nil
}

// Upsert inserts or replaces a connection token row.
func (r *TokenRepository) Upsert(ctx context.Context, t *domain.ConnectionToken) error {
	query := `
		INSERT INTO connection_tokens (id, kind, hash, account_id, actor_id, gateway_id, expires_at, revoked_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			hash = EXCLUDED.hash, expires_at = EXCLUDED.expires_at, revoked_at = EXCLUDED.revoked_at`

	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Kind, t.Hash, t.AccountID, t.ActorID, t.GatewayID, t.ExpiresAt, t.RevokedAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert connection token: %w", err)
	}
	return nil
}

// Revoke marks a token revoked, invalidating it for future authentications
// (connauth.Validator's cache still needs its own TTL/eviction to catch up
// for already-cached entries).
func (r *TokenRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE connection_tokens SET revoked_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoke connection token: %w", err)
	}
	return nil
}
