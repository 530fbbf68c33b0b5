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

// AccountRepository handles account persistence.
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository creates a new account repository.
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// Get retrieves an account by ID.
func (r *AccountRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `
		SELECT id, slug, features, limits, config, disabled_at, created_at, updated_at
		FROM accounts
		WHERE id = $1`

	var a domain.Account
	var features, limits, config []byte
	var disabledAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.Slug, &features, &limits, &config, &disabledAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}

	if err := json.Unmarshal(features, &a.Features); err != nil {
		return nil, fmt.Errorf("unmarshal account features: %w", err)
	}
	if err := json.Unmarshal(limits, &a.Limits); err != nil {
		return nil, fmt.Errorf("unmarshal account limits: %w", err)
	}
	if err := json.Unmarshal(config, &a.Config); err != nil {
		return nil, fmt.Errorf("unmarshal account config: %w", err)
	}
	if disabledAt.Valid {
		a.DisabledAt = &disabledAt.Time
	}

	return &a, nil
}

// GetBySlug retrieves an account by its unique slug.
func (r *AccountRepository) GetBySlug(ctx context.Context, slug string) (*domain.Account, error) {
	var id uuid.UUID
	err := r.db.QueryRowContext(ctx, `SELECT id FROM accounts WHERE slug = $1`, slug).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query account by slug: %w", err)
	}
	return r.Get(ctx, id)
}

// Upsert inserts or replaces an account row.
func (r *AccountRepository) Upsert(ctx context.Context, a *domain.Account) error {
	features, err := json.Marshal(a.Features)
	if err != nil {
		return fmt.Errorf("marshal account features: %w", err)
	}
	limits, err := json.Marshal(a.Limits)
	if err != nil {
		return fmt.Errorf("marshal account limits: %w", err)
	}
	config, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("marshal account config: %w", err)
	}

	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	query := `
		INSERT INTO accounts (id, slug, features, limits, config, disabled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug,
			features = EXCLUDED.features,
			limits = EXCLUDED.limits,
			config = EXCLUDED.config,
			disabled_at = EXCLUDED.disabled_at,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.Slug, features, limits, config, a.DisabledAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}
