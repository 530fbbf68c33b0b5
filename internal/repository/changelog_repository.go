package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// ChangeLogRepository backs internal/changelog.Writer with durable storage.
type ChangeLogRepository struct {
	db *sql.DB
}

// NewChangeLogRepository creates a new change-log repository.
func NewChangeLogRepository(db *sql.DB) *ChangeLogRepository {
	return &ChangeLogRepository{db: db}
}

// InsertBatch bulk-inserts change-log rows, skipping any LSN already
// recorded. A tailer that redelivers after a reconnect relies on this to
// make insertion idempotent.
func (r *ChangeLogRepository) InsertBatch(ctx context.Context, entries []domain.ChangeLog) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin change log batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO change_logs (lsn, account_id, table_name, op, old_data, data, vsn, inserted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (lsn) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare change log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.LSN, e.AccountID, e.Table, e.Op, e.OldData, e.Data, e.Vsn, e.InsertedAt); err != nil {
			return fmt.Errorf("insert change log lsn=%d: %w", e.LSN, err)
		}
	}

	return tx.Commit()
}

// Truncate deletes change-log rows for an account at or before cutoff,
// returning the number of rows removed.
func (r *ChangeLogRepository) Truncate(ctx context.Context, accountID uuid.UUID, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM change_logs WHERE account_id = $1 AND inserted_at <= $2`, accountID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("truncate change logs: %w", err)
	}
	return result.RowsAffected()
}

// ListSince lists change-log rows for an account with LSN greater than
// after, ordered by LSN, used to replay history to a reconnecting client
// that presents a stale cursor.
func (r *ChangeLogRepository) ListSince(ctx context.Context, accountID uuid.UUID, after uint64, limit int) ([]domain.ChangeLog, error) {
	query := `
		SELECT lsn, account_id, table_name, op, old_data, data, vsn, inserted_at
		FROM change_logs WHERE account_id = $1 AND lsn > $2
		ORDER BY lsn ASC LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, accountID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query change logs since: %w", err)
	}
	defer rows.Close()

	var out []domain.ChangeLog
	for rows.Next() {
		var c domain.ChangeLog
		if err := rows.Scan(&c.LSN, &c.AccountID, &c.Table, &c.Op, &c.OldData, &c.Data, &c.Vsn, &c.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MaxLSN returns the highest committed LSN, backing
// internal/changelog.Writer.ResumeLSN. The tailer itself resumes from the
// replication slot's confirmed_flush_lsn.
func (r *ChangeLogRepository) MaxLSN(ctx context.Context) (uint64, error) {
	var lsn sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(lsn) FROM change_logs`).Scan(&lsn)
	if err != nil {
		return 0, fmt.Errorf("query max lsn: %w", err)
	}
	if !lsn.Valid {
		return 0, nil
	}
	return uint64(lsn.Int64), nil
}
