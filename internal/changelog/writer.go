// Package changelog persists decoded row events keyed by LSN for replay
// and audit, and prunes them on a per-account retention schedule.
package changelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// repository is the durable-storage dependency the writer batches into.
// Satisfied by *repository.ChangeLogRepository.
type repository interface {
	InsertBatch(ctx context.Context, entries []domain.ChangeLog) error
	Truncate(ctx context.Context, accountID uuid.UUID, cutoff time.Time) (int64, error)
	MaxLSN(ctx context.Context) (uint64, error)
}

// Writer persists RowChanges produced by the replication tailer (C1).
type Writer struct {
	repo repository
}

// NewWriter creates a change-log writer over the given repository.
func NewWriter(repo repository) *Writer {
	return &Writer{repo: repo}
}

// Insert bulk-persists a batch of decoded row changes, silently skipping
// any LSN already recorded. Rows without a resolvable account id are
// dropped; the tailer only ever hands this function rows from tracked
// tables, all of which carry account_id.
func (w *Writer) Insert(ctx context.Context, changes []domain.RowChange) error {
	if len(changes) == 0 {
		return nil
	}

	entries := make([]domain.ChangeLog, 0, len(changes))
	for _, c := range changes {
		accountID, ok := c.AccountID()
		if !ok {
			continue
		}

		entry := domain.ChangeLog{
			LSN:        c.LSN,
			AccountID:  accountID,
			Table:      c.Table,
			Op:         c.Op,
			Vsn:        1,
			InsertedAt: c.CommitTS,
		}
		if entry.InsertedAt.IsZero() {
			entry.InsertedAt = time.Now().UTC()
		}

		if c.OldData != nil {
			b, err := json.Marshal(c.OldData)
			if err != nil {
				return fmt.Errorf("marshal old_data lsn=%d: %w", c.LSN, err)
			}
			entry.OldData = b
		}
		if c.NewData != nil {
			b, err := json.Marshal(c.NewData)
			if err != nil {
				return fmt.Errorf("marshal data lsn=%d: %w", c.LSN, err)
			}
			entry.Data = b
		}

		entries = append(entries, entry)
	}

	if err := w.repo.InsertBatch(ctx, entries); err != nil {
		return fmt.Errorf("insert change log batch: %w", err)
	}
	return nil
}

// Truncate deletes change-log rows for account with inserted_at <= cutoff.
// It never touches other accounts' rows.
func (w *Writer) Truncate(ctx context.Context, account uuid.UUID, cutoff time.Time) (int64, error) {
	n, err := w.repo.Truncate(ctx, account, cutoff)
	if err != nil {
		return 0, fmt.Errorf("truncate change log for account %s: %w", account, err)
	}
	return n, nil
}

// ResumeLSN returns the LSN the replication tailer should resume after,
// derived from the highest LSN already committed to the change log.
func (w *Writer) ResumeLSN(ctx context.Context) (uint64, error) {
	lsn, err := w.repo.MaxLSN(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve resume lsn: %w", err)
	}
	return lsn, nil
}
