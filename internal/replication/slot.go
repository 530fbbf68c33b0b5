package replication

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
)

// ensureReplicationSlot walks check_replication_slot → create_slot and
// returns the LSN streaming should resume from.
func (t *Tailer) ensureReplicationSlot(ctx context.Context) (pglogrepl.LSN, error) {
	t.setPhase(phaseCheckReplicationSlot)

	confirmedLSN, exists, err := t.replicationSlotLSN(ctx)
	if err != nil {
		return 0, err
	}
	if exists {
		return confirmedLSN, nil
	}

	t.setPhase(phaseCreateSlot)
	result, err := pglogrepl.CreateReplicationSlot(ctx, t.conn, t.cfg.SlotName, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: false, SnapshotAction: "NOEXPORT_SNAPSHOT"})
	if err != nil {
		return 0, fmt.Errorf("create replication slot %s: %w", t.cfg.SlotName, err)
	}
	lsn, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return 0, fmt.Errorf("parse consistent point %s: %w", result.ConsistentPoint, err)
	}
	return lsn, nil
}

func (t *Tailer) replicationSlotLSN(ctx context.Context) (pglogrepl.LSN, bool, error) {
	rows, err := simpleQuery(ctx, t.conn, fmt.Sprintf(
		`SELECT confirmed_flush_lsn FROM pg_replication_slots WHERE slot_name = '%s'`, t.cfg.SlotName))
	if err != nil {
		return 0, false, fmt.Errorf("query pg_replication_slots: %w", err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	if len(rows[0]) == 0 || rows[0][0] == nil {
		// Slot exists but has never confirmed a flush position; stream
		// from the start of retained WAL.
		return 0, true, nil
	}
	lsn, err := pglogrepl.ParseLSN(string(rows[0][0]))
	if err != nil {
		return 0, false, fmt.Errorf("parse confirmed_flush_lsn: %w", err)
	}
	return lsn, true, nil
}
