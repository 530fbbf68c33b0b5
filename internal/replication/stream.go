package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgproto3/v2"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// txn accumulates the row changes of one in-progress transaction between
// its Begin and Commit messages.
type txn struct {
	lsn  pglogrepl.LSN
	rows []domain.RowChange
}

// stream consumes frames from the replication connection until it errors
// or ctx is canceled, sending standby status updates on cfg.StatusInterval
// and whenever the server requests one.
func (t *Tailer) stream(ctx context.Context, startLSN pglogrepl.LSN) error {
	writeLSN := startLSN
	flushLSN := startLSN

	statusTicker := time.NewTicker(t.cfg.StatusInterval)
	defer statusTicker.Stop()

	nextStatusDeadline := time.Now().Add(t.cfg.StatusInterval)
	var current *txn

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStatusDeadline)
		msg, err := t.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if err := t.sendStandbyStatus(ctx, writeLSN, flushLSN); err != nil {
					return err
				}
				nextStatusDeadline = time.Now().Add(t.cfg.StatusInterval)
				continue
			}
			return fmt.Errorf("receive replication message: %w", err)
		}

		cd, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}
		if len(cd.Data) == 0 {
			continue
		}

		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pka, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				return fmt.Errorf("parse keepalive: %w", err)
			}
			if pka.ServerWALEnd > writeLSN {
				writeLSN = pka.ServerWALEnd
			}
			if pka.ReplyRequested {
				if err := t.sendStandbyStatus(ctx, writeLSN, flushLSN); err != nil {
					return err
				}
				nextStatusDeadline = time.Now().Add(t.cfg.StatusInterval)
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				// Malformed frame: log and drop per failure semantics; a
				// slot reset is a manual operator action.
				t.logger.Error().Err(err).Msg("dropping malformed XLogData frame")
				continue
			}
			if xld.WALStart > writeLSN {
				writeLSN = xld.WALStart
			}

			current, flushLSN, err = t.handleWALData(ctx, xld, current, flushLSN)
			if err != nil {
				return err
			}

		default:
			// unknown tag: ignored
		}
	}
}

// handleWALData decodes one pgoutput message and, on Commit, flushes the
// accumulated transaction's rows to the sink and reports lag.
func (t *Tailer) handleWALData(ctx context.Context, xld pglogrepl.XLogData, current *txn, flushLSN pglogrepl.LSN) (*txn, pglogrepl.LSN, error) {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		t.logger.Error().Err(err).Msg("dropping malformed pgoutput message")
		return current, flushLSN, nil
	}

	switch m := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		t.rel.store(m)

	case *pglogrepl.BeginMessage:
		current = &txn{lsn: m.FinalLSN}

	case *pglogrepl.InsertMessage:
		if current == nil {
			return current, flushLSN, nil
		}
		rel, ok := t.rel.get(m.RelationID)
		if !ok {
			return current, flushLSN, nil
		}
		current.rows = append(current.rows, domain.RowChange{
			LSN:     uint64(current.lsn),
			Table:   rel.RelationName,
			Op:      domain.ChangeOpInsert,
			NewData: decodeTuple(rel, m.Tuple),
		})

	case *pglogrepl.UpdateMessage:
		if current == nil {
			return current, flushLSN, nil
		}
		rel, ok := t.rel.get(m.RelationID)
		if !ok {
			return current, flushLSN, nil
		}
		current.rows = append(current.rows, domain.RowChange{
			LSN:     uint64(current.lsn),
			Table:   rel.RelationName,
			Op:      domain.ChangeOpUpdate,
			OldData: decodeTuple(rel, m.OldTuple),
			NewData: decodeTuple(rel, m.NewTuple),
		})

	case *pglogrepl.DeleteMessage:
		if current == nil {
			return current, flushLSN, nil
		}
		rel, ok := t.rel.get(m.RelationID)
		if !ok {
			return current, flushLSN, nil
		}
		current.rows = append(current.rows, domain.RowChange{
			LSN:     uint64(current.lsn),
			Table:   rel.RelationName,
			Op:      domain.ChangeOpDelete,
			OldData: decodeTuple(rel, m.OldTuple),
		})

	case *pglogrepl.CommitMessage:
		if current == nil {
			return current, flushLSN, nil
		}
		commitTS := m.CommitTime
		for i := range current.rows {
			current.rows[i].CommitTS = commitTS
		}

		t.mu.Lock()
		if current.lsn > t.lastLSN {
			t.lastLSN = current.lsn
		}
		t.mu.Unlock()

		if len(current.rows) > 0 {
			if err := t.sink.HandleBatch(ctx, uint64(current.lsn), current.rows); err != nil {
				return current, flushLSN, fmt.Errorf("handle batch lsn=%d: %w", current.lsn, err)
			}
		}
		t.observeLag(commitTS)

		if m.CommitLSN > flushLSN {
			flushLSN = m.CommitLSN
		}
		current = nil

	default:
		// Truncate/Origin/Type messages: no row-level effect this core tracks.
	}

	return current, flushLSN, nil
}

func (t *Tailer) observeLag(commitTS time.Time) {
	if commitTS.IsZero() || t.lagObs == nil {
		return
	}
	lag := time.Since(commitTS)

	t.mu.Lock()
	wasExceeded := t.lagExceeded
	nowExceeded := lag >= t.cfg.LagFatalThreshold
	t.lagExceeded = nowExceeded
	t.mu.Unlock()

	if nowExceeded != wasExceeded || lag >= t.cfg.LagWarnThreshold {
		t.lagObs.ObserveLag(lag, nowExceeded)
	}
}

func (t *Tailer) sendStandbyStatus(ctx context.Context, writeLSN, flushLSN pglogrepl.LSN) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, t.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: writeLSN + 1,
		WALFlushPosition: flushLSN + 1,
		WALApplyPosition: flushLSN + 1,
		ClientTime:       time.Now(),
		ReplyRequested:   false,
	})
	if err != nil {
		return fmt.Errorf("send standby status update: %w", err)
	}
	return nil
}
