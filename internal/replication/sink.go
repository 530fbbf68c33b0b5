package replication

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/boundarymesh/controlplane/internal/changelog"
	"github.com/boundarymesh/controlplane/internal/changes"
	"github.com/boundarymesh/controlplane/internal/domain"
)

// CoreSink wires the tailer into the change-log writer (C2) and the change
// router (C3): persist first, then fan out, matching the data-flow order
// RDBMS → C1 → C2 persist → C3 decode.
type CoreSink struct {
	writer *changelog.Writer
	router *changes.Router
	logger zerolog.Logger
}

// NewCoreSink creates a Sink that persists via writer and publishes via r.
func NewCoreSink(writer *changelog.Writer, r *changes.Router, logger zerolog.Logger) *CoreSink {
	return &CoreSink{writer: writer, router: r, logger: logger.With().Str("component", "replication_sink").Logger()}
}

// HandleBatch persists then publishes every row change from one committed
// transaction. Rows without a resolvable account id are dropped by the
// writer and skipped for routing, since C3's topics are account-scoped.
func (s *CoreSink) HandleBatch(ctx context.Context, lsn uint64, rows []domain.RowChange) error {
	if err := s.writer.Insert(ctx, rows); err != nil {
		return fmt.Errorf("persist batch lsn=%d: %w", lsn, err)
	}

	for _, rc := range rows {
		accountID, ok := rc.AccountID()
		if !ok {
			s.logger.Warn().Str("table", rc.Table).Msg("dropping change with no resolvable account id")
			continue
		}
		s.router.Publish(accountID, changes.Materialize(rc))
	}
	return nil
}
