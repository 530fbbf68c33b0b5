// Package replication tails the primary database's logical-replication
// stream and emits decoded, committed row changes in LSN order.
package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/boundarymesh/controlplane/internal/config"
	"github.com/boundarymesh/controlplane/internal/domain"
)

// phase names the tailer's position in the connect/stream state machine.
type phase string

const (
	phaseDisconnected           phase = "disconnected"
	phaseCheckPublication       phase = "check_publication"
	phaseCheckPublicationTables phase = "check_publication_tables"
	phaseCheckReplicationSlot   phase = "check_replication_slot"
	phaseCreateSlot             phase = "create_slot"
	phaseStartReplicationSlot   phase = "start_replication_slot"
	phaseStreaming              phase = "streaming"
)

// trackedTables is the fixed set of tables the publication must cover.
// Every table this core cares about for cache invalidation and audit.
var trackedTables = []string{
	"accounts", "actors", "auth_providers", "auth_identities",
	"actor_groups", "memberships", "resources", "resource_connections",
	"gateway_groups", "gateways", "relays", "policies", "policy_authorizations",
}

const outputPlugin = "pgoutput"
const protoVersion = 1

// Sink receives batches of committed row changes; lag observations go to
// LagObserver.
type Sink interface {
	// HandleBatch persists and routes a commit's row changes. Called with
	// rows in the order they were produced; the LSN is shared by the batch.
	HandleBatch(ctx context.Context, lsn uint64, rows []domain.RowChange) error
}

// LagObserver is notified whenever a commit's replication lag is computed.
type LagObserver interface {
	ObserveLag(lag time.Duration, exceeded bool)
}

// Tailer drives the replication protocol connection and decodes its frames.
type Tailer struct {
	connString string
	cfg        config.ReplicationConfig
	sink       Sink
	lagObs     LagObserver
	logger     zerolog.Logger

	mu            sync.Mutex
	currentPhase  phase
	lastLSN       pglogrepl.LSN
	lagExceeded   bool

	conn *pgconn.PgConn
	rel  *relationSet
}

// New creates a Tailer. connString must be a replication-mode DSN
// (`replication=database` appended, as pgconn.Connect requires).
func New(connString string, cfg config.ReplicationConfig, sink Sink, lagObs LagObserver, logger zerolog.Logger) *Tailer {
	return &Tailer{
		connString:   connString,
		cfg:          cfg,
		sink:         sink,
		lagObs:       lagObs,
		logger:       logger.With().Str("component", "replication").Logger(),
		currentPhase: phaseDisconnected,
		rel:          newRelationSet(),
	}
}

// Run drives the tailer until ctx is canceled, reconnecting with backoff
// after every session error. It returns only ctx's error, once ctx is
// canceled.
func (t *Tailer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = t.cfg.MaxReconnectDelay

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := t.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			delay := b.NextBackOff()
			t.logger.Warn().Err(err).Dur("retry_in", delay).Msg("replication session ended, reconnecting")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		b.Reset()
	}
}

// runOnce executes the full state machine once: connect, ensure
// publication/slot, then stream until the connection drops or ctx cancels.
func (t *Tailer) runOnce(ctx context.Context) error {
	t.setPhase(phaseDisconnected)

	conn, err := pgconn.Connect(ctx, t.connString)
	if err != nil {
		return fmt.Errorf("connect for replication: %w", err)
	}
	t.conn = conn
	defer conn.Close(context.Background())

	if err := t.ensurePublication(ctx); err != nil {
		return err
	}
	startLSN, err := t.ensureReplicationSlot(ctx)
	if err != nil {
		return err
	}

	t.setPhase(phaseStartReplicationSlot)
	if err := pglogrepl.StartReplication(ctx, conn, t.cfg.SlotName, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			fmt.Sprintf("proto_version '%d'", protoVersion),
			fmt.Sprintf("publication_names '%s'", t.cfg.PublicationName),
		},
	}); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}

	t.setPhase(phaseStreaming)
	return t.stream(ctx, startLSN)
}

func (t *Tailer) setPhase(p phase) {
	t.mu.Lock()
	t.currentPhase = p
	t.mu.Unlock()
}

// Phase reports the tailer's current state-machine position, used by the
// `/internal/status` ops endpoint.
func (t *Tailer) Phase() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.currentPhase)
}

// LastLSN reports the last LSN processed, used by `/internal/status`.
func (t *Tailer) LastLSN() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint64(t.lastLSN)
}
