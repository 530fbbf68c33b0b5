package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/boundarymesh/controlplane/internal/config"
	"github.com/boundarymesh/controlplane/internal/coreerr"
	"github.com/boundarymesh/controlplane/internal/domain"
)

// identityStore is the slice of repository.IdentityRepository the runner
// needs. Declared as an interface, not the concrete type, so tests can
// supply an in-memory fake instead of a *sql.DB.
type identityStore interface {
	ListSyncEnabledProviders(ctx context.Context) ([]domain.AuthProvider, error)
	ListIdentitiesByProvider(ctx context.Context, providerID uuid.UUID) ([]domain.Identity, error)
	UpdateSyncResult(ctx context.Context, providerID uuid.UUID, ok bool, syncErr string) error
	MarkRequiresManualIntervention(ctx context.Context, providerID uuid.UUID, emailSentAt *sql.NullTime) error
}

// groupStore is the slice of repository.GroupRepository the runner needs.
type groupStore interface {
	ListByProvider(ctx context.Context, providerID uuid.UUID) ([]domain.ActorGroup, error)
	ListMemberships(ctx context.Context, groupID uuid.UUID) ([]domain.Membership, error)
}

// accountStore is the slice of repository.AccountRepository the runner needs.
type accountStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Account, error)
}

// Runner drives the periodic per-provider directory sync, grounded on the
// teacher's internal/sso.Service for provider/token plumbing and
// internal/approval.Service's loadFromDatabase-then-serve pattern for
// reading provider state before acting on it.
type Runner struct {
	logger     zerolog.Logger
	cfg        config.DirectoryConfig
	db         *sql.DB
	identities identityStore
	groups     groupStore
	accounts   accountStore
	adapters   AdapterFactory
	notifier   Notifier

	mu   sync.RWMutex
	last map[uuid.UUID]ProviderStatus
}

// ProviderStatus is the last observed sync outcome for one provider,
// surfaced on /internal/status.
type ProviderStatus struct {
	ProviderID  uuid.UUID
	Succeeded   bool
	Error       string
	SyncedAt    time.Time
	Report      SyncReport
	BreakerOpen bool
}

// NewRunner creates a Runner. notifier may be nil, in which case failures
// that would otherwise page an admin are only logged at error level.
func NewRunner(logger zerolog.Logger, cfg config.DirectoryConfig, db *sql.DB, identities identityStore, groups groupStore, accounts accountStore, adapters AdapterFactory, notifier Notifier) *Runner {
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Runner{
		logger:     logger.With().Str("component", "directory").Logger(),
		cfg:        cfg,
		db:         db,
		identities: identities,
		groups:     groups,
		accounts:   accounts,
		adapters:   adapters,
		notifier:   notifier,
		last:       make(map[uuid.UUID]ProviderStatus),
	}
}

// Run ticks every cfg.SyncInterval until ctx is canceled, syncing every
// sync-enabled provider each tick. One provider's failure never blocks
// another's.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	providers, err := r.identities.ListSyncEnabledProviders(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("list sync-enabled providers")
		return
	}
	for _, p := range providers {
		r.SyncProvider(ctx, p)
	}
}

// SyncProvider runs one provider's sync to completion. Exported so the
// forced out-of-band endpoint (/internal/directory/sync) can invoke it
// directly between ticks.
func (r *Runner) SyncProvider(ctx context.Context, provider domain.AuthProvider) {
	hctx, cancel := context.WithTimeout(ctx, r.cfg.HTTPTimeout+r.cfg.DBTimeout)
	defer cancel()

	status := r.syncOnce(hctx, provider)

	r.mu.Lock()
	r.last[provider.ID] = status
	r.mu.Unlock()
}

// Status returns the last observed sync outcome for a provider, if any has
// run since process start.
func (r *Runner) Status(providerID uuid.UUID) (ProviderStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.last[providerID]
	return s, ok
}

// AllStatuses returns every provider's last observed sync outcome.
func (r *Runner) AllStatuses() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderStatus, 0, len(r.last))
	for _, s := range r.last {
		out = append(out, s)
	}
	return out
}

func (r *Runner) syncOnce(ctx context.Context, provider domain.AuthProvider) ProviderStatus {
	logger := r.logger.With().Str("provider_id", provider.ID.String()).Logger()

	account, err := r.accounts.Get(ctx, provider.AccountID)
	if err != nil {
		return r.fail(ctx, provider, logger, fmt.Errorf("load account: %w", err), false)
	}
	if account == nil || !account.Features.IdPSync {
		return r.fail(ctx, provider, logger, fmt.Errorf("account does not have idp_sync enabled"), false)
	}

	adapter, err := r.adapters(ctx, provider)
	if err != nil {
		return r.fail(ctx, provider, logger, fmt.Errorf("build directory adapter: %w", err), false)
	}

	if refresher, ok := adapter.(TokenRefresher); ok {
		if err := r.refreshWithRetry(ctx, refresher); err != nil {
			return r.fail(ctx, provider, logger, err, false)
		}
	}

	users, err := adapter.ListUsers(ctx)
	if err != nil {
		return r.fail(ctx, provider, logger, err, false)
	}

	var groupAttrs []GroupAttrs
	hasGroups := false
	memberOf := make(map[string][]string)
	hasMembers := false
	if gl, ok := adapter.(GroupLister); ok {
		hasGroups = true
		groupAttrs, err = gl.ListGroups(ctx)
		if err != nil {
			return r.fail(ctx, provider, logger, err, false)
		}
		if gml, ok := adapter.(GroupMemberLister); ok {
			hasMembers = true
			for _, g := range groupAttrs {
				members, err := gml.ListGroupMembers(ctx, g.ExternalID)
				if err != nil {
					return r.fail(ctx, provider, logger, err, false)
				}
				memberOf[g.ExternalID] = members
			}
		}
	}

	existingIdentities, err := r.identities.ListIdentitiesByProvider(ctx, provider.ID)
	if err != nil {
		return r.fail(ctx, provider, logger, fmt.Errorf("load existing identities: %w", err), false)
	}
	var existingGroups []domain.ActorGroup
	var existingMemberships []domain.Membership
	if hasGroups {
		existingGroups, err = r.groups.ListByProvider(ctx, provider.ID)
		if err != nil {
			return r.fail(ctx, provider, logger, fmt.Errorf("load existing groups: %w", err), false)
		}
		if hasMembers {
			for _, g := range existingGroups {
				ms, err := r.groups.ListMemberships(ctx, g.ID)
				if err != nil {
					return r.fail(ctx, provider, logger, fmt.Errorf("load existing memberships: %w", err), false)
				}
				existingMemberships = append(existingMemberships, ms...)
			}
		}
	}

	firstSync := provider.LastSyncedAt == nil
	if hasGroups && breakerTrip(firstSync, len(existingGroups), len(groupAttrs), r.cfg.MaxDeletionRatio) {
		return r.fail(ctx, provider, logger, coreerr.New(coreerr.CircuitOpen, fmt.Errorf("Sync deletion of groups too large")), true)
	}
	if breakerTrip(firstSync, len(existingIdentities), len(users), r.cfg.MaxDeletionRatio) {
		return r.fail(ctx, provider, logger, coreerr.New(coreerr.CircuitOpen, fmt.Errorf("Sync deletion of identities too large")), true)
	}

	report, err := r.applyTx(ctx, syncInput{
		provider: provider, users: users, groups: groupAttrs, hasGroups: hasGroups,
		memberOf: memberOf, hasMembers: hasMembers,
		existingIdentities: existingIdentities, existingGroups: existingGroups, existingMemberships: existingMemberships,
	})
	if err != nil {
		return r.fail(ctx, provider, logger, err, false)
	}

	logger.Info().
		Int("identities_upserted", report.IdentitiesUpserted).Int("identities_deleted", report.IdentitiesDeleted).
		Int("groups_upserted", report.GroupsUpserted).Int("groups_deleted", report.GroupsDeleted).
		Int("memberships_upserted", report.MembershipsUpserted).Int("memberships_deleted", report.MembershipsDeleted).
		Msg("directory sync succeeded")

	return ProviderStatus{ProviderID: provider.ID, Succeeded: true, SyncedAt: time.Now(), Report: *report}
}

// refreshWithRetry bounds the token-refresh HTTP call to a small synchronous
// retry, matching the spec's "default 3, 100ms base back-off" policy for
// token refresh specifically (unlike the rest of the sync, which simply
// waits for the next tick on failure).
func (r *Runner) refreshWithRetry(ctx context.Context, refresher TokenRefresher) error {
	var err error
	delay := r.cfg.RetryBaseDelay
	for attempt := 0; attempt <= r.cfg.RetryMax; attempt++ {
		if err = refresher.RefreshAccessToken(ctx); err == nil {
			return nil
		}
		if attempt == r.cfg.RetryMax {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("refresh access token after %d attempts: %w", r.cfg.RetryMax+1, err)
}

// fail classifies err, persists the outcome, escalates logging severity by
// consecutive-failure count, and (on unauthorized with enough consecutive
// failures) fires the rate-limited admin notification.
func (r *Runner) fail(ctx context.Context, provider domain.AuthProvider, logger zerolog.Logger, err error, breaker bool) ProviderStatus {
	reason := err.Error()

	switch {
	case coreerr.Is(err, coreerr.CircuitOpen):
		// Stored verbatim, matching the breaker's own wording, not the
		// generic "circuit_open: ..." taxonomy rendering.
		reason = errors.Unwrap(err).Error()
	case coreerr.Is(err, coreerr.Unauthorized):
		if uerr := r.identities.MarkRequiresManualIntervention(ctx, provider.ID, r.emailTimestamp(provider)); uerr != nil {
			logger.Error().Err(uerr).Msg("mark provider requires manual intervention")
		}
		if r.shouldNotify(provider) {
			if nerr := r.notifier.NotifyManualIntervention(ctx, provider, reason); nerr != nil {
				logger.Error().Err(nerr).Msg("send manual intervention notification")
			}
		}
	case coreerr.Is(err, coreerr.RetryLater):
		// 5xx: back off to the next scheduled tick, no persisted error
		// beyond the failure count so a transient blip doesn't read as a
		// configuration problem.
	}

	persisted := reason
	if coreerr.Is(err, coreerr.RetryLater) {
		persisted = ""
	}

	if uerr := r.identities.UpdateSyncResult(ctx, provider.ID, false, persisted); uerr != nil {
		logger.Error().Err(uerr).Msg("record directory sync failure")
	}

	consecutive := provider.ConsecutiveFailures + 1
	event := logger.Info()
	switch {
	case consecutive >= 100:
		event = logger.Error()
	case consecutive >= 3:
		event = logger.Warn()
	}
	event.Err(err).Int("consecutive_failures", consecutive).Bool("breaker_open", breaker).Msg("directory sync failed")

	return ProviderStatus{ProviderID: provider.ID, Succeeded: false, Error: reason, SyncedAt: time.Now(), BreakerOpen: breaker}
}

func (r *Runner) shouldNotify(provider domain.AuthProvider) bool {
	if provider.ConsecutiveFailures+1 < r.cfg.FailureEmailThreshold {
		return false
	}
	if provider.LastFailureEmailAt == nil {
		return true
	}
	return time.Since(*provider.LastFailureEmailAt) >= r.cfg.FailureEmailInterval
}

func (r *Runner) emailTimestamp(provider domain.AuthProvider) *sql.NullTime {
	if !r.shouldNotify(provider) {
		return &sql.NullTime{}
	}
	return &sql.NullTime{Time: time.Now(), Valid: true}
}
