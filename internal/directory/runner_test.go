package directory

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/boundarymesh/controlplane/internal/config"
	"github.com/boundarymesh/controlplane/internal/coreerr"
	"github.com/boundarymesh/controlplane/internal/domain"
)

type fakeIdentityStore struct {
	providers     []domain.AuthProvider
	identities    map[uuid.UUID][]domain.Identity
	syncResults   []syncResultCall
	manualMarks   []uuid.UUID
	listErr       error
}

type syncResultCall struct {
	providerID uuid.UUID
	ok         bool
	syncErr    string
}

func (f *fakeIdentityStore) ListSyncEnabledProviders(ctx context.Context) ([]domain.AuthProvider, error) {
	return f.providers, f.listErr
}

func (f *fakeIdentityStore) ListIdentitiesByProvider(ctx context.Context, providerID uuid.UUID) ([]domain.Identity, error) {
	return f.identities[providerID], nil
}

func (f *fakeIdentityStore) UpdateSyncResult(ctx context.Context, providerID uuid.UUID, ok bool, syncErr string) error {
	f.syncResults = append(f.syncResults, syncResultCall{providerID, ok, syncErr})
	return nil
}

func (f *fakeIdentityStore) MarkRequiresManualIntervention(ctx context.Context, providerID uuid.UUID, emailSentAt *sql.NullTime) error {
	f.manualMarks = append(f.manualMarks, providerID)
	return nil
}

type fakeGroupStore struct{}

func (fakeGroupStore) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]domain.ActorGroup, error) {
	return nil, nil
}

func (fakeGroupStore) ListMemberships(ctx context.Context, groupID uuid.UUID) ([]domain.Membership, error) {
	return nil, nil
}

type fakeAccountStore struct {
	account *domain.Account
}

func (f fakeAccountStore) Get(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return f.account, nil
}

type fakeNotifier struct {
	calls int
}

func (f *fakeNotifier) NotifyManualIntervention(ctx context.Context, provider domain.AuthProvider, reason string) error {
	f.calls++
	return nil
}

// erroringAdapter returns a fixed error from ListUsers, nothing else.
type erroringAdapter struct {
	err error
}

func (a erroringAdapter) ListUsers(ctx context.Context) ([]UserAttrs, error) { return nil, a.err }

func testRunner(t *testing.T, idp *fakeIdentityStore, accounts accountStore, adapter Adapter, notifier *fakeNotifier) *Runner {
	t.Helper()
	cfg := config.DirectoryConfig{
		SyncInterval:          3 * time.Minute,
		HTTPTimeout:           30 * time.Minute,
		DBTimeout:             30 * time.Minute,
		RetryBaseDelay:        time.Millisecond,
		RetryMax:              0,
		MaxDeletionRatio:      1.0,
		FailureEmailThreshold: 10,
		FailureEmailInterval:  24 * time.Hour,
	}
	var n Notifier
	if notifier != nil {
		n = notifier
	}
	return NewRunner(zerolog.Nop(), cfg, nil, idp, fakeGroupStore{}, accounts, func(ctx context.Context, p domain.AuthProvider) (Adapter, error) {
		return adapter, nil
	}, n)
}

func syncEnabledAccount() *domain.Account {
	return &domain.Account{ID: uuid.New(), Features: domain.AccountFeatures{IdPSync: true}}
}

func TestSyncOnceSkipsWithoutIdPSyncFeature(t *testing.T) {
	provider := domain.AuthProvider{ID: uuid.New(), AccountID: uuid.New()}
	idp := &fakeIdentityStore{providers: []domain.AuthProvider{provider}}
	account := &domain.Account{ID: provider.AccountID, Features: domain.AccountFeatures{IdPSync: false}}
	r := testRunner(t, idp, fakeAccountStore{account: account}, erroringAdapter{}, nil)

	status := r.syncOnce(context.Background(), provider)
	if status.Succeeded {
		t.Fatal("expected sync to be skipped, not succeed")
	}
	if len(idp.syncResults) != 1 || idp.syncResults[0].ok {
		t.Fatalf("expected one failed sync result recorded, got %+v", idp.syncResults)
	}
}

func TestSyncOnceUnauthorizedMarksManualIntervention(t *testing.T) {
	provider := domain.AuthProvider{ID: uuid.New(), AccountID: uuid.New(), ConsecutiveFailures: 10}
	idp := &fakeIdentityStore{providers: []domain.AuthProvider{provider}}
	notifier := &fakeNotifier{}
	adapter := erroringAdapter{err: newUnauthorized(errors.New("token expired"))}
	r := testRunner(t, idp, fakeAccountStore{account: syncEnabledAccount()}, adapter, notifier)

	status := r.syncOnce(context.Background(), provider)
	if status.Succeeded {
		t.Fatal("expected failure")
	}
	if len(idp.manualMarks) != 1 || idp.manualMarks[0] != provider.ID {
		t.Fatalf("expected manual intervention marked for provider, got %+v", idp.manualMarks)
	}
	if notifier.calls != 1 {
		t.Fatalf("expected exactly one notification at the 11th consecutive failure, got %d", notifier.calls)
	}
}

func TestSyncOnceUnauthorizedBelowThresholdDoesNotNotify(t *testing.T) {
	provider := domain.AuthProvider{ID: uuid.New(), AccountID: uuid.New(), ConsecutiveFailures: 2}
	idp := &fakeIdentityStore{providers: []domain.AuthProvider{provider}}
	notifier := &fakeNotifier{}
	adapter := erroringAdapter{err: newUnauthorized(errors.New("token expired"))}
	r := testRunner(t, idp, fakeAccountStore{account: syncEnabledAccount()}, adapter, notifier)

	r.syncOnce(context.Background(), provider)
	if notifier.calls != 0 {
		t.Fatalf("expected no notification below the failure-email threshold, got %d calls", notifier.calls)
	}
	if len(idp.manualMarks) != 1 {
		t.Fatalf("expected manual intervention still marked regardless of notification, got %+v", idp.manualMarks)
	}
}

func TestSyncOnceRetryLaterDoesNotMarkManualIntervention(t *testing.T) {
	provider := domain.AuthProvider{ID: uuid.New(), AccountID: uuid.New()}
	idp := &fakeIdentityStore{providers: []domain.AuthProvider{provider}}
	adapter := erroringAdapter{err: newRetryLater(errors.New("upstream 503"))}
	r := testRunner(t, idp, fakeAccountStore{account: syncEnabledAccount()}, adapter, nil)

	status := r.syncOnce(context.Background(), provider)
	if status.Succeeded {
		t.Fatal("expected failure")
	}
	if len(idp.manualMarks) != 0 {
		t.Fatalf("5xx should never mark manual intervention, got %+v", idp.manualMarks)
	}
}

func TestSyncOnceBreakerAbortsWholesaleIdentityLoss(t *testing.T) {
	provider := domain.AuthProvider{
		ID: uuid.New(), AccountID: uuid.New(),
		LastSyncedAt: timePtr(time.Now().Add(-time.Hour)),
	}
	existing := make([]domain.Identity, 50)
	for i := range existing {
		existing[i] = domain.Identity{ID: uuid.New(), ProviderIdentifier: uuid.New().String()}
	}
	idp := &fakeIdentityStore{
		providers:  []domain.AuthProvider{provider},
		identities: map[uuid.UUID][]domain.Identity{provider.ID: existing},
	}
	adapter := erroringAdapter{} // ListUsers returns nil, nil: zero identities reported
	r := testRunner(t, idp, fakeAccountStore{account: syncEnabledAccount()}, adapter, nil)

	status := r.syncOnce(context.Background(), provider)
	if status.Succeeded {
		t.Fatal("expected breaker to abort the sync")
	}
	if !status.BreakerOpen {
		t.Fatal("expected BreakerOpen to be true")
	}
	if status.Error != "Sync deletion of identities too large" {
		t.Fatalf("unexpected breaker error message: %q", status.Error)
	}
}

func TestSyncOnceBreakerSkippedOnFirstSync(t *testing.T) {
	provider := domain.AuthProvider{ID: uuid.New(), AccountID: uuid.New(), LastSyncedAt: nil}
	idp := &fakeIdentityStore{providers: []domain.AuthProvider{provider}}
	adapter := erroringAdapter{err: newRetryLater(errors.New("forced stop before transaction"))}
	r := testRunner(t, idp, fakeAccountStore{account: syncEnabledAccount()}, adapter, nil)

	status := r.syncOnce(context.Background(), provider)
	if status.BreakerOpen {
		t.Fatal("breaker must never trip on a provider's first sync")
	}
}

func TestRetryLaterErrorClassifiedAsRetryLater(t *testing.T) {
	err := newRetryLater(errors.New("x"))
	if !coreerr.Is(err, coreerr.RetryLater) {
		t.Fatal("expected RetryLater classification")
	}
}

func timePtr(t time.Time) *time.Time { return &t }
