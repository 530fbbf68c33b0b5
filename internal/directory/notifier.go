package directory

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// Notifier delivers the rate-limited admin alert on repeated sync failure.
// Email delivery itself is an external collaborator this core only has an
// interface with (see spec's Non-goals); LogNotifier is the fallback used
// when no real transport is wired.
type Notifier interface {
	NotifyManualIntervention(ctx context.Context, provider domain.AuthProvider, reason string) error
}

// LogNotifier logs the alert instead of sending it, for environments with
// no mail transport configured.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) NotifyManualIntervention(ctx context.Context, provider domain.AuthProvider, reason string) error {
	n.Logger.Error().
		Str("provider_id", provider.ID.String()).
		Str("account_id", provider.AccountID.String()).
		Str("reason", reason).
		Msg("directory provider requires manual intervention")
	return nil
}
