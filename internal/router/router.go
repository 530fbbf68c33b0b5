// Package router sets up the HTTP router and middleware chain.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/boundarymesh/controlplane/internal/changelog"
	clientchannel "github.com/boundarymesh/controlplane/internal/channel/client"
	gatewaychannel "github.com/boundarymesh/controlplane/internal/channel/gateway"
	"github.com/boundarymesh/controlplane/internal/config"
	"github.com/boundarymesh/controlplane/internal/directory"
	"github.com/boundarymesh/controlplane/internal/domain"
	"github.com/boundarymesh/controlplane/internal/middleware"
	"github.com/boundarymesh/controlplane/internal/presence"
	"github.com/boundarymesh/controlplane/internal/ref"
)

// healthChecker is the subset of *db.Postgres/*db.Redis the /ready endpoint
// needs.
type healthChecker interface {
	Health() bool
}

// replicationStatus is the subset of *replication.Tailer the /internal/status
// endpoint reports.
type replicationStatus interface {
	Phase() string
	LastLSN() uint64
}

// connAuthenticator is satisfied by *connauth.Validator, which authenticates
// both channel upgrade endpoints against the connection_tokens table.
type connAuthenticator interface {
	clientchannel.Authenticator
	gatewaychannel.Authenticator
}

// Dependencies holds all dependencies needed by the router.
type Dependencies struct {
	Config      *config.Config
	Logger      zerolog.Logger
	DB          healthChecker
	Redis       healthChecker
	Replication replicationStatus
	Changelog   *changelog.Writer
	Directory   *directory.Runner
	Providers   providerLookup
	ClientHub   *clientchannel.Hub
	GatewayHub  *gatewaychannel.Hub
	ConnAuth    connAuthenticator
	OriginIP    func(*http.Request) presence.GeoPoint
	RefSigner   *ref.Signer
}

// providerLookup is the narrow dependency /internal/directory/sync needs to
// turn a provider id into the domain.AuthProvider the runner requires.
// Satisfied by *repository.IdentityRepository.
type providerLookup interface {
	GetAuthProvider(ctx context.Context, id uuid.UUID) (*domain.AuthProvider, error)
}

// New creates a new router with all middleware and routes configured:
// health checks, three internal operator endpoints, and the client/gateway
// channel WebSocket upgrade endpoints (C8/C9).
func New(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recoverer(deps.Logger))
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Trace())
	r.Use(chimiddleware.Timeout(deps.Config.Server.WriteTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !deps.DB.Health() || !deps.Redis.Health() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Get("/status", handleStatus(deps))
		r.Post("/changelog/truncate", handleChangelogTruncate(deps))
		r.Post("/directory/sync", handleDirectorySync(deps))
	})

	if deps.ClientHub != nil {
		r.Get("/channel/client", func(w http.ResponseWriter, r *http.Request) {
			deps.ClientHub.Upgrade(w, r, deps.ConnAuth, deps.OriginIP)
		})
	}
	if deps.GatewayHub != nil {
		r.Get("/channel/gateway", func(w http.ResponseWriter, r *http.Request) {
			deps.GatewayHub.Upgrade(w, r, deps.ConnAuth, deps.RefSigner)
		})
	}

	return r
}

func handleStatus(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{}
		if deps.Replication != nil {
			status["replication"] = map[string]any{
				"phase":    deps.Replication.Phase(),
				"last_lsn": deps.Replication.LastLSN(),
			}
		}
		if deps.Directory != nil {
			status["directory"] = deps.Directory.AllStatuses()
		}
		writeJSON(w, http.StatusOK, status)
	}
}

type truncateRequest struct {
	AccountID uuid.UUID `json:"account_id"`
	Cutoff    time.Time `json:"cutoff"`
}

func handleChangelogTruncate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req truncateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
			return
		}
		n, err := deps.Changelog.Truncate(r.Context(), req.AccountID, req.Cutoff)
		if err != nil {
			deps.Logger.Error().Err(err).Msg("changelog truncate")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
	}
}

type syncRequest struct {
	ProviderID uuid.UUID `json:"provider_id"`
}

func handleDirectorySync(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req syncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
			return
		}
		provider, err := deps.Providers.GetAuthProvider(r.Context(), req.ProviderID)
		if err != nil {
			deps.Logger.Error().Err(err).Msg("load provider for forced sync")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
			return
		}
		if provider == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
			return
		}
		deps.Directory.SyncProvider(r.Context(), *provider)
		status, _ := deps.Directory.Status(provider.ID)
		writeJSON(w, http.StatusOK, status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
