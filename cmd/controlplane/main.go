// Package main is the entry point for the control plane core.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/boundarymesh/controlplane/internal/changelog"
	"github.com/boundarymesh/controlplane/internal/changes"
	"github.com/boundarymesh/controlplane/internal/channel"
	clientchannel "github.com/boundarymesh/controlplane/internal/channel/client"
	gatewaychannel "github.com/boundarymesh/controlplane/internal/channel/gateway"
	"github.com/boundarymesh/controlplane/internal/config"
	"github.com/boundarymesh/controlplane/internal/connauth"
	"github.com/boundarymesh/controlplane/internal/db"
	"github.com/boundarymesh/controlplane/internal/directory"
	"github.com/boundarymesh/controlplane/internal/domain"
	"github.com/boundarymesh/controlplane/internal/geo"
	"github.com/boundarymesh/controlplane/internal/gwselect"
	"github.com/boundarymesh/controlplane/internal/observability"
	"github.com/boundarymesh/controlplane/internal/presence"
	"github.com/boundarymesh/controlplane/internal/ref"
	"github.com/boundarymesh/controlplane/internal/replication"
	"github.com/boundarymesh/controlplane/internal/repository"
	"github.com/boundarymesh/controlplane/internal/router"
	"github.com/boundarymesh/controlplane/internal/server"
	"github.com/google/uuid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := setupLogger(cfg)
	logger.Info().Str("env", cfg.Server.Env).Str("port", cfg.Server.Port).Msg("starting controlplane core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs, err := observability.New(ctx, cfg.Observability)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize observability provider")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("observability shutdown")
		}
	}()

	postgres, err := db.NewPostgres(cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer postgres.Close()

	redisConn, err := db.NewRedis(cfg.Redis, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisConn.Close()

	migrationRunner := db.NewMigrationRunner(postgres, logger)
	if err := migrationRunner.RunFromStrings(ctx, getMigrations()); err != nil {
		logger.Fatal().Err(err).Msg("failed to run database migrations")
	}

	changeLogRepo := repository.NewChangeLogRepository(postgres.DB)
	accountRepo := repository.NewAccountRepository(postgres.DB)
	identityRepo := repository.NewIdentityRepository(postgres.DB)
	groupRepo := repository.NewGroupRepository(postgres.DB)
	tokenRepo := repository.NewTokenRepository(postgres.DB)
	gatewayRepo := repository.NewGatewayRepository(postgres.DB)
	resourceRepo := repository.NewResourceRepository(postgres.DB)
	policyRepo := repository.NewPolicyRepository(postgres.DB)

	changelogWriter := changelog.NewWriter(changeLogRepo)
	changeRouter := changes.NewRouter()

	sink := replication.NewCoreSink(changelogWriter, changeRouter, logger)
	lagObserver := newObservedLagObserver(replication.NewLoggingLagObserver(logger), obs)
	tailer := replication.New(replicationConnString(cfg.Database.URL), cfg.Replication, sink, lagObserver, logger)
	go func() {
		if err := tailer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("replication tailer stopped")
		}
	}()

	nodeID, err := os.Hostname()
	if err != nil || nodeID == "" {
		nodeID = "controlplane-" + time.Now().UTC().Format("20060102150405")
	}
	presenceTracker := presence.New(redisConn, nodeID)

	refSigner, err := ref.NewSigner(cfg.Ref.SigningSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize ref signer")
	}

	geoResolver, err := geo.Open(cfg.Geo.CityDBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open geo city database")
	}
	defer geoResolver.Close()

	connAuth, err := connauth.NewValidator(tokenRepo, cfg.ConnAuth.TokenCacheSize)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize connection token validator")
	}

	gatewaySelector := gwselect.New(presenceTracker, geoResolver.EntryPoint)

	gatewayHub := gatewaychannel.NewHub(logger, changeRouter, presenceTracker, policyRepo, gatewayRepo)
	clientHub := clientchannel.NewHub(clientchannel.Deps{
		Logger:          logger,
		Router:          changeRouter,
		Presence:        presenceTracker,
		Redis:           redisConn,
		GatewayHub:      gatewayHub,
		GatewaySelector: gatewaySelector,
		Signer:          refSigner,
		Geo:             geoResolver.EntryPoint,
		Region:          geoResolver.Region,
		Accounts:        accountResolver{accounts: accountRepo},
		Policies:        policyRepo,
		Resources:       resourceRepo,
		Groups:          groupRepo,
		RelayDebounceMs: cfg.Presence.RelayPresenceDebounceMs,
	})

	originIP := func(r *http.Request) presence.GeoPoint {
		return geoResolver.Point(channel.RemoteIP(r))
	}

	directoryRunner := directory.NewRunner(
		logger, cfg.Directory, postgres.DB,
		identityRepo, groupRepo, accountRepo,
		directory.DefaultAdapterFactory(&http.Client{Timeout: cfg.Directory.HTTPTimeout}),
		nil,
	)
	go directoryRunner.Run(ctx)

	handler := router.New(router.Dependencies{
		Config:      cfg,
		Logger:      logger,
		DB:          postgres,
		Redis:       redisConn,
		Replication: tailer,
		Changelog:   changelogWriter,
		Directory:   directoryRunner,
		Providers:   identityRepo,
		ClientHub:   clientHub,
		GatewayHub:  gatewayHub,
		ConnAuth:    connAuth,
		OriginIP:    originIP,
		RefSigner:   refSigner,
	})

	srv := server.New(cfg, handler, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("server stopped with error")
	}
}

// replicationConnString appends the replication=database parameter pgx's
// simple-query replication protocol requires, matching the teacher's
// practice of deriving connection variants from one configured DSN rather
// than keeping a second copy in config.
func replicationConnString(dsn string) string {
	if strings.Contains(dsn, "replication=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "replication=database"
}

// accountResolver adapts *repository.AccountRepository to
// internal/channel/client.AccountResolver, which only needs the slug and
// config a connecting client's account carries, not the full domain.Account.
type accountResolver struct {
	accounts *repository.AccountRepository
}

func (a accountResolver) ResolveAccount(ctx context.Context, accountID uuid.UUID) (string, domain.AccountConfig, error) {
	acct, err := a.accounts.Get(ctx, accountID)
	if err != nil {
		return "", domain.AccountConfig{}, err
	}
	if acct == nil {
		return "", domain.AccountConfig{}, fmt.Errorf("account %s not found", accountID)
	}
	return acct.Slug, acct.Config, nil
}

// observedLagObserver fans a single ObserveLag call out to the teacher-style
// logging observer and the OpenTelemetry provider, whose RecordReplicationLag
// takes a context the LagObserver interface has no room for.
type observedLagObserver struct {
	logging *replication.LoggingLagObserver
	obs     *observability.Provider
}

func newObservedLagObserver(logging *replication.LoggingLagObserver, obs *observability.Provider) *observedLagObserver {
	return &observedLagObserver{logging: logging, obs: obs}
}

func (o *observedLagObserver) ObserveLag(lag time.Duration, exceeded bool) {
	o.logging.ObserveLag(lag, exceeded)
	o.obs.RecordReplicationLag(context.Background(), lag)
}

func setupLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logger zerolog.Logger
	if cfg.Logging.Format == "console" || cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Caller().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return logger
}

// getMigrations returns the schema for every table this core's repositories
// touch: accounts and directory sync, the replication change log, and the
// gateway/relay/resource/policy tables backing the client and gateway
// channel hubs (C8/C9).
func getMigrations() map[string]string {
	return map[string]string{
		"001_initial_schema.sql": `
CREATE EXTENSION IF NOT EXISTS pgcrypto;

CREATE TABLE IF NOT EXISTS accounts (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	slug VARCHAR(255) UNIQUE NOT NULL,
	features JSONB NOT NULL DEFAULT '{}',
	limits JSONB NOT NULL DEFAULT '{}',
	config JSONB NOT NULL DEFAULT '{}',
	disabled_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS auth_providers (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	account_id UUID NOT NULL REFERENCES accounts(id),
	type VARCHAR(50) NOT NULL,
	name VARCHAR(255) NOT NULL,
	issuer_url TEXT NOT NULL,
	client_id VARCHAR(255) NOT NULL,
	client_secret_encrypted BYTEA,
	scopes JSONB NOT NULL DEFAULT '[]',
	sync_enabled BOOLEAN NOT NULL DEFAULT false,
	last_synced_at TIMESTAMPTZ,
	last_sync_error TEXT,
	consecutive_failures INT NOT NULL DEFAULT 0,
	requires_manual_intervention BOOLEAN NOT NULL DEFAULT false,
	last_failure_email_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_auth_providers_sync_enabled ON auth_providers(sync_enabled) WHERE sync_enabled;

CREATE TABLE IF NOT EXISTS actors (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	account_id UUID NOT NULL REFERENCES accounts(id),
	type VARCHAR(50) NOT NULL,
	name VARCHAR(255) NOT NULL,
	disabled_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS auth_identities (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	account_id UUID NOT NULL REFERENCES accounts(id),
	actor_id UUID NOT NULL REFERENCES actors(id),
	provider_id UUID NOT NULL REFERENCES auth_providers(id),
	provider_identifier VARCHAR(255) NOT NULL,
	email VARCHAR(320),
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (account_id, provider_id, provider_identifier)
);
CREATE INDEX IF NOT EXISTS idx_auth_identities_provider ON auth_identities(provider_id) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS actor_groups (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	account_id UUID NOT NULL REFERENCES accounts(id),
	provider_id UUID REFERENCES auth_providers(id),
	name VARCHAR(255) NOT NULL,
	type VARCHAR(50) NOT NULL,
	last_synced_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_actor_groups_provider ON actor_groups(provider_id);

CREATE TABLE IF NOT EXISTS memberships (
	actor_id UUID NOT NULL REFERENCES actors(id),
	group_id UUID NOT NULL REFERENCES actor_groups(id),
	account_id UUID NOT NULL REFERENCES accounts(id),
	last_synced_at TIMESTAMPTZ,
	PRIMARY KEY (actor_id, group_id)
);

CREATE TABLE IF NOT EXISTS change_logs (
	lsn BIGINT PRIMARY KEY,
	account_id UUID NOT NULL,
	table_name VARCHAR(100) NOT NULL,
	op VARCHAR(10) NOT NULL,
	old_data JSONB,
	data JSONB,
	vsn BIGINT NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_change_logs_account_lsn ON change_logs(account_id, lsn);
CREATE INDEX IF NOT EXISTS idx_change_logs_account_inserted ON change_logs(account_id, inserted_at);
`,
		"002_channel_schema.sql": `
CREATE TABLE IF NOT EXISTS gateway_groups (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	account_id UUID NOT NULL REFERENCES accounts(id),
	name VARCHAR(255) NOT NULL,
	routing VARCHAR(50) NOT NULL DEFAULT 'managed',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS gateways (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	account_id UUID NOT NULL REFERENCES accounts(id),
	gateway_group_id UUID NOT NULL REFERENCES gateway_groups(id),
	name VARCHAR(255) NOT NULL,
	public_key TEXT NOT NULL,
	ipv4_address VARCHAR(64),
	ipv6_address VARCHAR(64),
	last_seen_remote_ip VARCHAR(64),
	last_seen_version VARCHAR(50),
	last_seen_at TIMESTAMPTZ,
	latitude DOUBLE PRECISION,
	longitude DOUBLE PRECISION,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_gateways_group ON gateways(gateway_group_id);

CREATE TABLE IF NOT EXISTS relays (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	account_id UUID REFERENCES accounts(id),
	ipv4_address VARCHAR(64),
	ipv6_address VARCHAR(64),
	stamp_secret VARCHAR(255) NOT NULL,
	latitude DOUBLE PRECISION,
	longitude DOUBLE PRECISION,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_relays_account ON relays(account_id);

CREATE TABLE IF NOT EXISTS resources (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	account_id UUID NOT NULL REFERENCES accounts(id),
	persistent_id UUID NOT NULL,
	name VARCHAR(255) NOT NULL,
	address TEXT,
	address_description TEXT,
	type VARCHAR(20) NOT NULL,
	ip_stack VARCHAR(20),
	filters JSONB NOT NULL DEFAULT '[]',
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_resources_account ON resources(account_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_resources_persistent_id ON resources(persistent_id);

CREATE TABLE IF NOT EXISTS resource_connections (
	resource_id UUID NOT NULL REFERENCES resources(id),
	gateway_group_id UUID NOT NULL REFERENCES gateway_groups(id),
	account_id UUID NOT NULL REFERENCES accounts(id),
	PRIMARY KEY (resource_id, gateway_group_id)
);

CREATE TABLE IF NOT EXISTS policies (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	persistent_id UUID NOT NULL,
	account_id UUID NOT NULL REFERENCES accounts(id),
	actor_group_id UUID NOT NULL REFERENCES actor_groups(id),
	resource_id UUID NOT NULL REFERENCES resources(id),
	description TEXT,
	conditions JSONB NOT NULL DEFAULT '[]',
	disabled_at TIMESTAMPTZ,
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_policies_group_resource_active
	ON policies(actor_group_id, resource_id) WHERE disabled_at IS NULL AND deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_policies_account ON policies(account_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_policies_persistent_id ON policies(persistent_id);

CREATE TABLE IF NOT EXISTS policy_authorizations (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	policy_id UUID NOT NULL REFERENCES policies(id),
	gateway_id UUID NOT NULL REFERENCES gateways(id),
	client_id UUID NOT NULL,
	resource_id UUID NOT NULL REFERENCES resources(id),
	expires_at TIMESTAMPTZ NOT NULL,
	ice_username VARCHAR(255) NOT NULL,
	ice_password VARCHAR(255) NOT NULL,
	preshared_key VARCHAR(255) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_policy_authorizations_gateway ON policy_authorizations(gateway_id);
CREATE INDEX IF NOT EXISTS idx_policy_authorizations_client_resource ON policy_authorizations(client_id, resource_id);

CREATE TABLE IF NOT EXISTS connection_tokens (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	kind VARCHAR(20) NOT NULL,
	hash CHAR(64) NOT NULL UNIQUE,
	account_id UUID NOT NULL REFERENCES accounts(id),
	actor_id UUID REFERENCES actors(id),
	gateway_id UUID REFERENCES gateways(id),
	expires_at TIMESTAMPTZ,
	revoked_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_connection_tokens_account ON connection_tokens(account_id);
`,
	}
}
