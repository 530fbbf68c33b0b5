// Package connauth authenticates client and gateway channel upgrade
// requests against the connection_tokens table, with an in-process LRU
// cache absorbing repeat lookups from a session's ping/reconnect churn.
//
// Grounded on the teacher pack's internal/middleware/auth/ldap.go, which
// caches resolved identities behind a hashicorp/golang-lru front for the
// same reason: avoid round-tripping to the backing store on every request
// for a credential that rarely changes mid-session.
package connauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/boundarymesh/controlplane/internal/coreerr"
	"github.com/boundarymesh/controlplane/internal/domain"
	"github.com/google/uuid"
)

// tokenStore is the narrow repository dependency Validator needs;
// satisfied by *repository.TokenRepository.
type tokenStore interface {
	GetByHash(ctx context.Context, hash string) (*domain.ConnectionToken, error)
}

// Validator authenticates bearer tokens for both channel hubs, implementing
// client.Authenticator and gateway.Authenticator.
type Validator struct {
	tokens tokenStore
	cache  *lru.Cache[string, domain.ConnectionToken]
}

// NewValidator builds a Validator whose cache holds up to size resolved
// tokens.
func NewValidator(tokens tokenStore, size int) (*Validator, error) {
	cache, err := lru.New[string, domain.ConnectionToken](size)
	if err != nil {
		return nil, err
	}
	return &Validator{tokens: tokens, cache: cache}, nil
}

// AuthenticateClient satisfies internal/channel/client.Authenticator.
func (v *Validator) AuthenticateClient(r *http.Request) (clientID uuid.UUID, subject domain.Subject, lastVersion string, err error) {
	token, err := v.resolve(r)
	if err != nil {
		return uuid.UUID{}, domain.Subject{}, "", err
	}
	if token.Kind != domain.TokenKindClient || token.ActorID == nil {
		return uuid.UUID{}, domain.Subject{}, "", coreerr.New(coreerr.Unauthorized, nil)
	}

	expiresAt := time.Now().UTC().Add(24 * time.Hour)
	if token.ExpiresAt != nil {
		expiresAt = *token.ExpiresAt
	}

	subject = domain.Subject{ActorID: *token.ActorID, AccountID: token.AccountID, ExpiresAt: expiresAt}
	return token.ID, subject, r.URL.Query().Get("last_version"), nil
}

// AuthenticateGateway satisfies internal/channel/gateway.Authenticator.
func (v *Validator) AuthenticateGateway(r *http.Request) (gatewayID, accountID uuid.UUID, err error) {
	token, err := v.resolve(r)
	if err != nil {
		return uuid.UUID{}, uuid.UUID{}, err
	}
	if token.Kind != domain.TokenKindGateway || token.GatewayID == nil {
		return uuid.UUID{}, uuid.UUID{}, coreerr.New(coreerr.Unauthorized, nil)
	}
	return *token.GatewayID, token.AccountID, nil
}

func (v *Validator) resolve(r *http.Request) (*domain.ConnectionToken, error) {
	secret, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	hash := hashToken(secret)

	if cached, ok := v.cache.Get(hash); ok {
		token := cached
		if err := validity(&token); err != nil {
			v.cache.Remove(hash)
			return nil, err
		}
		return &token, nil
	}

	token, err := v.tokens.GetByHash(r.Context(), hash)
	if err != nil {
		return nil, coreerr.New(coreerr.Unauthorized, err)
	}
	if token == nil {
		return nil, coreerr.New(coreerr.Unauthorized, nil)
	}
	if err := validity(token); err != nil {
		return nil, err
	}

	v.cache.Add(hash, *token)
	return token, nil
}

func validity(token *domain.ConnectionToken) error {
	now := time.Now().UTC()
	if token.Revoked() || token.Expired(now) {
		return coreerr.New(coreerr.Unauthorized, nil)
	}
	return nil
}

// bearerToken extracts the presented secret from an Authorization: Bearer
// header, falling back to a ?token= query parameter for clients that can't
// set headers on a WebSocket upgrade.
func bearerToken(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok && rest != "" {
			return rest, nil
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", coreerr.New(coreerr.Unauthorized, nil)
}

func hashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
