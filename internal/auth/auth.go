// Package auth authenticates bearer credentials and carries the caller's roles.
//
// Three credential kinds are accepted: the master admin key (compared in
// constant time), user API keys of the form mk_<prefix>_<secret> (bcrypt
// verified), and JWTs signed with RS256 or ES256 by a key in a JWKS document.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/mamori/internal/model"
	"github.com/ashita-ai/mamori/internal/storage"
)

// ErrUnauthorized is returned for missing, malformed, or rejected credentials.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Credential kinds.
const (
	MethodAdminKey = "admin_key"
	MethodAPIKey   = "api_key"
	MethodJWT      = "jwt"
)

// Principal is an authenticated caller.
type Principal struct {
	Subject  string
	Roles    []model.Role
	Method   string
	APIKeyID *uuid.UUID
}

// Can reports whether any of the principal's roles grants perm.
func (p *Principal) Can(perm model.Permission) bool {
	return p != nil && model.RolesAllow(p.Roles, perm)
}

// KeyStore looks up user API keys. *storage.DB implements it.
type KeyStore interface {
	GetActiveAPIKeyByPrefix(ctx context.Context, prefix string) (model.APIKey, error)
}

// Authenticator validates bearer tokens.
type Authenticator struct {
	adminKey string
	keys     KeyStore
	jwks     *JWKS
	audience string
	logger   *slog.Logger
}

// Options configure an Authenticator. Every credential kind is optional.
type Options struct {
	AdminKey string
	Keys     KeyStore
	JWKS     *JWKS
	Audience string
	Logger   *slog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(opts Options) *Authenticator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Authenticator{
		adminKey: opts.AdminKey,
		keys:     opts.Keys,
		jwks:     opts.JWKS,
		audience: opts.Audience,
		logger:   opts.Logger,
	}
}

// Authenticate resolves a bearer token to a principal.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthorized
	}
	if a.adminKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.adminKey)) == 1 {
		return &Principal{Subject: "admin", Roles: []model.Role{model.RoleOrgAdmin}, Method: MethodAdminKey}, nil
	}
	if strings.HasPrefix(token, "mk_") {
		return a.apiKey(ctx, token)
	}
	if a.jwks != nil {
		return a.jwt(ctx, token)
	}
	return nil, ErrUnauthorized
}

func (a *Authenticator) apiKey(ctx context.Context, raw string) (*Principal, error) {
	if a.keys == nil {
		return nil, ErrUnauthorized
	}
	prefix, err := model.ParseRawKey(raw)
	if err != nil {
		return nil, ErrUnauthorized
	}
	key, err := a.keys.GetActiveAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		DummyVerify()
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("auth: look up api key: %w", err)
	}
	if !VerifyAPIKey(raw, key.KeyHash) {
		return nil, ErrUnauthorized
	}
	id := key.ID
	return &Principal{Subject: "api_key:" + key.Prefix, Roles: key.Roles, Method: MethodAPIKey, APIKeyID: &id}, nil
}

func (a *Authenticator) jwt(ctx context.Context, token string) (*Principal, error) {
	claims, err := a.jwks.Validate(ctx, token, a.audience)
	if err != nil {
		a.logger.Debug("auth: jwt rejected", "error", err)
		return nil, ErrUnauthorized
	}
	var roles []model.Role
	for _, r := range claims.Roles {
		if role := model.Role(r); model.ValidRole(role) {
			roles = append(roles, role)
		}
	}
	return &Principal{Subject: claims.Subject, Roles: roles, Method: MethodJWT}, nil
}
