package session

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/warden/pkg/errs"
	"github.com/platinummonkey/warden/pkg/tenant"
)

// UserDirectory maps an OIDC subject onto a local user identity
type UserDirectory interface {
	LookupSubject(ctx context.Context, issuer, subject string) (*tenant.Identity, error)
}

// tokenVerifier is the subset of oidc.IDTokenVerifier used by the resolver
type tokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// OIDCConfig configures the OIDC resolver
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// OIDCResolver verifies ID tokens from an external issuer and resolves
// them to local identities.
type OIDCResolver struct {
	issuer       string
	verifier     tokenVerifier
	oauth2Config *oauth2.Config
	users        UserDirectory
}

// NewOIDCResolver discovers the issuer and builds a resolver
func NewOIDCResolver(ctx context.Context, config OIDCConfig, users UserDirectory) (*OIDCResolver, error) {
	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &OIDCResolver{
		issuer:   config.IssuerURL,
		verifier: provider.Verifier(&oidc.Config{ClientID: config.ClientID}),
		oauth2Config: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  config.RedirectURL,
			Scopes:       scopes,
		},
		users: users,
	}, nil
}

// Resolve verifies an ID token and maps its subject to a local identity.
// Verification failures and unknown subjects both resolve to the same
// unauthenticated error.
func (r *OIDCResolver) Resolve(ctx context.Context, rawIDToken string) (*tenant.Identity, error) {
	idToken, err := r.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, errs.New(errs.KindUnauthenticated, "invalid or expired session")
	}

	identity, err := r.users.LookupSubject(ctx, r.issuer, idToken.Subject)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.New(errs.KindUnauthenticated, "invalid or expired session")
		}
		return nil, errs.Wrap(errs.KindInternal, "failed to look up subject", err)
	}
	return identity, nil
}

// AuthCodeURL returns the authorization URL to begin a login flow
func (r *OIDCResolver) AuthCodeURL(state string) string {
	return r.oauth2Config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a verified ID token and the
// identity it maps to.
func (r *OIDCResolver) Exchange(ctx context.Context, code string) (string, *tenant.Identity, error) {
	oauth2Token, err := r.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return "", nil, errs.Wrap(errs.KindUnauthenticated, "failed to exchange authorization code", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return "", nil, errs.New(errs.KindUnauthenticated, "missing id_token in token response")
	}

	identity, err := r.Resolve(ctx, rawIDToken)
	if err != nil {
		return "", nil, err
	}
	return rawIDToken, identity, nil
}
