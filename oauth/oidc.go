package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/jmcleod/gatehouse/session"
)

// OIDCProvider implements Provider for OpenID Connect issuers. Identity
// comes from the verified ID token.
type OIDCProvider struct {
	config   *oauth2.Config
	verifier *oidc.IDTokenVerifier
	client   *http.Client
}

var _ Provider = (*OIDCProvider)(nil)

// NewOIDC discovers the issuer's endpoints and keys.
func NewOIDC(ctx context.Context, cfg Config) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, errors.New("oidc provider requires an issuer URL")
	}
	ctx = withClient(ctx, cfg.HTTPClient)
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering oidc issuer: %w", err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	return &OIDCProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		client:   cfg.HTTPClient,
	}, nil
}

func (p *OIDCProvider) AuthCodeURL(state, verifier string) string {
	return p.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier string) (*session.Principal, error) {
	ctx = withClient(ctx, p.client)
	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, exchangeError("token", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, exchangeError("token", errors.New("no id_token in token response"))
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, exchangeError("id_token", err)
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, exchangeError("id_token", err)
	}
	principal, err := principalFromClaims(claims, "")
	if err != nil {
		return nil, exchangeError("id_token", err)
	}
	principal.AuthenticatedAt = idToken.IssuedAt.UTC()
	return principal, nil
}
