// Package oauth adapts third-party identity providers to a single
// capability: exchange an authorization code for a session.Principal.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/jmcleod/gatehouse/session"
)

// ErrExchange wraps any failure while exchanging a code or fetching the
// resulting identity.
var ErrExchange = errors.New("identity provider exchange failed")

// Provider is the delegated login collaborator.
type Provider interface {
	// AuthCodeURL returns the provider's authorization URL for state,
	// carrying the S256 challenge derived from verifier.
	AuthCodeURL(state, verifier string) string
	// Exchange redeems code and returns the authenticated principal.
	Exchange(ctx context.Context, code, verifier string) (*session.Principal, error)
}

// Provider kinds accepted by New.
const (
	KindGitHub = "github"
	KindOAuth2 = "oauth2"
	KindOIDC   = "oidc"
)

// Config describes an OAuth client registration.
type Config struct {
	Kind         string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Generic OAuth2 endpoints. Ignored for OIDC, which uses discovery.
	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// IssuerURL is the OIDC discovery base.
	IssuerURL string

	// HTTPClient is used for token, userinfo and discovery requests.
	HTTPClient *http.Client
}

// GenerateVerifier returns a fresh PKCE code verifier.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// New builds the provider selected by cfg.Kind.
func New(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("oauth client id is required")
	}
	switch strings.ToLower(cfg.Kind) {
	case "", KindGitHub:
		return NewGitHub(cfg)
	case KindOAuth2:
		return NewOAuth2(cfg)
	case KindOIDC:
		return NewOIDC(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown oauth provider %q", cfg.Kind)
	}
}

// withClient threads cfg.HTTPClient into ctx the way x/oauth2 expects.
func withClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

func exchangeError(step string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrExchange, step, err)
}
