package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/jmcleod/gatehouse/session"
)

const (
	githubUserInfoURL = "https://api.github.com/user"
	maxUserInfoBytes  = 1 << 20
)

// OAuth2Provider implements Provider for plain OAuth2 servers that expose
// a JSON userinfo endpoint.
type OAuth2Provider struct {
	config        *oauth2.Config
	userInfoURL   string
	subjectPrefix string
	client        *http.Client
}

var _ Provider = (*OAuth2Provider)(nil)

// NewGitHub returns a provider preconfigured for GitHub. Explicit
// endpoints in cfg override the defaults.
func NewGitHub(cfg Config) (*OAuth2Provider, error) {
	if cfg.AuthURL == "" {
		cfg.AuthURL = github.Endpoint.AuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = github.Endpoint.TokenURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = githubUserInfoURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read:user", "user:email"}
	}
	p, err := NewOAuth2(cfg)
	if err != nil {
		return nil, err
	}
	p.subjectPrefix = "github|"
	return p, nil
}

// NewOAuth2 returns a provider for arbitrary OAuth2 endpoints.
func NewOAuth2(cfg Config) (*OAuth2Provider, error) {
	if cfg.AuthURL == "" || cfg.TokenURL == "" || cfg.UserInfoURL == "" {
		return nil, errors.New("oauth2 provider requires auth, token and userinfo URLs")
	}
	return &OAuth2Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		userInfoURL: cfg.UserInfoURL,
		client:      cfg.HTTPClient,
	}, nil
}

func (p *OAuth2Provider) AuthCodeURL(state, verifier string) string {
	return p.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

func (p *OAuth2Provider) Exchange(ctx context.Context, code, verifier string) (*session.Principal, error) {
	ctx = withClient(ctx, p.client)
	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, exchangeError("token", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, exchangeError("userinfo", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.config.Client(ctx, token).Do(req)
	if err != nil {
		return nil, exchangeError("userinfo", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, exchangeError("userinfo", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBytes))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return nil, exchangeError("userinfo", err)
	}
	principal, err := principalFromClaims(claims, p.subjectPrefix)
	if err != nil {
		return nil, exchangeError("userinfo", err)
	}
	return principal, nil
}
