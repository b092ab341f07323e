package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/csrf"
	"github.com/jmcleod/gatehouse/oauth"
	"github.com/jmcleod/gatehouse/session"
)

// fakeProvider treats the authorization code as a user name.
type fakeProvider struct {
	mu        sync.Mutex
	verifiers map[string]bool
	fail      bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{verifiers: make(map[string]bool)}
}

func (p *fakeProvider) AuthCodeURL(state, verifier string) string {
	p.mu.Lock()
	p.verifiers[verifier] = true
	p.mu.Unlock()
	return "https://idp.example.test/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) Exchange(_ context.Context, code, verifier string) (*session.Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, fmt.Errorf("%w: token endpoint returned 500", oauth.ErrExchange)
	}
	if !p.verifiers[verifier] {
		return nil, fmt.Errorf("%w: unknown verifier", oauth.ErrExchange)
	}
	return &session.Principal{
		Subject: "fake|" + code,
		Name:    strings.ToUpper(code[:1]) + code[1:],
		Email:   code + "@example.com",
		Attributes: map[string]any{
			"login": code,
		},
	}, nil
}

// flakyStore fails every call with ErrUnavailable while down is set.
type flakyStore struct {
	session.Store
	down atomic.Bool
}

func (s *flakyStore) err() error {
	return fmt.Errorf("%w: connection refused", session.ErrUnavailable)
}

func (s *flakyStore) Create(ctx context.Context, p *session.Principal) (*session.Session, error) {
	if s.down.Load() {
		return nil, s.err()
	}
	return s.Store.Create(ctx, p)
}

func (s *flakyStore) Get(ctx context.Context, id string) (*session.Session, error) {
	if s.down.Load() {
		return nil, s.err()
	}
	return s.Store.Get(ctx, id)
}

func (s *flakyStore) Invalidate(ctx context.Context, id string) error {
	if s.down.Load() {
		return s.err()
	}
	return s.Store.Invalidate(ctx, id)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type gateway struct {
	*httptest.Server
	mem      *session.MemoryStore
	store    *flakyStore
	provider *fakeProvider
	clock    *fakeClock
	alerts   chan api.AlertEvent
}

type gatewayConfig struct {
	managerOpts []session.ManagerOption
	apiOpts     []api.Option
}

func setupGateway(t *testing.T, cfg gatewayConfig) *gateway {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	mem := session.NewMemoryStore(session.WithClock(clock.Now), session.WithIdleTimeout(15*time.Minute))
	t.Cleanup(func() { _ = mem.Close() })
	store := &flakyStore{Store: mem}

	managerOpts := append([]session.ManagerOption{session.WithManagerClock(clock.Now)}, cfg.managerOpts...)
	manager := session.NewManager(store, managerOpts...)
	provider := newFakeProvider()
	alerts := make(chan api.AlertEvent, 16)

	apiOpts := append([]api.Option{
		api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		api.WithVersion("test"),
		api.WithAlertFunc(func(e api.AlertEvent) { alerts <- e }),
	}, cfg.apiOpts...)
	a := api.New(manager, provider, apiOpts...)

	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)
	return &gateway{Server: srv, mem: mem, store: store, provider: provider, clock: clock, alerts: alerts}
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func do(t *testing.T, client *http.Client, method, target string, mutate func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, target, nil)
	require.NoError(t, err)
	if mutate != nil {
		mutate(req)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func jarCookie(t *testing.T, client *http.Client, base, name string) string {
	t.Helper()
	u, err := url.Parse(base)
	require.NoError(t, err)
	for _, c := range client.Jar.Cookies(u) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func responseCookies(resp *http.Response, name string) []*http.Cookie {
	var out []*http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// login drives /login-start and /login-callback for user and returns the
// callback response.
func login(t *testing.T, gw *gateway, client *http.Client, user string) *http.Response {
	t.Helper()
	resp := do(t, client, http.MethodGet, gw.URL+"/login-start", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "idp.example.test", loc.Host)
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)

	return do(t, client, http.MethodGet,
		gw.URL+"/login-callback?code="+url.QueryEscape(user)+"&state="+url.QueryEscape(state), nil)
}

func loginOK(t *testing.T, gw *gateway, client *http.Client, user string) {
	t.Helper()
	resp := login(t, gw, client, user)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/dashboard", resp.Header.Get("Location"))
}

func logout(t *testing.T, gw *gateway, client *http.Client, token string) *http.Response {
	t.Helper()
	return do(t, client, http.MethodPost, gw.URL+"/logout", func(r *http.Request) {
		if token != "" {
			r.Header.Set("X-CSRF-Token", token)
		}
	})
}

func TestEndToEnd(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	client := newClient(t)

	// No cookies: /me is unauthenticated but still gets a CSRF cookie.
	resp := do(t, client, http.MethodGet, gw.URL+"/me", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var errResp api.ErrorResponse
	decodeBody(t, resp, &errResp)
	assert.Equal(t, "Not authenticated", errResp.Error)
	require.Len(t, responseCookies(resp, "csrf-token"), 1)
	assert.Empty(t, responseCookies(resp, "session-id"), "anonymous browsing stores nothing")
	anonToken := jarCookie(t, client, gw.URL, "csrf-token")
	require.NotEmpty(t, anonToken)

	// Login mints a new session ID and a new CSRF token.
	resp = login(t, gw, client, "alice")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))
	require.Len(t, responseCookies(resp, "session-id"), 1)
	require.Len(t, responseCookies(resp, "csrf-token"), 1)

	authID := jarCookie(t, client, gw.URL, "session-id")
	require.NotEmpty(t, authID)
	authToken := jarCookie(t, client, gw.URL, "csrf-token")
	assert.NotEqual(t, anonToken, authToken)
	anonSecret, err := csrf.Unmask(anonToken)
	require.NoError(t, err)
	authSecret, err := csrf.Unmask(authToken)
	require.NoError(t, err)
	assert.NotEqual(t, anonSecret, authSecret, "login rotates the CSRF secret with the session")

	resp = do(t, client, http.MethodGet, gw.URL+"/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me api.PrincipalResponse
	decodeBody(t, resp, &me)
	assert.Equal(t, "fake|alice", me.Subject)
	assert.Equal(t, "Alice", me.Name)
	assert.Equal(t, "alice@example.com", me.Email)
	assert.Equal(t, "alice", me.Attributes["login"])
	assert.True(t, gw.clock.Now().Equal(me.AuthenticatedAt))

	// Logout with the header copied from the cookie.
	resp = logout(t, gw, client, jarCookie(t, client, gw.URL, "csrf-token"))
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
	for _, name := range []string{"session-id", "csrf-token"} {
		cookies := responseCookies(resp, name)
		require.Len(t, cookies, 1, name)
		assert.Negative(t, cookies[0].MaxAge, name)
	}

	resp = do(t, client, http.MethodGet, gw.URL+"/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The logged-out ID is gone for good.
	stale := newClient(t)
	resp = do(t, stale, http.MethodGet, gw.URL+"/me", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "session-id", Value: authID})
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPublicRoutes(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	client := newClient(t)

	resp := do(t, client, http.MethodGet, gw.URL+"/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var home api.HomeResponse
	decodeBody(t, resp, &home)
	assert.Equal(t, "gatehouse", home.Service)
	assert.Equal(t, "test", home.Version)
	assert.Equal(t, "UP", home.Status)
	assert.Len(t, responseCookies(resp, "csrf-token"), 1)

	resp = do(t, client, http.MethodGet, gw.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(body))

	resp = do(t, client, http.MethodGet, gw.URL+"/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/yaml", resp.Header.Get("Content-Type"))

	resp = do(t, client, http.MethodGet, gw.URL+"/docs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCookielessRequestsStoreNothing(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})

	for range 50 {
		for _, path := range []string{"/health", "/", "/openapi.yaml", "/docs/", "/me"} {
			resp := do(t, newClient(t), http.MethodGet, gw.URL+path, nil)
			require.Empty(t, responseCookies(resp, "session-id"), path)
			require.Len(t, responseCookies(resp, "csrf-token"), 1, path)
		}
	}
	assert.Zero(t, gw.mem.Len())

	// The anonymous secret follows the csrf-token cookie from one response
	// to the next.
	client := newClient(t)
	do(t, client, http.MethodGet, gw.URL+"/", nil)
	first := jarCookie(t, client, gw.URL, "csrf-token")
	do(t, client, http.MethodGet, gw.URL+"/", nil)
	second := jarCookie(t, client, gw.URL, "csrf-token")
	require.NotEqual(t, first, second)
	a, err := csrf.Unmask(first)
	require.NoError(t, err)
	b, err := csrf.Unmask(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Zero(t, gw.mem.Len())

	// Only starting a login stores the anonymous session.
	resp := do(t, client, http.MethodGet, gw.URL+"/login-start", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Len(t, responseCookies(resp, "session-id"), 1)
	require.Len(t, responseCookies(resp, "csrf-token"), 1)
	assert.Equal(t, 1, gw.mem.Len())

	// A second login-start reuses the stored session.
	do(t, client, http.MethodGet, gw.URL+"/login-start", nil)
	assert.Equal(t, 1, gw.mem.Len())
}

func TestStaleSessionCookieIsCleared(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	resp := do(t, newClient(t), http.MethodGet, gw.URL+"/", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "session-id", Value: "no-such-session"})
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := responseCookies(resp, "session-id")
	require.Len(t, cookies, 1)
	assert.Negative(t, cookies[0].MaxAge)
	assert.Zero(t, gw.mem.Len())
}

func TestHeadOnPublicRoutes(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	for _, path := range []string{"/", "/health", "/openapi.yaml"} {
		resp := do(t, newClient(t), http.MethodHead, gw.URL+path, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
	resp := do(t, newClient(t), http.MethodHead, gw.URL+"/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownRouteIsProtected(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	client := newClient(t)

	resp := do(t, client, http.MethodGet, gw.URL+"/admin", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	loginOK(t, gw, client, "alice")
	resp = do(t, client, http.MethodGet, gw.URL+"/admin", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBrowserNavigationRedirectsToLogin(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	client := newClient(t)

	resp := do(t, client, http.MethodGet, gw.URL+"/me", func(r *http.Request) {
		r.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login-start", resp.Header.Get("Location"))

	// JSON clients get a 401 even if they also accept HTML.
	resp = do(t, client, http.MethodGet, gw.URL+"/me", func(r *http.Request) {
		r.Header.Set("Accept", "application/json, text/html;q=0.5")
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Unsafe methods are never redirected.
	resp = do(t, client, http.MethodPost, gw.URL+"/logout", func(r *http.Request) {
		r.Header.Set("Accept", "text/html")
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSafeMethodNeedsNoCSRF(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	client := newClient(t)
	loginOK(t, gw, client, "alice")
	sid := jarCookie(t, client, gw.URL, "session-id")

	// Only the session cookie, no CSRF cookie or header.
	bare := newClient(t)
	resp := do(t, bare, http.MethodGet, gw.URL+"/me", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "session-id", Value: sid})
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogoutRequiresCSRF(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})

	other := newClient(t)
	loginOK(t, gw, other, "bob")
	otherToken := jarCookie(t, other, gw.URL, "csrf-token")

	client := newClient(t)
	loginOK(t, gw, client, "alice")
	sid := jarCookie(t, client, gw.URL, "session-id")
	token := jarCookie(t, client, gw.URL, "csrf-token")

	tests := []struct {
		name   string
		cookie string
		header string
	}{
		{name: "missing header", cookie: token},
		{name: "malformed header", cookie: token, header: "not-a-token"},
		{name: "truncated header", cookie: token, header: token[:len(token)-2]},
		{name: "other session's token", cookie: token, header: otherToken},
		{name: "missing cookie", header: token},
		{name: "cookie from other session", cookie: otherToken, header: token},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, newClient(t), http.MethodPost, gw.URL+"/logout", func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: "session-id", Value: sid})
				if tt.cookie != "" {
					r.AddCookie(&http.Cookie{Name: "csrf-token", Value: tt.cookie})
				}
				if tt.header != "" {
					r.Header.Set("X-CSRF-Token", tt.header)
				}
			})
			require.Equal(t, http.StatusForbidden, resp.StatusCode)
			var errResp api.ErrorResponse
			decodeBody(t, resp, &errResp)
			assert.Equal(t, "invalid CSRF token", errResp.Error)
		})
	}

	// The session survived every rejected attempt.
	resp := do(t, client, http.MethodGet, gw.URL+"/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = logout(t, gw, client, jarCookie(t, client, gw.URL, "csrf-token"))
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
}

func TestCSRFTokenIsRemaskedPerResponse(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	client := newClient(t)
	loginOK(t, gw, client, "alice")

	first := jarCookie(t, client, gw.URL, "csrf-token")
	do(t, client, http.MethodGet, gw.URL+"/me", nil)
	second := jarCookie(t, client, gw.URL, "csrf-token")
	require.NotEqual(t, first, second)

	a, err := csrf.Unmask(first)
	require.NoError(t, err)
	b, err := csrf.Unmask(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// An older wire token still validates against the current cookie.
	resp := logout(t, gw, client, first)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
}

func TestLogoutWithFormField(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	client := newClient(t)
	loginOK(t, gw, client, "alice")
	token := jarCookie(t, client, gw.URL, "csrf-token")

	form := url.Values{"_csrf": {token}}
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, gw.URL+"/logout", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	// A JSON body never counts as a form.
	client = newClient(t)
	loginOK(t, gw, client, "alice")
	token = jarCookie(t, client, gw.URL, "csrf-token")
	req, err = http.NewRequestWithContext(t.Context(), http.MethodPost, gw.URL+"/logout",
		strings.NewReader(`{"_csrf":"`+token+`"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLoginRotatesPresentedSessionID(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})

	// An attacker plants a session ID it obtained from the gateway.
	attacker := newClient(t)
	do(t, attacker, http.MethodGet, gw.URL+"/login-start", nil)
	planted := jarCookie(t, attacker, gw.URL, "session-id")
	require.NotEmpty(t, planted)

	victim := newClient(t)
	u, err := url.Parse(gw.URL)
	require.NoError(t, err)
	victim.Jar.SetCookies(u, []*http.Cookie{{Name: "session-id", Value: planted, Path: "/"}})

	loginOK(t, gw, victim, "alice")
	assert.NotEqual(t, planted, jarCookie(t, victim, gw.URL, "session-id"))

	// The planted ID grants nothing.
	resp := do(t, attacker, http.MethodGet, gw.URL+"/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSecondLoginEvictsFirst(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	laptop := newClient(t)
	phone := newClient(t)

	loginOK(t, gw, laptop, "alice")
	loginOK(t, gw, phone, "alice")

	resp := do(t, laptop, http.MethodGet, gw.URL+"/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = do(t, phone, http.MethodGet, gw.URL+"/me", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Other subjects are unaffected.
	desk := newClient(t)
	loginOK(t, gw, desk, "bob")
	resp = do(t, phone, http.MethodGet, gw.URL+"/me", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRejectNewPolicy(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{
		managerOpts: []session.ManagerOption{session.WithPolicy(session.RejectNew)},
	})
	first := newClient(t)
	loginOK(t, gw, first, "alice")

	second := newClient(t)
	resp := login(t, gw, second, "alice")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, first, http.MethodGet, gw.URL+"/me", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, second, http.MethodGet, gw.URL+"/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIdleTimeout(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	client := newClient(t)
	loginOK(t, gw, client, "alice")

	gw.clock.Advance(15*time.Minute - time.Second)
	resp := do(t, client, http.MethodGet, gw.URL+"/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "touch resets the idle timer")

	gw.clock.Advance(15*time.Minute - time.Second)
	resp = do(t, client, http.MethodGet, gw.URL+"/me", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	gw.clock.Advance(15 * time.Minute)
	resp = do(t, client, http.MethodGet, gw.URL+"/me", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginCallbackFailures(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})

	t.Run("without login-start", func(t *testing.T) {
		client := newClient(t)
		resp := do(t, client, http.MethodGet, gw.URL+"/login-callback?code=alice&state=made-up", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("wrong state", func(t *testing.T) {
		client := newClient(t)
		resp := do(t, client, http.MethodGet, gw.URL+"/login-start", nil)
		require.Equal(t, http.StatusFound, resp.StatusCode)
		resp = do(t, client, http.MethodGet, gw.URL+"/login-callback?code=alice&state=wrong", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("replayed state", func(t *testing.T) {
		client := newClient(t)
		resp := do(t, client, http.MethodGet, gw.URL+"/login-start", nil)
		loc, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		state := loc.Query().Get("state")

		// Keep the anonymous cookie so the replay presents the same session.
		sid := jarCookie(t, client, gw.URL, "session-id")
		resp = do(t, client, http.MethodGet, gw.URL+"/login-callback?code=alice&state=wrong", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, sid, jarCookie(t, client, gw.URL, "session-id"))

		resp = do(t, client, http.MethodGet, gw.URL+"/login-callback?code=alice&state="+url.QueryEscape(state), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "a failed attempt consumes the state")
	})

	t.Run("expired state", func(t *testing.T) {
		client := newClient(t)
		resp := do(t, client, http.MethodGet, gw.URL+"/login-start", nil)
		loc, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)

		gw.clock.Advance(session.DefaultLoginTTL)
		resp = do(t, client, http.MethodGet, gw.URL+"/login-callback?code=alice&state="+url.QueryEscape(loc.Query().Get("state")), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("provider error", func(t *testing.T) {
		client := newClient(t)
		do(t, client, http.MethodGet, gw.URL+"/login-start", nil)
		resp := do(t, client, http.MethodGet, gw.URL+"/login-callback?error=access_denied&state=x", nil)
		require.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/?login_error=access_denied", resp.Header.Get("Location"))
	})

	t.Run("exchange failure", func(t *testing.T) {
		gw.provider.mu.Lock()
		gw.provider.fail = true
		gw.provider.mu.Unlock()
		t.Cleanup(func() {
			gw.provider.mu.Lock()
			gw.provider.fail = false
			gw.provider.mu.Unlock()
		})

		client := newClient(t)
		resp := login(t, gw, client, "alice")
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		resp = do(t, client, http.MethodGet, gw.URL+"/me", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestStoreUnavailable(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	client := newClient(t)
	loginOK(t, gw, client, "alice")

	gw.store.down.Store(true)
	resp := do(t, client, http.MethodGet, gw.URL+"/me", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var errResp api.ErrorResponse
	decodeBody(t, resp, &errResp)
	assert.Equal(t, "session store unavailable", errResp.Error)

	// Cookieless public routes never touch the store, but starting a login
	// has to write one and fails closed.
	anon := newClient(t)
	resp = do(t, anon, http.MethodGet, gw.URL+"/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, anon, http.MethodGet, gw.URL+"/login-start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	gw.store.down.Store(false)
	resp = do(t, client, http.MethodGet, gw.URL+"/me", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCSRFRejectionAlert(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	client := newClient(t)
	loginOK(t, gw, client, "alice")

	// The default threshold is well above a handful of rejections.
	for range 3 {
		resp := logout(t, gw, client, "")
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
	select {
	case alert := <-gw.alerts:
		t.Fatalf("unexpected alert %s", alert.Type)
	default:
	}
}

func TestSecurityHeadersAndSecureCookies(t *testing.T) {
	t.Run("plain http", func(t *testing.T) {
		gw := setupGateway(t, gatewayConfig{})
		resp := do(t, newClient(t), http.MethodGet, gw.URL+"/", func(r *http.Request) {
			r.Header.Set("X-Forwarded-Proto", "https")
		})
		assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
		assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
		assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "frame-ancestors 'none'")
		assert.Empty(t, resp.Header.Get("Strict-Transport-Security"), "untrusted peer cannot claim https")
		for _, c := range resp.Cookies() {
			assert.False(t, c.Secure, c.Name)
			assert.Equal(t, http.SameSiteLaxMode, c.SameSite, c.Name)
		}
	})

	t.Run("trusted proxy", func(t *testing.T) {
		gw := setupGateway(t, gatewayConfig{
			apiOpts: []api.Option{api.WithTrustedProxies([]netip.Prefix{
				netip.MustParsePrefix("127.0.0.0/8"),
				netip.MustParsePrefix("::1/128"),
			})},
		})
		resp := do(t, newClient(t), http.MethodGet, gw.URL+"/login-start", func(r *http.Request) {
			r.Header.Set("X-Forwarded-Proto", "https")
		})
		assert.Contains(t, resp.Header.Get("Strict-Transport-Security"), "max-age=31536000")

		sid := responseCookies(resp, "session-id")
		require.Len(t, sid, 1)
		assert.True(t, sid[0].Secure)
		assert.True(t, sid[0].HttpOnly)

		token := responseCookies(resp, "csrf-token")
		require.Len(t, token, 1)
		assert.True(t, token[0].Secure)
		assert.False(t, token[0].HttpOnly)
	})

	t.Run("forced secure cookies", func(t *testing.T) {
		gw := setupGateway(t, gatewayConfig{apiOpts: []api.Option{api.WithSecureCookies(true)}})
		resp := do(t, newClient(t), http.MethodGet, gw.URL+"/login-start", nil)
		require.NotEmpty(t, responseCookies(resp, "session-id"))
		for _, c := range resp.Cookies() {
			assert.True(t, c.Secure, c.Name)
		}
	})
}

func TestCORS(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{
		apiOpts: []api.Option{api.WithAllowedOrigins([]string{"https://app.example.com"})},
	})

	preflight := func(origin string) *http.Response {
		return do(t, newClient(t), http.MethodOptions, gw.URL+"/logout", func(r *http.Request) {
			r.Header.Set("Origin", origin)
			r.Header.Set("Access-Control-Request-Method", http.MethodPost)
			r.Header.Set("Access-Control-Request-Headers", "X-CSRF-Token")
		})
	}

	resp := preflight("https://app.example.com")
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))

	resp = preflight("https://evil.example.com")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSDisabledByDefault(t *testing.T) {
	gw := setupGateway(t, gatewayConfig{})
	resp := do(t, newClient(t), http.MethodGet, gw.URL+"/", func(r *http.Request) {
		r.Header.Set("Origin", "https://app.example.com")
	})
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPrincipalFromContextAnonymous(t *testing.T) {
	assert.Nil(t, api.PrincipalFromContext(context.Background()))
}
