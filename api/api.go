// Package api is the HTTP face of the gateway: the CSRF guard, request
// authentication, the route gate and the login/logout handlers.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/gatehouse/oauth"
	"github.com/jmcleod/gatehouse/session"
)

// DefaultLandingPath is where a completed login is redirected.
const DefaultLandingPath = "/dashboard"

// API holds the dependencies needed by the gate and its handlers.
type API struct {
	sessions *session.Manager
	provider oauth.Provider

	logger         *slog.Logger
	security       *securityLog
	alertFn        AlertFunc
	trustedProxies []netip.Prefix
	allowedOrigins []string
	secureCookies  bool
	landingPath    string
	version        string
}

//go:embed openapi.yaml
var openapiDoc []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and security events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAlertFunc registers a callback for anomaly alerts such as a spike in
// CSRF rejections.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithTrustedProxies sets the CIDR ranges whose forwarding headers are
// honored for client IP and scheme detection.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithAllowedOrigins enables credentialed CORS for the given origins.
func WithAllowedOrigins(origins []string) Option {
	return func(a *API) {
		a.allowedOrigins = origins
	}
}

// WithSecureCookies forces the Secure attribute on every cookie.
func WithSecureCookies(secure bool) Option {
	return func(a *API) {
		a.secureCookies = secure
	}
}

// WithLandingPath sets the redirect target after login.
func WithLandingPath(path string) Option {
	return func(a *API) {
		if path != "" {
			a.landingPath = path
		}
	}
}

// WithVersion sets the version reported by the home endpoint.
func WithVersion(v string) Option {
	return func(a *API) {
		a.version = v
	}
}

// New creates a new API instance.
func New(sessions *session.Manager, provider oauth.Provider, opts ...Option) *API {
	a := &API{
		sessions:    sessions,
		provider:    provider,
		landingPath: DefaultLandingPath,
		version:     "dev",
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.security = newSecurityLog(a.logger, newMetricsCollector(a.alertFn), a.trustedProxies)
	return a
}

// Router returns the gateway router. The middleware order is fixed: the
// CSRF cookie is attached by Authenticate before any handler can write the
// response, and authorization always precedes CSRF validation.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(a.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.GetHead)
	r.Use(SecurityHeaders(a.trustedProxies))
	r.Use(a.corsMiddleware())
	r.Use(a.Authenticate)
	r.Use(a.Authorize)
	r.Use(a.CSRFMiddleware)

	r.Get("/", a.Home)
	r.Get("/health", a.Health)
	r.Get("/login-start", a.LoginStart)
	r.Get("/login-callback", a.LoginCallback)
	r.Get("/me", a.Me)
	r.Post("/logout", a.Logout)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiDoc)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	return r
}
