package api

import (
	"mime"
	"net/http"
	"strconv"
	"strings"
)

// RouteClass is the static authorization class of a route.
type RouteClass int

const (
	// Protected routes require an authenticated session.
	Protected RouteClass = iota
	// Public routes are served to anonymous callers.
	Public
)

func (c RouteClass) String() string {
	if c == Public {
		return "public"
	}
	return "protected"
}

// publicRoutes lists every route anonymous callers may reach, keyed by
// method and path. Anything not listed is Protected.
var publicRoutes = map[string]bool{
	"GET /":               true,
	"GET /health":         true,
	"GET /login-start":    true,
	"GET /login-callback": true,
	"GET /openapi.yaml":   true,
}

// classify returns the route class for r.
func classify(r *http.Request) RouteClass {
	method := r.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}
	path := r.URL.Path
	if publicRoutes[method+" "+path] {
		return Public
	}
	if method == http.MethodGet && (path == "/docs" || strings.HasPrefix(path, "/docs/")) {
		return Public
	}
	return Protected
}

// Authorize rejects anonymous callers on protected routes before any CSRF
// check runs. Browser navigations are redirected to the login entry point;
// everything else gets a 401.
func (a *API) Authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if classify(r) == Public {
			next.ServeHTTP(w, r)
			return
		}
		if sess := sessionFromContext(r.Context()); sess != nil && sess.Authenticated() {
			next.ServeHTTP(w, r)
			return
		}
		if isSafeMethod(r.Method) && prefersHTML(r) {
			http.Redirect(w, r, "/login-start", http.StatusFound)
			return
		}
		writeError(w, http.StatusUnauthorized, "Not authenticated")
	})
}

// prefersHTML reports whether the Accept header ranks text/html above
// application/json. Ties go to JSON.
func prefersHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return false
	}
	var htmlQ, jsonQ float64
	for _, part := range strings.Split(accept, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		q := 1.0
		if v, ok := params["q"]; ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				q = parsed
			}
		}
		switch mediaType {
		case "text/html", "application/xhtml+xml":
			htmlQ = max(htmlQ, q)
		case "application/json":
			jsonQ = max(jsonQ, q)
		}
	}
	return htmlQ > jsonQ
}
