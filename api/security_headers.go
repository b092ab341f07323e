package api

import (
	"net/http"
	"net/netip"
	"strings"
)

const (
	defaultCSP = "default-src 'self'; frame-ancestors 'none'"
	// The Swagger UI page pulls its bundle from unpkg and boots inline.
	docsCSP = "default-src 'self'; script-src 'self' 'unsafe-inline' https://unpkg.com; " +
		"style-src 'self' 'unsafe-inline' https://unpkg.com; img-src 'self' data:; frame-ancestors 'none'"
)

// SecurityHeaders returns middleware that sets standard security response
// headers on every response. HSTS is only sent on requests known to be
// secure; trustedProxies decides whether forwarded scheme headers count.
func SecurityHeaders(trustedProxies []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			if r.URL.Path == "/docs" || strings.HasPrefix(r.URL.Path, "/docs/") {
				h.Set("Content-Security-Policy", docsCSP)
			} else {
				h.Set("Content-Security-Policy", defaultCSP)
			}
			h.Set("Cache-Control", "no-store")

			if requestIsSecure(r, trustedProxies) {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
