package api

import (
	"net/http"

	"github.com/rs/cors"
)

// corsMiddleware allows credentialed cross-origin calls from the configured
// origins only. With no origins configured it is a pass-through, so the
// browser's same-origin policy applies unchanged.
func (a *API) corsMiddleware() func(http.Handler) http.Handler {
	if len(a.allowedOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   a.allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", csrfHeaderName},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c.Handler
}
