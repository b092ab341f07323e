package api

import (
	"crypto/subtle"
	"mime"
	"net/http"
	"time"

	"github.com/jmcleod/gatehouse/csrf"
	"github.com/jmcleod/gatehouse/session"
)

const (
	csrfCookieName = "csrf-token"
	csrfHeaderName = "X-CSRF-Token"
	csrfFormField  = "_csrf"

	// maxFormBytes bounds the body read when looking for the form field.
	maxFormBytes = 1 << 20
)

// CSRF rejection reasons, as logged.
const (
	reasonMissingCookie  = "missing_cookie"
	reasonMissingToken   = "missing_token"
	reasonMalformedToken = "malformed_token"
	reasonMismatch       = "mismatch"
)

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// CSRFMiddleware enforces the double-submit check on unsafe methods. Both
// the csrf-token cookie and the submitted token (X-CSRF-Token header, or
// the _csrf form field when the header is absent) must decode to the
// session's secret.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		var reason string
		if sess := sessionFromContext(r.Context()); sess == nil {
			reason = reasonMissingCookie
		} else {
			reason = validateCSRF(w, r, sess.CSRFSecret)
		}
		if reason != "" {
			a.security.failure(EventCSRFRejected, r, reason)
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// validateCSRF returns the rejection reason, or "" when the request
// carries matching tokens.
func validateCSRF(w http.ResponseWriter, r *http.Request, secret []byte) string {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return reasonMissingCookie
	}
	if reason := checkToken(cookie.Value, secret); reason != "" {
		return reason
	}

	submitted := r.Header.Get(csrfHeaderName)
	if submitted == "" {
		submitted = formToken(w, r)
	}
	if submitted == "" {
		return reasonMissingToken
	}
	return checkToken(submitted, secret)
}

func checkToken(token string, secret []byte) string {
	got, err := csrf.Unmask(token)
	if err != nil {
		return reasonMalformedToken
	}
	if subtle.ConstantTimeCompare(got, secret) != 1 {
		return reasonMismatch
	}
	return ""
}

// formToken reads the _csrf field from urlencoded or multipart bodies.
// Other content types never carry the token in the body.
func formToken(w http.ResponseWriter, r *http.Request) string {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
	default:
		return ""
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	}
	return r.PostFormValue(csrfFormField)
}

// requestCSRFSecret recovers the secret behind the caller's csrf-token
// cookie, or nil when there is none or it does not decode.
func requestCSRFSecret(r *http.Request) []byte {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil {
		return nil
	}
	secret, err := csrf.Unmask(cookie.Value)
	if err != nil {
		return nil
	}
	return secret
}

// attachToken sets a freshly masked csrf-token cookie for the session. The
// cookie is script-readable; clients echo its value in X-CSRF-Token.
func (a *API) attachToken(w http.ResponseWriter, r *http.Request, sess *session.Session) error {
	token, err := csrf.Mask(sess.CSRFSecret)
	if err != nil {
		return err
	}
	setCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   a.cookieSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// clearCSRFCookie removes the CSRF cookie on logout.
func (a *API) clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	setCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   a.cookieSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
