package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/jmcleod/mailbridge/internal/uuid"
	"github.com/jmcleod/mailbridge/session"
)

const (
	csrfCookieName = "mailbridge_csrf"
	csrfHeaderName = "X-CSRF-Token"
	keyCSRFToken   = "csrf_token"
)

// CSRFMiddleware guards mutating requests made with a live host session.
// The X-CSRF-Token header must equal both the cookie the UI echoes and the
// token recorded in the session at login; a planted cookie alone is not
// enough. Safe methods, and session cookies that resolve to no session, pass
// through to the handler.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		hs, ok := a.sessionFromRequest(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if msg := checkCSRF(r, hs.store); msg != "" {
			a.audit.logFailure(AuditCSRFRejected, r, hs.userID, msg)
			writeError(w, http.StatusForbidden, msg)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkCSRF returns the rejection message, or "" when r carries the
// session's token in both the header and the cookie.
func checkCSRF(r *http.Request, store session.Store) string {
	header := r.Header.Get(csrfHeaderName)
	if header == "" {
		return "missing CSRF token"
	}
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || !tokensEqual(cookie.Value, header) {
		return "invalid CSRF token"
	}
	want, _ := store.Get(r.Context(), keyCSRFToken)
	if !tokensEqual(want, header) {
		return "invalid CSRF token"
	}
	return ""
}

func tokensEqual(a, b string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// issueCSRFToken records a fresh token in the session and hands it to the
// UI in a script-readable cookie.
func issueCSRFToken(ctx context.Context, w http.ResponseWriter, store session.Store, secure bool) {
	token := uuid.New()
	store.Set(ctx, keyCSRFToken, token)
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearCSRFCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Path:     "/",
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
