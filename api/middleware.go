package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jmcleod/mailbridge/internal/uuid"
	"github.com/jmcleod/mailbridge/session"
)

type contextKey int

const (
	hostSessionKey contextKey = iota
	requestIDKey
)

const (
	sessionCookieName = "mailbridge_session"
	requestIDHeader   = "X-Request-ID"

	// keyUserID holds the host user id inside the host session.
	keyUserID = "host_user_id"
)

// hostSession is the authenticated host session of a request.
type hostSession struct {
	token  string
	userID string
	store  session.Store
}

// AuthMiddleware resolves the session cookie to a host session and stores
// it on the request context.
func (a *API) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hs, ok := a.sessionFromRequest(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), hostSessionKey, hs)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) sessionFromRequest(r *http.Request) (*hostSession, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	store, ok := a.sessions.Open(r.Context(), cookie.Value)
	if !ok {
		return nil, false
	}
	userID, ok := store.Get(r.Context(), keyUserID)
	if !ok || userID == "" {
		return nil, false
	}
	return &hostSession{token: cookie.Value, userID: userID, store: store}, true
}

func hostSessionFromContext(ctx context.Context) *hostSession {
	hs, _ := ctx.Value(hostSessionKey).(*hostSession)
	return hs
}

// RequestID tags each request with an id, reusing a well-formed incoming
// X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if !uuid.Valid(id) {
			id = uuid.New()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func writeSessionCookie(w http.ResponseWriter, secure bool, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func clearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}
