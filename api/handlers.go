package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/mailbridge/bridge"
	"github.com/jmcleod/mailbridge/vault"
)

// Login handles POST /session: it unlocks the user's existing key pair with
// the passphrase, starts a host session and logs in to webmail when a
// credential is stored. A webmail failure does not fail the host login; it
// is reported in the response.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	if req.UserID == "" || req.Passphrase == "" {
		writeError(w, http.StatusBadRequest, "user_id and passphrase are required")
		return
	}

	clientIP := a.extractClientIP(r)
	if a.rateLimited(w, r, req.UserID, clientIP) {
		return
	}

	ctx := r.Context()
	// Key pairs are provisioned by the host, never by a browser login.
	provisioned, err := a.service.Vault().HasKeyPair(ctx, req.UserID)
	if err != nil {
		mapError(w, err)
		return
	}
	if !provisioned {
		a.recordLoginFailure(req.UserID, clientIP)
		a.audit.logFailure(AuditLoginFailure, r, req.UserID, "no provisioned key pair")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, store, err := a.sessions.Create(ctx)
	if err != nil {
		writeInternalError(w, "failed to create session", err)
		return
	}

	status := WebmailStatus{}
	err = a.service.HostLogin(ctx, store, req.UserID, req.Passphrase, a.targetFor(r))
	switch {
	case err == nil:
	case !errors.Is(err, bridge.ErrUnlock):
		status.ErrorCode = bridge.Classify(err, a.service.Bridge().Settings().AutoLogin)
		a.audit.logFailure(AuditWebmailLoginFailed, r, req.UserID, "webmail login at host login",
			slog.String("code", string(status.ErrorCode)))
	default:
		a.sessions.Destroy(ctx, token)
		if errors.Is(err, vault.ErrWrongPassphrase) {
			a.recordLoginFailure(req.UserID, clientIP)
			a.audit.logFailure(AuditLoginFailure, r, req.UserID, "wrong passphrase")
		}
		mapError(w, err)
		return
	}

	a.userLimiter.recordSuccess(req.UserID)
	a.ipLimiter.recordSuccess(clientIP)

	store.Set(ctx, keyUserID, req.UserID)
	status.LoggedIn = a.service.Bridge().State(ctx, store) == bridge.LoggedIn
	if status.LoggedIn {
		a.audit.log(AuditWebmailLogin, r, req.UserID)
	}

	secure := a.isSecure(r)
	writeSessionCookie(w, secure, token, time.Now().Add(a.sessionTTL))
	issueCSRFToken(ctx, w, store, secure)
	a.audit.log(AuditLoginSuccess, r, req.UserID)
	writeJSON(w, http.StatusOK, LoginResponse{UserID: req.UserID, Webmail: status})
}

// Logout handles DELETE /session. It always clears the cookies, even when
// the session is already gone.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	var userID string
	if hs, ok := a.sessionFromRequest(r); ok {
		userID = hs.userID
		a.service.HostLogout(r.Context(), hs.store, a.targetFor(r))
		a.sessions.Destroy(r.Context(), hs.token)
	}
	secure := a.isSecure(r)
	clearSessionCookie(w, secure)
	clearCSRFCookie(w, secure)
	a.audit.log(AuditLogout, r, userID)
	writeJSON(w, http.StatusOK, struct{}{})
}

// SaveCredentials handles PUT /credentials.
func (a *API) SaveCredentials(w http.ResponseWriter, r *http.Request) {
	hs := hostSessionFromContext(r.Context())
	req, ok := decodeJSON[SaveCredentialsRequest](w, r, maxBodySize)
	if !ok {
		return
	}

	clientIP := a.extractClientIP(r)
	if req.Passphrase != "" && a.rateLimited(w, r, hs.userID, clientIP) {
		return
	}

	resp := SaveCredentialsResponse{Saved: true}
	err := a.service.SaveSettings(r.Context(), hs.store, hs.userID, req.Passphrase, req.MailUser, req.MailPassword, a.targetFor(r))
	switch {
	case err == nil:
		resp.Webmail.LoggedIn = true
		a.audit.log(AuditWebmailLogin, r, hs.userID)
	case errors.Is(err, bridge.ErrLoginFailed):
		resp.Webmail.ErrorCode = bridge.Classify(err, a.service.Bridge().Settings().AutoLogin)
		a.audit.logFailure(AuditWebmailLoginFailed, r, hs.userID, "webmail login after saving credentials",
			slog.String("code", string(resp.Webmail.ErrorCode)))
	default:
		if errors.Is(err, vault.ErrWrongPassphrase) {
			a.recordLoginFailure(hs.userID, clientIP)
			a.audit.logFailure(AuditLoginFailure, r, hs.userID, "wrong passphrase saving credentials")
		}
		mapError(w, err)
		return
	}

	a.audit.log(AuditCredentialsSaved, r, hs.userID, slog.String("mail_user", req.MailUser))
	writeJSON(w, http.StatusOK, resp)
}

// GetMail handles GET /mail.
func (a *API) GetMail(w http.ResponseWriter, r *http.Request) {
	hs := hostSessionFromContext(r.Context())
	view := a.service.Open(r.Context(), hs.store, hs.userID, a.targetFor(r))
	if view.ErrorOccurred {
		a.audit.logFailure(AuditMailViewError, r, hs.userID, "mail view unavailable",
			slog.String("code", string(view.ErrorCode)))
	}
	writeJSON(w, http.StatusOK, view)
}

// RefreshMail handles POST /mail/refresh. It never logs in.
func (a *API) RefreshMail(w http.ResponseWriter, r *http.Request) {
	hs := hostSessionFromContext(r.Context())
	ok, err := a.service.Bridge().Refresh(r.Context(), hs.store, a.targetFor(r))
	writeJSON(w, http.StatusOK, RefreshResponse{
		LoggedIn:  ok,
		ErrorCode: bridge.Classify(err, a.service.Bridge().Settings().AutoLogin),
	})
}

// rateLimited answers 429 and returns true when the global, IP or user
// limiter blocks the request.
func (a *API) rateLimited(w http.ResponseWriter, r *http.Request, userID, clientIP string) bool {
	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, userID, "global rate limited")
		writeRateLimited(w, retryAfter)
		return true
	}
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, userID, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return true
	}
	if blocked, retryAfter := a.userLimiter.check(userID); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, userID, "user rate limited")
		writeRateLimited(w, retryAfter)
		return true
	}
	return false
}

func (a *API) recordLoginFailure(userID, clientIP string) {
	a.globalLimiter.recordFailure()
	a.ipLimiter.recordFailure(clientIP)
	a.userLimiter.recordFailure(userID)
}
