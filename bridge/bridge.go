// Package bridge keeps a webmail session alive alongside a host login
// session: it logs in with stored credentials, revalidates the session on
// each visit, and tears it down on logout.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmcleod/mailbridge/redirect"
	"github.com/jmcleod/mailbridge/session"
	"github.com/jmcleod/mailbridge/webmail"
)

var (
	// ErrLoginFailed wraps the last cause of a failed Login.
	ErrLoginFailed = errors.New("unable to log in to webmail")
	// ErrNotLoggedIn is reported when no valid webmail session exists.
	ErrNotLoggedIn = errors.New("not logged in to webmail")

	errSessionRejected = errors.New("webmail session rejected")
)

// Target locates the webmail install as the browser sees it.
type Target struct {
	Host   string
	Port   string
	Path   string
	Secure bool
}

// RedirectURL is the protocol-relative address handed to the browser.
func (t Target) RedirectURL() string {
	return redirect.RedirectPath(t.Host, t.Port, t.Path)
}

// Settings are the operator's webmail options.
type Settings struct {
	// AutoLogin means credentials are supplied automatically, so a
	// rejection points at stale stored credentials.
	AutoLogin bool
	// InternalAddress, when set, is the URL the server uses to reach the
	// install instead of the public one.
	InternalAddress  string
	RemoveHeaderNav  bool
	RemoveControlNav bool
}

// SettingsProvider supplies the current Settings. It is consulted on every
// operation so configuration changes apply without a restart.
type SettingsProvider interface {
	WebmailSettings() Settings
}

// StaticSettings is a SettingsProvider that never changes.
type StaticSettings Settings

func (s StaticSettings) WebmailSettings() Settings { return Settings(s) }

// Bridge drives the webmail session lifecycle. All per-user state lives in
// the host session store passed to each call.
type Bridge struct {
	clients       webmail.Factory
	settings      SettingsProvider
	loginPolicy   Policy
	refreshPolicy Policy
	logger        *slog.Logger
}

// New returns a Bridge creating clients with factory.
func New(factory webmail.Factory, settings SettingsProvider, opts ...Option) *Bridge {
	b := &Bridge{
		clients:       factory,
		settings:      settings,
		loginPolicy:   DefaultPolicy,
		refreshPolicy: DefaultPolicy,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Settings returns the current operator settings.
func (b *Bridge) Settings() Settings {
	return b.settings.WebmailSettings()
}

// Endpoint returns the address the server uses to reach the install.
func (b *Bridge) Endpoint(t Target) string {
	return redirect.EndpointURL(t.Host, t.Port, t.Path, t.Secure, b.Settings().InternalAddress)
}

// State derives the resting state from the session keys.
func (b *Bridge) State(ctx context.Context, sess session.Store) State {
	if _, _, ok := session.WebmailTokens(ctx, sess); ok {
		return LoggedIn
	}
	return NoSession
}

// Login submits credentials to the webmail service and stores the issued
// session. A failure is retried per the login policy; the returned error
// wraps ErrLoginFailed and the last cause.
func (b *Bridge) Login(ctx context.Context, sess session.Store, t Target, user, password string) (webmail.Session, error) {
	endpoint := b.Endpoint(t)
	log := b.logger.With("endpoint", endpoint, "mail_user", user)
	b.transition(log, b.State(ctx, sess), LoggingIn)

	client := b.clients(endpoint)
	var ws webmail.Session
	err := b.loginPolicy.do(ctx, func(ctx context.Context, attempt int) error {
		s, err := client.Login(ctx, user, password)
		if err != nil {
			log.Debug("webmail login attempt failed", "attempt", attempt, "error", err)
			return err
		}
		ws = s
		return nil
	})
	if err != nil {
		session.ClearWebmail(ctx, sess)
		b.transition(log, LoggingIn, NoSession)
		log.Error("webmail login failed", "error", err)
		return webmail.Session{}, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}

	sess.Set(ctx, session.KeySessionID, ws.ID)
	sess.Set(ctx, session.KeySessionAuth, ws.Auth)
	sess.Set(ctx, session.KeyMailUser, user)
	b.transition(log, LoggingIn, LoggedIn)
	return ws, nil
}

// Refresh checks that the stored webmail session is still authenticated
// and stores the possibly rotated auth token. It reports false without an
// error when there is no session or the service no longer accepts it, and
// false with the cause when the service could not be asked. Refresh never
// logs in; on false the stored tokens are reset.
func (b *Bridge) Refresh(ctx context.Context, sess session.Store, t Target) (bool, error) {
	id, auth, ok := session.WebmailTokens(ctx, sess)
	if !ok {
		return false, nil
	}

	endpoint := b.Endpoint(t)
	log := b.logger.With("endpoint", endpoint)
	b.transition(log, LoggedIn, Refreshing)

	client := b.clients(endpoint)
	var current string
	err := b.refreshPolicy.do(ctx, func(ctx context.Context, attempt int) error {
		valid, rotated, err := client.Validate(ctx, webmail.Session{ID: id, Auth: auth})
		if err != nil {
			log.Debug("webmail session check failed", "attempt", attempt, "error", err)
			return err
		}
		if !valid {
			log.Debug("webmail session not authenticated", "attempt", attempt)
			return errSessionRejected
		}
		current = rotated
		return nil
	})

	switch {
	case err == nil:
		if current != "" && current != auth {
			sess.Set(ctx, session.KeySessionAuth, current)
		}
		b.transition(log, Refreshing, LoggedIn)
		return true, nil
	case errors.Is(err, errSessionRejected):
		session.ClearWebmail(ctx, sess)
		b.transition(log, Refreshing, NoSession)
		return false, nil
	default:
		session.ClearWebmail(ctx, sess)
		b.transition(log, Refreshing, NoSession)
		log.Error("webmail session check failed", "error", err)
		return false, err
	}
}

// Logout ends the webmail session. The stored tokens are reset whether or
// not the service could be reached.
func (b *Bridge) Logout(ctx context.Context, sess session.Store, t Target) {
	id, auth, ok := session.WebmailTokens(ctx, sess)
	if ok {
		endpoint := b.Endpoint(t)
		log := b.logger.With("endpoint", endpoint)
		b.transition(log, LoggedIn, LoggingOut)
		if err := b.clients(endpoint).Logout(ctx, webmail.Session{ID: id, Auth: auth}); err != nil {
			log.Warn("webmail logout failed", "error", err)
		}
		b.transition(log, LoggingOut, NoSession)
	}
	session.ClearWebmail(ctx, sess)
}

// EstablishMailView refreshes the webmail session and describes the page to
// show. A session that cannot be refreshed produces an error view; logging
// in again is the caller's job (see Service.Open).
func (b *Bridge) EstablishMailView(ctx context.Context, sess session.Store, t Target) View {
	ok, err := b.Refresh(ctx, sess, t)
	if err == nil && !ok {
		err = ErrNotLoggedIn
	}
	if err != nil {
		return b.errorView(err)
	}
	return b.view(ctx, sess, t)
}

func (b *Bridge) transition(log *slog.Logger, from, to State) {
	log.Debug("webmail session state", "from", from.String(), "to", to.String())
}
