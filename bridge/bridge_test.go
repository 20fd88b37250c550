package bridge

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/mailbridge/session"
	"github.com/jmcleod/mailbridge/vault"
	"github.com/jmcleod/mailbridge/webmail"
	"github.com/jmcleod/mailbridge/webmail/webmailtest"
)

var fastPolicy = Policy{MaxAttempts: 2, Delay: time.Millisecond}

// countingClient records how often each call reaches the wrapped client.
type countingClient struct {
	webmail.Client
	logins, validates, logouts atomic.Int64
}

func (c *countingClient) Login(ctx context.Context, user, password string) (webmail.Session, error) {
	c.logins.Add(1)
	return c.Client.Login(ctx, user, password)
}

func (c *countingClient) Validate(ctx context.Context, s webmail.Session) (bool, string, error) {
	c.validates.Add(1)
	return c.Client.Validate(ctx, s)
}

func (c *countingClient) Logout(ctx context.Context, s webmail.Session) error {
	c.logouts.Add(1)
	return c.Client.Logout(ctx, s)
}

func countingFactory() (webmail.Factory, *countingClient, *string) {
	counter := &countingClient{}
	var last string
	inner := webmail.RoundcubeFactory(webmail.WithTimeout(2 * time.Second))
	return func(endpoint string) webmail.Client {
		last = endpoint
		counter.Client = inner(endpoint)
		return counter
	}, counter, &last
}

func targetFor(t *testing.T, srv *webmailtest.Server) Target {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return Target{Host: u.Hostname(), Port: u.Port(), Path: "/roundcube/"}
}

func closedTarget(t *testing.T) Target {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())
	_, port, _ := net.SplitHostPort(addr.String())
	return Target{Host: "127.0.0.1", Port: port, Path: "roundcube"}
}

func newTestBridge(factory webmail.Factory, settings Settings) *Bridge {
	return New(factory, StaticSettings(settings),
		WithLoginPolicy(fastPolicy), WithRefreshPolicy(fastPolicy))
}

func TestLoginStoresSession(t *testing.T) {
	ctx := context.Background()
	srv := webmailtest.NewServer(t, map[string]string{"alice": "pw1"})
	factory, _, endpoint := countingFactory()
	b := newTestBridge(factory, Settings{})
	sess := session.NewMemoryStore()
	target := targetFor(t, srv)

	ws, err := b.Login(ctx, sess, target, "alice", "pw1")
	require.NoError(t, err)
	assert.NotEmpty(t, ws.ID)
	assert.NotEmpty(t, ws.Auth)
	assert.Equal(t, srv.URL+"/roundcube", *endpoint)

	id, auth, ok := session.WebmailTokens(ctx, sess)
	require.True(t, ok)
	assert.Equal(t, ws.ID, id)
	assert.Equal(t, ws.Auth, auth)
	user, _ := sess.Get(ctx, session.KeyMailUser)
	assert.Equal(t, "alice", user)
	assert.Equal(t, LoggedIn, b.State(ctx, sess))
}

func TestLoginUsesInternalAddress(t *testing.T) {
	srv := webmailtest.NewServer(t, map[string]string{"alice": "pw1"})
	factory, _, endpoint := countingFactory()
	b := newTestBridge(factory, Settings{InternalAddress: srv.Endpoint()})

	target := Target{Host: "mail.example.invalid", Path: "rc", Secure: true}
	_, err := b.Login(context.Background(), session.NewMemoryStore(), target, "alice", "pw1")
	require.NoError(t, err)
	assert.Equal(t, srv.Endpoint(), *endpoint)
}

func TestLoginRetriesOnceAfterTransientFailure(t *testing.T) {
	srv := webmailtest.NewServer(t, map[string]string{"alice": "pw1"})
	factory, counter, _ := countingFactory()
	b := newTestBridge(factory, Settings{})

	srv.FailNext(1)
	_, err := b.Login(context.Background(), session.NewMemoryStore(), targetFor(t, srv), "alice", "pw1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counter.logins.Load())
}

func TestLoginUnreachableRetriesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	factory, counter, _ := countingFactory()
	b := newTestBridge(factory, Settings{})
	sess := session.NewMemoryStore()

	_, err := b.Login(ctx, sess, closedTarget(t), "alice", "pw1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.ErrorIs(t, err, webmail.ErrNetwork)
	assert.Equal(t, int64(2), counter.logins.Load())
	assert.Equal(t, CodeNetwork, Classify(err, false))

	id, _ := sess.Get(ctx, session.KeySessionID)
	assert.Equal(t, session.Invalid, id)
}

func TestLoginRejected(t *testing.T) {
	srv := webmailtest.NewServer(t, map[string]string{"alice": "pw1"})
	factory, _, _ := countingFactory()
	b := newTestBridge(factory, Settings{})

	_, err := b.Login(context.Background(), session.NewMemoryStore(), targetFor(t, srv), "alice", "wrong")
	assert.ErrorIs(t, err, webmail.ErrLoginRejected)
	assert.Equal(t, 2, srv.LoginAttempts())
}

func TestLoginInstallNotFound(t *testing.T) {
	srv := webmailtest.NewServer(t, map[string]string{"alice": "pw1"})
	factory, _, _ := countingFactory()
	b := newTestBridge(factory, Settings{})

	target := targetFor(t, srv)
	target.Path = "nothing-here"
	_, err := b.Login(context.Background(), session.NewMemoryStore(), target, "alice", "pw1")
	assert.ErrorIs(t, err, webmail.ErrInstallNotFound)
	assert.Equal(t, CodeNotFound, Classify(err, true))
}

func TestRefreshWithoutSession(t *testing.T) {
	factory, counter, _ := countingFactory()
	b := newTestBridge(factory, Settings{})

	ok, err := b.Refresh(context.Background(), session.NewMemoryStore(), closedTarget(t))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, counter.validates.Load())

	sess := session.NewMemoryStore()
	session.ClearWebmail(context.Background(), sess)
	ok, err = b.Refresh(context.Background(), sess, closedTarget(t))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, counter.validates.Load())
}

func TestRefreshStoresRotatedAuth(t *testing.T) {
	ctx := context.Background()
	srv := webmailtest.NewServer(t, map[string]string{"alice": "pw1"})
	factory, _, _ := countingFactory()
	b := newTestBridge(factory, Settings{})
	sess := session.NewMemoryStore()
	target := targetFor(t, srv)

	ws, err := b.Login(ctx, sess, target, "alice", "pw1")
	require.NoError(t, err)

	srv.RotateAuth(true)
	ok, err := b.Refresh(ctx, sess, target)
	require.NoError(t, err)
	assert.True(t, ok)

	_, auth, valid := session.WebmailTokens(ctx, sess)
	require.True(t, valid)
	assert.NotEqual(t, ws.Auth, auth)

	ok, err = b.Refresh(ctx, sess, target)
	require.NoError(t, err)
	assert.True(t, ok, "rotated auth must be accepted on the next check")
}

func TestRefreshInvalidatedSession(t *testing.T) {
	ctx := context.Background()
	srv := webmailtest.NewServer(t, map[string]string{"alice": "pw1"})
	factory, counter, _ := countingFactory()
	b := newTestBridge(factory, Settings{})
	sess := session.NewMemoryStore()
	target := targetFor(t, srv)

	_, err := b.Login(ctx, sess, target, "alice", "pw1")
	require.NoError(t, err)
	srv.InvalidateSessions()

	ok, err := b.Refresh(ctx, sess, target)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(2), counter.validates.Load())
	assert.Equal(t, NoSession, b.State(ctx, sess))
	assert.Equal(t, int64(1), counter.logins.Load(), "refresh must not log in")
}

func TestRefreshRecoversFromOneFailure(t *testing.T) {
	ctx := context.Background()
	srv := webmailtest.NewServer(t, map[string]string{"alice": "pw1"})
	factory, _, _ := countingFactory()
	b := newTestBridge(factory, Settings{})
	sess := session.NewMemoryStore()
	target := targetFor(t, srv)

	_, err := b.Login(ctx, sess, target, "alice", "pw1")
	require.NoError(t, err)

	srv.FailNext(1)
	ok, err := b.Refresh(ctx, sess, target)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRefreshNetworkFailure(t *testing.T) {
	ctx := context.Background()
	srv := webmailtest.NewServer(t, map[string]string{"alice": "pw1"})
	factory, _, _ := countingFactory()
	b := newTestBridge(factory, Settings{})
	sess := session.NewMemoryStore()
	target := targetFor(t, srv)

	_, err := b.Login(ctx, sess, target, "alice", "pw1")
	require.NoError(t, err)

	srv.FailNext(2)
	ok, err := b.Refresh(ctx, sess, target)
	assert.False(t, ok)
	assert.ErrorIs(t, err, webmail.ErrNetwork)
	assert.Equal(t, NoSession, b.State(ctx, sess))
}

func TestLogoutAlwaysClearsSession(t *testing.T) {
	ctx := context.Background()
	factory, counter, _ := countingFactory()
	b := newTestBridge(factory, Settings{})

	sess := session.NewMemoryStore()
	sess.Set(ctx, session.KeySessionID, "sid")
	sess.Set(ctx, session.KeySessionAuth, "auth")

	b.Logout(ctx, sess, closedTarget(t))
	assert.Equal(t, int64(1), counter.logouts.Load())

	id, _ := sess.Get(ctx, session.KeySessionID)
	auth, _ := sess.Get(ctx, session.KeySessionAuth)
	assert.Equal(t, session.Invalid, id)
	assert.Equal(t, session.Invalid, auth)
}

func TestLogoutEndsRemoteSession(t *testing.T) {
	ctx := context.Background()
	srv := webmailtest.NewServer(t, map[string]string{"alice": "pw1"})
	factory, _, _ := countingFactory()
	b := newTestBridge(factory, Settings{})
	sess := session.NewMemoryStore()
	target := targetFor(t, srv)

	_, err := b.Login(ctx, sess, target, "alice", "pw1")
	require.NoError(t, err)
	require.Equal(t, 1, srv.ActiveSessions())

	b.Logout(ctx, sess, target)
	assert.Equal(t, 0, srv.ActiveSessions())
	assert.Equal(t, NoSession, b.State(ctx, sess))
}

func TestEstablishMailView(t *testing.T) {
	ctx := context.Background()
	srv := webmailtest.NewServer(t, map[string]string{"alice": "pw1"})
	factory, _, _ := countingFactory()
	b := newTestBridge(factory, Settings{RemoveHeaderNav: true})
	sess := session.NewMemoryStore()
	target := targetFor(t, srv)

	v := b.EstablishMailView(ctx, sess, target)
	assert.True(t, v.ErrorOccurred)
	assert.Equal(t, CodeLogin, v.ErrorCode)

	_, err := b.Login(ctx, sess, target, "alice", "pw1")
	require.NoError(t, err)

	v = b.EstablishMailView(ctx, sess, target)
	require.False(t, v.ErrorOccurred, v.ErrorDetail)
	assert.Equal(t, "alice", v.DisplayName)
	assert.Equal(t, "//"+target.Host+":"+target.Port+"/roundcube", v.RedirectURL)
	assert.True(t, v.RemoveHeaderNav)
	assert.False(t, v.RemoveControlNav)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		autoLogin bool
		want      ErrorCode
	}{
		{"Nil", nil, false, CodeNone},
		{"Network", webmail.ErrNetwork, false, CodeNetwork},
		{"WrappedNetwork", errors.Join(ErrLoginFailed, webmail.ErrNetwork), true, CodeNetwork},
		{"Deadline", context.DeadlineExceeded, false, CodeNetwork},
		{"NotFound", webmail.ErrInstallNotFound, false, CodeNotFound},
		{"Rejected", webmail.ErrLoginRejected, false, CodeLogin},
		{"RejectedAuto", webmail.ErrLoginRejected, true, CodeAutoLogin},
		{"NoCredentials", vault.ErrNoCredentials, false, CodeLogin},
		{"NotLoggedInAuto", ErrNotLoggedIn, true, CodeAutoLogin},
		{"WrongPassphrase", vault.ErrWrongPassphrase, true, CodeGeneral},
		{"Other", errors.New("boom"), false, CodeGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err, tt.autoLogin))
		})
	}
}

func TestErrorViewDetail(t *testing.T) {
	b := newTestBridge(webmail.RoundcubeFactory(), Settings{})
	v := b.errorView(webmail.ErrNetwork)
	assert.Equal(t, "ERROR: Technical problem during trying to connect to webmail server, webmail unreachable", v.ErrorDetail)

	v = b.errorView(webmail.ErrLoginRejected)
	assert.Equal(t, "ERROR: Technical problem, webmail login rejected", v.ErrorDetail)
	assert.Empty(t, v.RedirectURL)
	assert.Empty(t, v.DisplayName)
}

func TestPolicyAttempts(t *testing.T) {
	for _, tt := range []struct {
		policy Policy
		want   int
	}{
		{Policy{MaxAttempts: 0}, 1},
		{Policy{MaxAttempts: 1}, 1},
		{Policy{MaxAttempts: 2}, 2},
		{Policy{MaxAttempts: 3, Delay: time.Millisecond}, 3},
	} {
		calls := 0
		err := tt.policy.do(context.Background(), func(context.Context, int) error {
			calls++
			return errors.New("fail")
		})
		assert.EqualError(t, err, "fail")
		assert.Equal(t, tt.want, calls, "policy %+v", tt.policy)
	}
}

func TestPolicyStopsOnSuccess(t *testing.T) {
	var attempts []int
	err := fastPolicy.do(context.Background(), func(_ context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, attempts)
}
