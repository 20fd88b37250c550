package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/mailbridge/api"
	"github.com/jmcleod/mailbridge/bridge"
	"github.com/jmcleod/mailbridge/crypto"
	"github.com/jmcleod/mailbridge/session"
	"github.com/jmcleod/mailbridge/storage/memory"
	"github.com/jmcleod/mailbridge/vault"
	"github.com/jmcleod/mailbridge/webmail"
	"github.com/jmcleod/mailbridge/webmail/webmailtest"
)

type testEnv struct {
	srv     *httptest.Server
	webmail *webmailtest.Server
	vault   *vault.CredentialVault
}

// provision creates userID's key pair the way the host does before the
// user's first browser login.
func (e *testEnv) provision(t *testing.T, userID, passphrase string) {
	t.Helper()
	kp, err := e.vault.Keys().GenerateKeyPair(t.Context(), userID, passphrase)
	require.NoError(t, err)
	kp.Private.Destroy()
}

func setupServer(t *testing.T, settings bridge.Settings) *testEnv {
	t.Helper()
	wm := webmailtest.NewServer(t, map[string]string{"alice@example.com": "mail-pw"})

	params, err := crypto.Argon2idProfile(crypto.KDFProfileInteractive)
	require.NoError(t, err)
	v := vault.New(memory.NewRepository(), vault.WithKDFParams(params))

	fast := bridge.Policy{MaxAttempts: 2, Delay: time.Millisecond}
	b := bridge.New(webmail.RoundcubeFactory(), bridge.StaticSettings(settings),
		bridge.WithLoginPolicy(fast), bridge.WithRefreshPolicy(fast))

	sessions := session.NewMemoryProvider(time.Hour, 30*time.Minute)
	t.Cleanup(sessions.Close)

	u, err := url.Parse(wm.URL)
	require.NoError(t, err)
	target := bridge.Target{Host: u.Hostname(), Port: u.Port(), Path: wm.BasePath}

	a := api.New(bridge.NewService(b, v), sessions, target,
		api.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(a.Close)

	r := chi.NewRouter()
	r.Use(api.RequestID)
	r.Use(api.SecurityHeaders(wm.URL))
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	env := &testEnv{srv: srv, webmail: wm, vault: v}
	env.provision(t, "u1", "host-pass")
	return env
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

// doJSON sends body as JSON and echoes the CSRF cookie in the header, the
// way the browser UI does.
func doJSON(t *testing.T, client *http.Client, method, rawURL string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, rawURL, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, ck := range client.Jar.Cookies(req.URL) {
		if ck.Name == "mailbridge_csrf" {
			req.Header.Set("X-CSRF-Token", ck.Value)
		}
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func login(t *testing.T, client *http.Client, baseURL, userID, passphrase string) api.LoginResponse {
	t.Helper()
	resp := doJSON(t, client, http.MethodPost, baseURL+"/api/v1/session", api.LoginRequest{
		UserID:     userID,
		Passphrase: passphrase,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[api.LoginResponse](t, resp)
}

func saveCredentials(t *testing.T, client *http.Client, baseURL, mailUser, mailPassword string) *http.Response {
	t.Helper()
	return doJSON(t, client, http.MethodPut, baseURL+"/api/v1/credentials", api.SaveCredentialsRequest{
		MailUser:     mailUser,
		MailPassword: mailPassword,
	})
}

func TestLoginWithoutStoredCredential(t *testing.T) {
	env := setupServer(t, bridge.Settings{})
	client := newClient(t)

	got := login(t, client, env.srv.URL, "u1", "host-pass")
	assert.Equal(t, "u1", got.UserID)
	assert.False(t, got.Webmail.LoggedIn)
	assert.Empty(t, got.Webmail.ErrorCode)
	assert.Zero(t, env.webmail.LoginAttempts())
}

func TestLoginValidation(t *testing.T) {
	env := setupServer(t, bridge.Settings{})
	client := newClient(t)

	resp := doJSON(t, client, http.MethodPost, env.srv.URL+"/api/v1/session", api.LoginRequest{UserID: "u1"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, client, http.MethodPost, env.srv.URL+"/api/v1/session", map[string]string{
		"user_id": "u1", "passphrase": "p", "extra": "x",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")
}

func TestLoginRejectsUnprovisionedUser(t *testing.T) {
	env := setupServer(t, bridge.Settings{})

	resp := doJSON(t, newClient(t), http.MethodPost, env.srv.URL+"/api/v1/session", api.LoginRequest{
		UserID: "victim", Passphrase: "attacker-chosen",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	ok, err := env.vault.HasKeyPair(t.Context(), "victim")
	require.NoError(t, err)
	assert.False(t, ok, "a browser login must not provision a key pair")

	env.provision(t, "victim", "real-passphrase")
	got := login(t, newClient(t), env.srv.URL, "victim", "real-passphrase")
	assert.Equal(t, "victim", got.UserID)

	resp = doJSON(t, newClient(t), http.MethodPost, env.srv.URL+"/api/v1/session", api.LoginRequest{
		UserID: "victim", Passphrase: "attacker-chosen",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWrongPassphraseIsRateLimited(t *testing.T) {
	env := setupServer(t, bridge.Settings{})
	login(t, newClient(t), env.srv.URL, "u1", "host-pass")

	client := newClient(t)
	for i := 0; i < 5; i++ {
		resp := doJSON(t, client, http.MethodPost, env.srv.URL+"/api/v1/session", api.LoginRequest{
			UserID: "u1", Passphrase: "wrong",
		})
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "attempt %d", i+1)
	}

	resp := doJSON(t, client, http.MethodPost, env.srv.URL+"/api/v1/session", api.LoginRequest{
		UserID: "u1", Passphrase: "host-pass",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestSaveCredentialsAndOpenMail(t *testing.T) {
	env := setupServer(t, bridge.Settings{RemoveHeaderNav: true})
	client := newClient(t)
	login(t, client, env.srv.URL, "u1", "host-pass")

	resp := saveCredentials(t, client, env.srv.URL, "alice@example.com", "mail-pw")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	saved := decode[api.SaveCredentialsResponse](t, resp)
	assert.True(t, saved.Saved)
	assert.True(t, saved.Webmail.LoggedIn)

	resp = doJSON(t, client, http.MethodGet, env.srv.URL+"/api/v1/mail", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[bridge.View](t, resp)
	assert.False(t, view.ErrorOccurred, view.ErrorDetail)
	assert.Equal(t, "alice@example.com", view.DisplayName)
	assert.True(t, view.RemoveHeaderNav)
	assert.Equal(t, "//"+strings.TrimPrefix(env.webmail.URL, "http://")+"/roundcube", view.RedirectURL)

	resp = doJSON(t, client, http.MethodPost, env.srv.URL+"/api/v1/mail/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	refreshed := decode[api.RefreshResponse](t, resp)
	assert.True(t, refreshed.LoggedIn)
}

func TestSaveCredentialsRejectedByWebmail(t *testing.T) {
	env := setupServer(t, bridge.Settings{AutoLogin: true})
	client := newClient(t)
	login(t, client, env.srv.URL, "u1", "host-pass")

	resp := saveCredentials(t, client, env.srv.URL, "alice@example.com", "not-the-password")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	saved := decode[api.SaveCredentialsResponse](t, resp)
	assert.True(t, saved.Saved)
	assert.False(t, saved.Webmail.LoggedIn)
	assert.Equal(t, bridge.CodeAutoLogin, saved.Webmail.ErrorCode)
}

func TestSaveCredentialsValidation(t *testing.T) {
	env := setupServer(t, bridge.Settings{})
	client := newClient(t)
	login(t, client, env.srv.URL, "u1", "host-pass")

	resp := saveCredentials(t, client, env.srv.URL, "alice@example.com", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHostLoginLogsInToWebmail(t *testing.T) {
	env := setupServer(t, bridge.Settings{})
	first := newClient(t)
	login(t, first, env.srv.URL, "u1", "host-pass")
	resp := saveCredentials(t, first, env.srv.URL, "alice@example.com", "mail-pw")
	resp.Body.Close()

	second := newClient(t)
	got := login(t, second, env.srv.URL, "u1", "host-pass")
	assert.True(t, got.Webmail.LoggedIn)

	env.webmail.SetPassword("alice@example.com", "changed")
	third := newClient(t)
	got = login(t, third, env.srv.URL, "u1", "host-pass")
	assert.False(t, got.Webmail.LoggedIn, "webmail failure does not block host login")
	assert.Equal(t, bridge.CodeLogin, got.Webmail.ErrorCode)
}

func TestMailViewWithoutCredential(t *testing.T) {
	env := setupServer(t, bridge.Settings{})
	client := newClient(t)
	login(t, client, env.srv.URL, "u1", "host-pass")

	resp := doJSON(t, client, http.MethodGet, env.srv.URL+"/api/v1/mail", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[bridge.View](t, resp)
	assert.True(t, view.ErrorOccurred)
	assert.Equal(t, bridge.CodeLogin, view.ErrorCode)
}

func TestLogoutClearsSession(t *testing.T) {
	env := setupServer(t, bridge.Settings{})
	client := newClient(t)
	login(t, client, env.srv.URL, "u1", "host-pass")
	resp := saveCredentials(t, client, env.srv.URL, "alice@example.com", "mail-pw")
	resp.Body.Close()
	require.Equal(t, 1, env.webmail.ActiveSessions())

	resp = doJSON(t, client, http.MethodDelete, env.srv.URL+"/api/v1/session", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, env.webmail.ActiveSessions())

	resp = doJSON(t, client, http.MethodGet, env.srv.URL+"/api/v1/mail", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRequiresSession(t *testing.T) {
	env := setupServer(t, bridge.Settings{})
	client := newClient(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/mail"},
		{http.MethodPost, "/api/v1/mail/refresh"},
		{http.MethodPut, "/api/v1/credentials"},
	} {
		resp := doJSON(t, client, tc.method, env.srv.URL+tc.path, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestCSRFRequiredWithSession(t *testing.T) {
	env := setupServer(t, bridge.Settings{})
	client := newClient(t)
	login(t, client, env.srv.URL, "u1", "host-pass")

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, env.srv.URL+"/api/v1/mail/refresh", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCSRFTokenIsBoundToSession(t *testing.T) {
	env := setupServer(t, bridge.Settings{})
	client := newClient(t)
	login(t, client, env.srv.URL, "u1", "host-pass")

	resp := doJSON(t, client, http.MethodPost, env.srv.URL+"/api/v1/mail/refresh", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	base, err := url.Parse(env.srv.URL)
	require.NoError(t, err)
	client.Jar.SetCookies(base, []*http.Cookie{{Name: "mailbridge_csrf", Value: "planted", Path: "/"}})

	resp = doJSON(t, client, http.MethodPost, env.srv.URL+"/api/v1/mail/refresh", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "matching cookie and header are not enough")
}

func TestResponsesCarrySecurityHeaders(t *testing.T) {
	env := setupServer(t, bridge.Settings{})
	client := newClient(t)

	resp := doJSON(t, client, http.MethodGet, env.srv.URL+"/api/v1/openapi.yaml", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "openapi:")

	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), env.webmail.URL)
}

func TestResponsesNeverLeakSecrets(t *testing.T) {
	env := setupServer(t, bridge.Settings{})
	client := newClient(t)

	resp := doJSON(t, client, http.MethodPost, env.srv.URL+"/api/v1/session", api.LoginRequest{
		UserID: "u1", Passphrase: "host-pass",
	})
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.NotContains(t, string(body), "host-pass")

	resp = saveCredentials(t, client, env.srv.URL, "alice@example.com", "mail-pw")
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.NotContains(t, string(body), "mail-pw")

	resp = doJSON(t, client, http.MethodGet, env.srv.URL+"/api/v1/mail", nil)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.NotContains(t, string(body), "mail-pw")
	assert.NotContains(t, string(body), "BEGIN")
}
