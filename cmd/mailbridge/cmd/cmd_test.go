package cmd

import (
	"bytes"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/mailbridge/internal/config"
	"github.com/jmcleod/mailbridge/webmail/webmailtest"
)

// writeTestConfig points the CLI at a fresh sqlite database and the given
// webmail server.
func writeTestConfig(t *testing.T, srv *webmailtest.Server) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	dir := t.TempDir()
	body := "log:\n  level: error\n" +
		"data_dir: " + dir + "\n" +
		"storage:\n  backend: sqlite\n" +
		"crypto:\n  kdf_profile: interactive\n" +
		"webmail:\n  host: " + u.Hostname() + "\n  port: \"" + u.Port() + "\"\n  path: roundcube\n  retry_delay: 1ms\n"
	p := filepath.Join(dir, "mailbridge.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))

	prev := configPath
	configPath = p
	t.Cleanup(func() { configPath = prev })
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	credMailUser, credNoVerify = "", false
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCredentialsSetAndShow(t *testing.T) {
	srv := webmailtest.NewServer(t, map[string]string{"alice": "mail-pw"})
	writeTestConfig(t, srv)

	out, err := runCLI(t, "host-pass\nalice\nmail-pw\nmail-pw\n", "credentials", "set", "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "webmail login succeeded")
	assert.Zero(t, srv.ActiveSessions(), "verification session is logged out again")

	out, err = runCLI(t, "host-pass\n", "credentials", "show", "--user", "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "Webmail user:  alice")
	assert.NotContains(t, out, "mail-pw")
}

func TestCredentialsSetReportsRejectedLogin(t *testing.T) {
	srv := webmailtest.NewServer(t, map[string]string{"alice": "mail-pw"})
	writeTestConfig(t, srv)

	out, err := runCLI(t, "host-pass\nwrong\nwrong\n", "credentials", "set", "--user", "u1", "--mail-user", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "webmail login failed (login)")
}

func TestCredentialsSetNoVerify(t *testing.T) {
	srv := webmailtest.NewServer(t, nil)
	writeTestConfig(t, srv)

	out, err := runCLI(t, "host-pass\nbob\npw\npw\n", "credentials", "set", "--user", "u2", "--no-verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Stored webmail credentials for u2")
	assert.Zero(t, srv.LoginAttempts())
}

func TestCredentialsSetMismatchedPassword(t *testing.T) {
	srv := webmailtest.NewServer(t, nil)
	writeTestConfig(t, srv)

	_, err := runCLI(t, "host-pass\nbob\npw\nother\n", "credentials", "set", "--user", "u2", "--no-verify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not match")
}

func TestCredentialsShowWrongPassphrase(t *testing.T) {
	srv := webmailtest.NewServer(t, nil)
	writeTestConfig(t, srv)

	_, err := runCLI(t, "host-pass\nbob\npw\npw\n", "credentials", "set", "--user", "u3", "--no-verify")
	require.NoError(t, err)

	_, err = runCLI(t, "nope\n", "credentials", "show", "--user", "u3")
	require.Error(t, err)
}

func TestKeysInit(t *testing.T) {
	srv := webmailtest.NewServer(t, nil)
	writeTestConfig(t, srv)

	_, err := runCLI(t, "host-pass\nother\n", "keys", "init", "--user", "u5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "do not match")

	out, err := runCLI(t, "host-pass\nhost-pass\n", "keys", "init", "--user", "u5")
	require.NoError(t, err)
	assert.Contains(t, out, "Provisioned key pair for u5")

	out, err = runCLI(t, "", "keys", "show", "--user", "u5")
	require.NoError(t, err)
	assert.Contains(t, out, "BEGIN PUBLIC KEY")

	_, err = runCLI(t, "x\nx\n", "keys", "init", "--user", "u5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a key pair")

	_, err = runCLI(t, "\n\n", "keys", "init", "--user", "u6")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be empty")
}

func TestCredentialsPurgeAndKeys(t *testing.T) {
	srv := webmailtest.NewServer(t, nil)
	writeTestConfig(t, srv)

	_, err := runCLI(t, "host-pass\nbob\npw\npw\n", "credentials", "set", "--user", "u4", "--no-verify")
	require.NoError(t, err)

	out, err := runCLI(t, "", "keys", "show", "--user", "u4")
	require.NoError(t, err)
	assert.Contains(t, out, "BEGIN PUBLIC KEY")
	assert.Contains(t, out, "RSA 2048")

	out, err = runCLI(t, "host-pass\nnew-pass\nnew-pass\n", "keys", "rotate", "--user", "u4")
	require.NoError(t, err)
	assert.Contains(t, out, "must be saved again")

	_, err = runCLI(t, "new-pass\n", "credentials", "show", "--user", "u4")
	require.Error(t, err, "credential sealed under the old key cannot be decrypted")

	out, err = runCLI(t, "", "credentials", "purge", "--user", "u4")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged u4")

	_, err = runCLI(t, "", "keys", "show", "--user", "u4")
	require.Error(t, err)
}

func TestFrameSource(t *testing.T) {
	assert.Equal(t, "mail.example.com:8080", frameSource(config.WebmailConfig{Host: "mail.example.com", Port: "8080"}))
	assert.Equal(t, "mail.example.com", frameSource(config.WebmailConfig{Host: "mail.example.com/"}))
}

func TestRouterHealthAndHeaders(t *testing.T) {
	cfg, err := config.Load("", func(c *config.Config) { c.Storage.Backend = config.StorageMemory })
	require.NoError(t, err)
	logger, err := newLogger(cfg, &bytes.Buffer{})
	require.NoError(t, err)

	h := newRouter(nil, cfg.Webmail, logger)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, "OK", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "frame-src localhost")
}

func TestLevelForStatus(t *testing.T) {
	assert.Equal(t, "INFO", levelForStatus(200).String())
	assert.Equal(t, "WARN", levelForStatus(404).String())
	assert.Equal(t, "ERROR", levelForStatus(502).String())
}
