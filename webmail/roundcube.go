package webmail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// CookieSessionID and CookieSessionAuth are the Roundcube session cookies.
	CookieSessionID   = "roundcube_sessid"
	CookieSessionAuth = "roundcube_sessauth"

	// cookieDeleted is the value Roundcube writes when it clears a cookie.
	cookieDeleted = "-del-"

	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 2 << 20
)

// RoundcubeClient implements Client against a Roundcube install. It keeps
// no cookie jar: session tokens are passed in and returned explicitly so
// the caller decides where they live.
type RoundcubeClient struct {
	base       *url.URL
	rawBase    string
	httpClient *http.Client
	insecure   bool
	timeout    time.Duration
	userAgent  string
	logger     *slog.Logger
}

var _ Client = (*RoundcubeClient)(nil)

// NewRoundcubeClient returns a client for the install at endpoint, e.g.
// "https://mail.example.com/roundcube".
func NewRoundcubeClient(endpoint string, opts ...Option) (*RoundcubeClient, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing webmail endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webmail endpoint %q must be http or https", endpoint)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	c := &RoundcubeClient{
		base:      u,
		rawBase:   endpoint,
		timeout:   defaultTimeout,
		userAgent: "mailbridge",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if c.insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
		c.httpClient = &http.Client{Transport: transport}
	}
	// Copy so a caller-supplied client keeps its own redirect policy.
	hc := *c.httpClient
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	hc.Timeout = c.timeout
	c.httpClient = &hc
	return c, nil
}

// Endpoint returns the endpoint the client was built for.
func (c *RoundcubeClient) Endpoint() string {
	return c.rawBase
}

func (c *RoundcubeClient) Login(ctx context.Context, user, password string) (Session, error) {
	log := c.logger.With("endpoint", c.rawBase, "mail_user", user)

	resp, body, err := c.do(ctx, http.MethodGet, url.Values{"_task": {"login"}}, nil, nil)
	if err != nil {
		return Session{}, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Session{}, fmt.Errorf("%w: %s answered 404", ErrInstallNotFound, c.rawBase)
	case resp.StatusCode >= 500:
		return Session{}, fmt.Errorf("%w: login page returned %d", ErrNetwork, resp.StatusCode)
	}
	page, err := parseLoginPage(bytes.NewReader(body))
	if err != nil || page.token == "" {
		return Session{}, fmt.Errorf("%w: no login form at %s", ErrInstallNotFound, c.rawBase)
	}
	sessID := cookieValue(resp, CookieSessionID)
	log.Debug("fetched login form", "has_session_cookie", sessID != "")

	form := url.Values{
		"_token":    {page.token},
		"_task":     {"login"},
		"_action":   {"login"},
		"_timezone": {"_default_"},
		"_url":      {""},
		"_user":     {user},
		"_pass":     {password},
	}
	var cookies []*http.Cookie
	if sessID != "" {
		cookies = append(cookies, &http.Cookie{Name: CookieSessionID, Value: sessID})
	}
	resp, _, err = c.do(ctx, http.MethodPost, url.Values{"_task": {"login"}}, form, cookies)
	if err != nil {
		return Session{}, err
	}
	if resp.StatusCode >= 500 {
		return Session{}, fmt.Errorf("%w: login returned %d", ErrNetwork, resp.StatusCode)
	}

	auth := cookieValue(resp, CookieSessionAuth)
	if auth == "" || auth == cookieDeleted {
		log.Debug("login rejected", "status", resp.StatusCode)
		return Session{}, ErrLoginRejected
	}
	if id := cookieValue(resp, CookieSessionID); id != "" && id != cookieDeleted {
		sessID = id
	}
	if sessID == "" {
		return Session{}, fmt.Errorf("%w: no session cookie issued", ErrLoginRejected)
	}
	log.Debug("login succeeded")
	return Session{ID: sessID, Auth: auth}, nil
}

func (c *RoundcubeClient) Validate(ctx context.Context, sess Session) (bool, string, error) {
	resp, body, err := c.do(ctx, http.MethodGet, url.Values{"_task": {"mail"}}, nil, sessionCookies(sess))
	if err != nil {
		return false, "", err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, "", fmt.Errorf("%w: %s answered 404", ErrInstallNotFound, c.rawBase)
	case resp.StatusCode >= 500:
		return false, "", fmt.Errorf("%w: mail page returned %d", ErrNetwork, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		// Roundcube redirects unauthenticated requests to the login task.
		return false, "", nil
	}
	page, err := parseLoginPage(bytes.NewReader(body))
	if err != nil {
		return false, "", fmt.Errorf("parsing mail page: %w", err)
	}
	if page.hasLoginForm {
		return false, "", nil
	}
	auth := sess.Auth
	if rotated := cookieValue(resp, CookieSessionAuth); rotated != "" && rotated != cookieDeleted {
		auth = rotated
	}
	return true, auth, nil
}

func (c *RoundcubeClient) Logout(ctx context.Context, sess Session) error {
	cookies := sessionCookies(sess)
	resp, body, err := c.do(ctx, http.MethodGet, url.Values{"_task": {"mail"}}, nil, cookies)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session no longer active (status %d)", resp.StatusCode)
	}
	token := requestToken(string(body))
	if token == "" {
		return fmt.Errorf("no request token on mail page")
	}

	resp, _, err = c.do(ctx, http.MethodGet, url.Values{"_task": {"logout"}, "_token": {token}}, nil, cookies)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("logout returned %d", resp.StatusCode)
	}
	return nil
}

// do performs one request and reads the (bounded) body. Transport failures
// are reported as ErrNetwork.
func (c *RoundcubeClient) do(ctx context.Context, method string, query url.Values, form url.Values, cookies []*http.Cookie) (*http.Response, []byte, error) {
	u := *c.base
	u.RawQuery = query.Encode()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("User-Agent", c.userAgent)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading response: %w", ErrNetwork, err)
	}
	c.logger.Debug("webmail request", "method", method, "task", query.Get("_task"), "status", resp.StatusCode)
	return resp, data, nil
}

func sessionCookies(sess Session) []*http.Cookie {
	return []*http.Cookie{
		{Name: CookieSessionID, Value: sess.ID},
		{Name: CookieSessionAuth, Value: sess.Auth},
	}
}

// cookieValue returns the last value set for name in the response.
func cookieValue(resp *http.Response, name string) string {
	var v string
	for _, ck := range resp.Cookies() {
		if ck.Name == name {
			v = ck.Value
		}
	}
	return v
}
