// Package webmailtest provides an in-process fake of the Roundcube login
// protocol for tests.
package webmailtest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jmcleod/mailbridge/internal/util"
)

const (
	cookieSessionID   = "roundcube_sessid"
	cookieSessionAuth = "roundcube_sessauth"
)

type fakeSession struct {
	token string
	auth  string
	user  string
}

// Server is a fake Roundcube install mounted under BasePath.
type Server struct {
	*httptest.Server
	BasePath string

	mu         sync.Mutex
	users      map[string]string
	sessions   map[string]*fakeSession
	rotateAuth bool
	failNext   int

	logins    atomic.Int64
	validates atomic.Int64
	logouts   atomic.Int64
}

// NewServer starts a fake install at /roundcube/ knowing the given
// user/password pairs. It is closed when the test ends.
func NewServer(t testing.TB, users map[string]string) *Server {
	s := &Server{
		BasePath: "/roundcube/",
		users:    make(map[string]string),
		sessions: make(map[string]*fakeSession),
	}
	for u, p := range users {
		s.users[u] = p
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Endpoint returns the absolute URL of the install.
func (s *Server) Endpoint() string {
	return s.URL + strings.TrimSuffix(s.BasePath, "/")
}

// SetPassword changes or adds a user's password.
func (s *Server) SetPassword(user, password string) {
	s.mu.Lock()
	s.users[user] = password
	s.mu.Unlock()
}

// InvalidateSessions logs every session out server-side.
func (s *Server) InvalidateSessions() {
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.auth = ""
		sess.user = ""
	}
	s.mu.Unlock()
}

// RotateAuth makes every successful session check issue a new auth cookie.
func (s *Server) RotateAuth(enabled bool) {
	s.mu.Lock()
	s.rotateAuth = enabled
	s.mu.Unlock()
}

// FailNext answers the next n requests with 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// LoginAttempts counts credential submissions.
func (s *Server) LoginAttempts() int { return int(s.logins.Load()) }

// ValidateCalls counts mail page requests.
func (s *Server) ValidateCalls() int { return int(s.validates.Load()) }

// LogoutCalls counts logout requests.
func (s *Server) LogoutCalls() int { return int(s.logouts.Load()) }

// ActiveSessions counts authenticated sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.user != "" {
			n++
		}
	}
	return n
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if s.injectFailure(w) {
		return
	}
	if r.URL.Path != s.BasePath {
		http.NotFound(w, r)
		return
	}
	switch task := r.URL.Query().Get("_task"); {
	case task == "login" && r.Method == http.MethodPost:
		s.logins.Add(1)
		s.handleLogin(w, r)
	case task == "login":
		s.handleLoginForm(w)
	case task == "mail":
		s.validates.Add(1)
		s.handleMail(w, r)
	case task == "logout":
		s.logouts.Add(1)
		s.handleLogout(w, r)
	default:
		s.redirectToLogin(w)
	}
}

func (s *Server) injectFailure(w http.ResponseWriter) bool {
	s.mu.Lock()
	fail := s.failNext > 0
	if fail {
		s.failNext--
	}
	s.mu.Unlock()

	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	return fail
}

func (s *Server) handleLoginForm(w http.ResponseWriter) {
	id := randomValue()
	csrf := randomValue()
	s.mu.Lock()
	s.sessions[id] = &fakeSession{token: csrf}
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: cookieSessionID, Value: id, Path: s.BasePath})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, loginFormHTML(csrf))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	ck, err := r.Cookie(cookieSessionID)
	if err != nil {
		s.rejectLogin(w)
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[ck.Value]
	user, pass := r.PostForm.Get("_user"), r.PostForm.Get("_pass")
	want, known := s.users[user]
	valid := ok && r.PostForm.Get("_token") == sess.token && known && want == pass
	var auth string
	if valid {
		sess.user = user
		sess.auth = randomValue()
		auth = sess.auth
	}
	s.mu.Unlock()

	if !valid {
		s.rejectLogin(w)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: cookieSessionAuth, Value: auth, Path: s.BasePath})
	w.Header().Set("Location", "./?_task=mail")
	w.WriteHeader(http.StatusFound)
}

func (s *Server) rejectLogin(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{Name: cookieSessionAuth, Value: "-del-", Path: s.BasePath})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprint(w, loginFormHTML(randomValue()))
}

func (s *Server) handleMail(w http.ResponseWriter, r *http.Request) {
	sess := s.authenticated(r)
	if sess == nil {
		s.redirectToLogin(w)
		return
	}
	s.mu.Lock()
	if s.rotateAuth {
		sess.auth = randomValue()
		http.SetCookie(w, &http.Cookie{Name: cookieSessionAuth, Value: sess.auth, Path: s.BasePath})
	}
	token := sess.token
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html><head><script>rcmail.set_env({"task":"mail","request_token":"%s"});</script></head>`+
		`<body><div id="messagelist"></div></body></html>`, token)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := s.authenticated(r)
	if sess == nil {
		s.redirectToLogin(w)
		return
	}
	s.mu.Lock()
	ok := r.URL.Query().Get("_token") == sess.token
	if ok {
		sess.user = ""
		sess.auth = ""
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "invalid request token", http.StatusForbidden)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: cookieSessionAuth, Value: "-del-", Path: s.BasePath})
	s.redirectToLogin(w)
}

func (s *Server) authenticated(r *http.Request) *fakeSession {
	id, err := r.Cookie(cookieSessionID)
	if err != nil {
		return nil
	}
	auth, err := r.Cookie(cookieSessionAuth)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id.Value]
	if !ok || sess.user == "" || sess.auth != auth.Value {
		return nil
	}
	return sess
}

func (s *Server) redirectToLogin(w http.ResponseWriter) {
	w.Header().Set("Location", "./?_task=login")
	w.WriteHeader(http.StatusFound)
}

func loginFormHTML(csrf string) string {
	return `<html><body><form name="form" method="post" action="./?_task=login">` +
		`<input type="hidden" name="_token" value="` + csrf + `">` +
		`<input type="hidden" name="_task" value="login">` +
		`<input name="_user" id="rcmloginuser" type="text">` +
		`<input name="_pass" id="rcmloginpwd" type="password">` +
		`</form></body></html>`
}

func randomValue() string {
	tok, err := util.RandomToken()
	if err != nil {
		panic(err)
	}
	return tok
}
