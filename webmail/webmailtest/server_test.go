package webmailtest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loginRequest(s *Server, id, token string) *http.Request {
	form := url.Values{"_token": {token}, "_user": {"alice"}, "_pass": {"pw"}}
	r := httptest.NewRequest(http.MethodPost, s.BasePath+"?_task=login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.AddCookie(&http.Cookie{Name: cookieSessionID, Value: id})
	return r
}

func authCookie(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == cookieSessionAuth {
			return ck.Value
		}
	}
	return ""
}

// Logins and rotating session checks on one session run concurrently; the
// race detector flags any unguarded access to the session.
func TestConcurrentLoginAndRotatingCheck(t *testing.T) {
	s := NewServer(t, map[string]string{"alice": "pw"})
	s.RotateAuth(true)

	const id, token = "sess-1", "tok-1"
	s.mu.Lock()
	s.sessions[id] = &fakeSession{token: token}
	s.mu.Unlock()

	rec := httptest.NewRecorder()
	s.serve(rec, loginRequest(s, id, token))
	require.Equal(t, http.StatusFound, rec.Code)
	first := authCookie(t, rec)
	require.NotEmpty(t, first)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			s.serve(rec, loginRequest(s, id, token))
			assert.Equal(t, http.StatusFound, rec.Code)
			assert.NotEmpty(t, authCookie(t, rec))
		}()
		go func() {
			defer wg.Done()
			r := httptest.NewRequest(http.MethodGet, s.BasePath+"?_task=mail", nil)
			r.AddCookie(&http.Cookie{Name: cookieSessionID, Value: id})
			r.AddCookie(&http.Cookie{Name: cookieSessionAuth, Value: first})
			s.serve(httptest.NewRecorder(), r)
		}()
	}
	wg.Wait()
	assert.Equal(t, 21, s.LoginAttempts())
}
