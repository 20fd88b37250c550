// Package redirect computes the externally reachable address of the webmail
// install from its configured host, port, and path.
package redirect

import (
	"net/http"
	"strings"
)

// RedirectPath returns the protocol-relative URL of the install, e.g.
// "//mail.example.com:8080/rc". The ":port" segment appears only when port
// is non-empty, and exactly one "/" separates the authority from the path.
// Surrounding slashes on path are dropped; an empty path yields "//host/".
func RedirectPath(host, port, path string) string {
	var b strings.Builder
	b.WriteString("//")
	b.WriteString(strings.TrimRight(host, "/"))
	if port != "" {
		b.WriteByte(':')
		b.WriteString(port)
	}
	b.WriteByte('/')
	b.WriteString(strings.Trim(path, "/"))
	return b.String()
}

// ResolveURL is RedirectPath with an explicit scheme chosen by secure.
func ResolveURL(host, port, path string, secure bool) string {
	scheme := "http:"
	if secure {
		scheme = "https:"
	}
	return scheme + RedirectPath(host, port, path)
}

// EndpointURL returns the address the server itself uses to reach the
// install: internal when configured, otherwise the public address.
func EndpointURL(host, port, path string, secure bool, internal string) string {
	if internal != "" {
		return internal
	}
	return ResolveURL(host, port, path, secure)
}

// IsSecureRequest reports whether r arrived over TLS, directly or through a
// proxy that says so via X-Forwarded-Proto or Forwarded. The forwarding
// headers count only when trustForwarded is set, i.e. the direct peer is a
// trusted proxy.
func IsSecureRequest(r *http.Request, trustForwarded bool) bool {
	if r.TLS != nil {
		return true
	}
	if !trustForwarded {
		return false
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
