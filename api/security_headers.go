package api

import (
	"net/http"
	"strings"

	"github.com/jmcleod/mailbridge/redirect"
)

// SecurityHeaders sets standard security response headers. frameSources
// lists the origins the UI may embed in an iframe, normally the webmail
// install; with none, framing is forbidden.
func SecurityHeaders(frameSources ...string) func(http.Handler) http.Handler {
	frameSrc := "'none'"
	if len(frameSources) > 0 {
		frameSrc = strings.Join(frameSources, " ")
	}
	csp := "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; connect-src 'self'; frame-src " + frameSrc

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Content-Security-Policy", csp)
			// Behind a proxy, HSTS is the proxy's header.
			if redirect.IsSecureRequest(r, false) {
				h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}
