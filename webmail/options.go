package webmail

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a RoundcubeClient.
type Option func(*RoundcubeClient)

// WithHTTPClient replaces the HTTP client. Redirects are never followed
// regardless of the client's CheckRedirect.
func WithHTTPClient(c *http.Client) Option {
	return func(r *RoundcubeClient) {
		r.httpClient = c
	}
}

// WithInsecureSkipVerify disables TLS certificate verification toward the
// webmail endpoint. Intended for installs reached over an internal address
// with a self-signed certificate.
func WithInsecureSkipVerify(skip bool) Option {
	return func(r *RoundcubeClient) {
		r.insecure = skip
	}
}

// WithTimeout bounds each HTTP round trip. Default: 15s.
func WithTimeout(d time.Duration) Option {
	return func(r *RoundcubeClient) {
		r.timeout = d
	}
}

// WithLogger sets the logger used for protocol debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(r *RoundcubeClient) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithUserAgent sets the User-Agent header sent to the webmail service.
func WithUserAgent(ua string) Option {
	return func(r *RoundcubeClient) {
		r.userAgent = ua
	}
}
