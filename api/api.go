// Package api exposes the mail bridge to a browser UI over a JSON REST API:
// host login and logout, saving webmail credentials, and the mail view.
package api

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/mailbridge/bridge"
	"github.com/jmcleod/mailbridge/redirect"
	"github.com/jmcleod/mailbridge/session"
)

const (
	defaultSessionTTL = 24 * time.Hour
	sweepInterval     = 5 * time.Minute
)

//go:embed openapi.yaml
var openapiSpec []byte

// API holds the dependencies needed by the REST handlers.
type API struct {
	service  *bridge.Service
	sessions session.Provider
	target   bridge.Target

	sessionTTL     time.Duration
	trustedProxies []netip.Prefix

	userLimiter   *failureLimiter
	ipLimiter     *failureLimiter
	globalLimiter *globalRateLimiter

	logger  *slog.Logger
	audit   *auditLogger
	alertFn AlertFunc
	webhook *auditWebhook
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger for request handling and audit events. If not
// set, audit events go to a JSON logger on stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithTrustedProxies parses CIDR ranges whose forwarding headers are
// believed when determining the client IP for rate limiting. A bare
// address is treated as a single-host range.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if p, err := netip.ParsePrefix(c); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// WithAlertFunc registers a callback for anomaly alerts such as a spike in
// failed logins.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards every audit event to url. authHeader, when set,
// is sent as "Name: Value".
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, authHeader, a.logger)
		}
	}
}

// WithSessionTTL sets the lifetime of the session cookie. It should match
// the session provider's maximum age. Default: 24h.
func WithSessionTTL(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.sessionTTL = d
		}
	}
}

// New creates a new API instance. target locates the webmail install as
// seen by browsers; its Secure flag is also set for requests that arrive
// over TLS.
func New(svc *bridge.Service, sessions session.Provider, target bridge.Target, opts ...Option) *API {
	a := &API{
		service:       svc,
		sessions:      sessions,
		target:        target,
		sessionTTL:    defaultSessionTTL,
		userLimiter:   newFailureLimiter(userLockout),
		ipLimiter:     newFailureLimiter(ipLockout),
		globalLimiter: newGlobalRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger)
	a.audit.webhook = a.webhook
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))
	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(a.CSRFMiddleware)
		r.Post("/session", a.Login)
		r.Delete("/session", a.Logout)

		r.Group(func(r chi.Router) {
			r.Use(a.AuthMiddleware)
			r.Put("/credentials", a.SaveCredentials)
			r.Get("/mail", a.GetMail)
			r.Post("/mail/refresh", a.RefreshMail)
		})
	})
	return r
}

// StartMaintenance sweeps expired rate-limit records until ctx is done.
func (a *API) StartMaintenance(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.userLimiter.sweep()
				a.ipLimiter.sweep()
			}
		}
	}()
}

// Close flushes pending audit webhook deliveries.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// targetFor returns the webmail target for r.
func (a *API) targetFor(r *http.Request) bridge.Target {
	t := a.target
	t.Secure = t.Secure || a.isSecure(r)
	return t
}

// isSecure reports whether r is secure, believing forwarding headers only
// from a trusted proxy.
func (a *API) isSecure(r *http.Request) bool {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	return redirect.IsSecureRequest(r, peerTrusted(remoteIP, a.trustedProxies))
}
