package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess       AuditEvent = "login_success"
	AuditLoginFailure       AuditEvent = "login_failure"
	AuditLoginRateLimited   AuditEvent = "login_rate_limited"
	AuditLogout             AuditEvent = "logout"
	AuditCredentialsSaved   AuditEvent = "credentials_saved"
	AuditWebmailLogin       AuditEvent = "webmail_login"
	AuditWebmailLoginFailed AuditEvent = "webmail_login_failed"
	AuditMailViewError      AuditEvent = "mail_view_error"
	AuditCSRFRejected       AuditEvent = "csrf_rejected"
)

// auditLogger writes security audit events to a dedicated logger and feeds
// the anomaly detector and the optional webhook.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes one audit entry. Attribute values must never carry
// passphrases, mail passwords or key material.
func (al *auditLogger) log(event AuditEvent, r *http.Request, userID string, attrs ...slog.Attr) {
	now := time.Now().UTC()
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	if userID != "" {
		base = append(base, slog.String("user_id", userID))
	}
	if id := requestIDFromContext(r.Context()); id != "" {
		base = append(base, slog.String("request_id", id))
	}
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", append(base, attrs...)...)

	al.metrics.recordEvent(event)
	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			UserID:     userID,
			RemoteAddr: r.RemoteAddr,
			Timestamp:  now.Format(time.RFC3339),
		}
		if len(attrs) > 0 {
			evt.Attrs = make(map[string]string, len(attrs))
			for _, a := range attrs {
				evt.Attrs[a.Key] = a.Value.String()
			}
		}
		al.webhook.enqueue(evt)
	}
}

// logFailure logs a failed or refused action with a reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, userID, reason string, extra ...slog.Attr) {
	al.log(event, r, userID, append([]slog.Attr{slog.String("reason", reason)}, extra...)...)
}
