package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	// AlertLoginFailureSpike fires when many host logins fail with a wrong
	// passphrase in a short window.
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	// AlertWebmailFailureSpike fires when many webmail logins are rejected
	// or fail to connect, which usually means the webmail service changed.
	AlertWebmailFailureSpike AlertType = "webmail_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingCounter counts events in a trailing window.
type slidingCounter struct {
	events    []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports the count if it reached the
// threshold, resetting the window so one spike alerts once.
func (c *slidingCounter) add(now time.Time) (int, bool) {
	c.events = trimWindow(append(c.events, now), now, c.window)
	n := len(c.events)
	if n < c.threshold {
		return n, false
	}
	c.events = c.events[:0]
	return n, true
}

// metricsCollector watches audit events for anomalies.
type metricsCollector struct {
	mu      sync.Mutex
	now     func() time.Time
	login   slidingCounter
	webmail slidingCounter
	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow      = 1 * time.Minute
	defaultLoginFailureThreshold   = 50
	defaultWebmailFailureWindow    = 5 * time.Minute
	defaultWebmailFailureThreshold = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		now:     time.Now,
		login:   slidingCounter{window: defaultLoginFailureWindow, threshold: defaultLoginFailureThreshold},
		webmail: slidingCounter{window: defaultWebmailFailureWindow, threshold: defaultWebmailFailureThreshold},
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure:
		m.record(&m.login, AlertLoginFailureSpike, "login failure rate exceeds threshold")
	case AuditWebmailLoginFailed, AuditMailViewError:
		m.record(&m.webmail, AlertWebmailFailureSpike, "webmail login failure rate exceeds threshold")
	}
}

func (m *metricsCollector) record(c *slidingCounter, typ AlertType, msg string) {
	m.mu.Lock()
	now := m.now()
	n, fire := c.add(now)
	threshold := c.threshold
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     n,
			Threshold: threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
