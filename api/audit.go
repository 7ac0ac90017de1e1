package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of tenant-visible action being logged.
type AuditEvent string

const (
	AuditPairingCodeIssued AuditEvent = "pairing_code_issued"
	AuditPairingCodeFailed AuditEvent = "pairing_code_failed"
	AuditMessageSent       AuditEvent = "message_sent"
	AuditMessageFailed     AuditEvent = "message_failed"
)

// auditLogger wraps slog.Logger for structured audit logging.
type auditLogger struct {
	logger   *slog.Logger
	metrics  *metricsCollector
	webhook  *auditWebhook
	clientIP func(*http.Request) string
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry. Failures are logged at warn.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now()
	clientIP := al.ip(r)
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("client_ip", clientIP),
		slog.String("timestamp", now.UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	level := slog.LevelInfo
	if event == AuditPairingCodeFailed || event == AuditMessageFailed {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(r.Context(), level, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		al.webhook.enqueue(webhookEventFrom(event, clientIP, now, attrs))
	}
}

// logEvent is a convenience for events tied to a tenant and session.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, tenantID, sessionID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("tenant_id", tenantID),
		slog.String("session_id", sessionID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed operation with its stable error code.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, tenantID, code string, err error) {
	al.log(event, r,
		slog.String("tenant_id", tenantID),
		slog.String("reason", code),
		slog.String("error", err.Error()),
	)
}

func (al *auditLogger) ip(r *http.Request) string {
	if al.clientIP == nil {
		return extractClientIPWithProxies(r, nil)
	}
	return al.clientIP(r)
}
