package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess     AuditEvent = "login_success"
	AuditLoginFailure     AuditEvent = "login_failure"
	AuditLoginRateLimited AuditEvent = "login_rate_limited"
	AuditUserCreated      AuditEvent = "user_created"
	AuditValidateFailure  AuditEvent = "validate_failure"
	AuditHeartbeatLimited AuditEvent = "heartbeat_rate_limited"
	AuditLogout           AuditEvent = "logout"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	sink    *auditSink
	trail   *auditTrail
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry and mirrors it to the alert
// collector and audit sink when configured.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)

	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.sink != nil {
		rec := auditRecord{Event: string(event), At: now, Peer: r.RemoteAddr}
		for _, a := range attrs {
			if a.Key == "uid" {
				rec.UID = a.Value.String()
				continue
			}
			if rec.Fields == nil {
				rec.Fields = make(map[string]string, len(attrs))
			}
			rec.Fields[a.Key] = a.Value.String()
		}
		al.sink.submit(rec)
	}
}

// logEvent is a convenience for events about a known user. Session
// lifecycle events are also appended to the user's audit trail.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, uid string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("uid", uid),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)

	if al.trail != nil && persistedEvents[event] {
		if err := al.trail.append(uid, event, r.RemoteAddr, time.Now()); err != nil {
			al.logger.Warn("failed to append audit trail", "uid", uid, "error", err)
		}
	}
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
