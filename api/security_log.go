package api

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// SecurityEvent names a security-relevant decision made by the gate.
type SecurityEvent string

const (
	EventLoginSuccess       SecurityEvent = "login_success"
	EventLoginFailure       SecurityEvent = "login_failure"
	EventLoginRejectedLimit SecurityEvent = "login_rejected_limit"
	EventLogout             SecurityEvent = "logout"
	EventSessionEvicted     SecurityEvent = "session_evicted"
	EventCSRFRejected       SecurityEvent = "csrf_rejected"
	EventStoreUnavailable   SecurityEvent = "store_unavailable"
)

// securityLog wraps slog.Logger for structured security logging. Entries
// go to the operational log only; nothing is persisted.
type securityLog struct {
	logger         *slog.Logger
	metrics        *metricsCollector
	trustedProxies []netip.Prefix
}

func newSecurityLog(logger *slog.Logger, metrics *metricsCollector, trustedProxies []netip.Prefix) *securityLog {
	return &securityLog{
		logger:         logger.With("component", "security"),
		metrics:        metrics,
		trustedProxies: trustedProxies,
	}
}

func (sl *securityLog) log(level slog.Level, event SecurityEvent, r *http.Request, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("client_ip", extractClientIPWithProxies(r, sl.trustedProxies)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	if id := chimw.GetReqID(r.Context()); id != "" {
		base = append(base, slog.String("request_id", id))
	}
	base = append(base, attrs...)
	sl.logger.LogAttrs(r.Context(), level, "security", base...)
	sl.metrics.recordEvent(event)
}

// event logs a successful action attributed to subject.
func (sl *securityLog) event(event SecurityEvent, r *http.Request, subject string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("subject", subject)}, extra...)
	sl.log(slog.LevelInfo, event, r, attrs...)
}

// failure logs a rejected request with its reason.
func (sl *securityLog) failure(event SecurityEvent, r *http.Request, reason string, extra ...slog.Attr) {
	level := slog.LevelWarn
	if event == EventStoreUnavailable {
		level = slog.LevelError
	}
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	sl.log(level, event, r, attrs...)
}
