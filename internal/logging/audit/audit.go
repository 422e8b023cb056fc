package audit

import (
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for security-relevant events.
// All audit events are logged with structured fields for easy filtering and analysis.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogAuth logs an authentication event.
// method: authentication method (e.g., "bearer")
// result: "allowed" or "denied"
// details: additional context (e.g., error message)
// sourceIP: source address of the request
func (l *Logger) LogAuth(method, result, details, sourceIP string) {
	level := zerolog.InfoLevel
	if result == "denied" {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("method", method).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}
	if sourceIP != "" {
		event = event.Str("source_ip", sourceIP)
	}

	event.Msg("Authentication event")
}

// LogAdmission logs an admission decision for a write request.
// principal: the owner whose usage was checked
// tenant: the tenant the write targets
// admitted: whether the write was allowed
// total, quota: the usage and limit the decision was based on; quota is
// negative when no limit is configured
// sourceIP: source address of the request
func (l *Logger) LogAdmission(principal, tenant uint32, admitted bool, total, quota int64, sourceIP string) {
	level := zerolog.InfoLevel
	result := "admitted"
	if !admitted {
		level = zerolog.WarnLevel
		result = "rejected"
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "admission").
		Str("result", result).
		Uint32("principal", principal).
		Uint32("tenant", tenant).
		Int64("total_bytes", total)

	if quota >= 0 {
		event = event.Int64("quota_bytes", quota)
	}
	if sourceIP != "" {
		event = event.Str("source_ip", sourceIP)
	}

	event.Msg("Admission decision")
}

// LogRefresh logs an operator-requested scan cycle.
// tenant: the tenant whose scheduler was woken, or nil for all tenants
// woken: how many schedulers were woken
// sourceIP: source address of the request
func (l *Logger) LogRefresh(tenant *uint32, woken int, sourceIP string) {
	event := l.logger.Info().
		Str("event_type", "refresh").
		Int("woken", woken)

	if tenant != nil {
		event = event.Uint32("tenant", *tenant)
	}
	if sourceIP != "" {
		event = event.Str("source_ip", sourceIP)
	}

	event.Msg("Refresh requested")
}
