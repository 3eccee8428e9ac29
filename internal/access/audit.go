package access

import "go.uber.org/zap"

// Access-log results.
const (
	ResultAllow = "allow"
	ResultDeny  = "deny"
	ResultError = "error"
)

// Entry is one access-log record.
type Entry struct {
	Action    string
	Role      Role
	Method    Method
	Scope     Scope
	ClientIP  string
	UserAgent string
	Result    string
	Detail    string
}

// AuditLogger writes security-relevant outcomes as structured log records
// on a logger named "access".
type AuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger derives the access logger from parent. A nil parent
// discards records.
func NewAuditLogger(parent *zap.Logger) *AuditLogger {
	if parent == nil {
		parent = zap.NewNop()
	}
	return &AuditLogger{logger: parent.Named("access")}
}

// Log writes e.
func (a *AuditLogger) Log(e Entry) {
	if a == nil {
		return
	}
	fields := []zap.Field{
		zap.String("action", e.Action),
		zap.String("role", e.Role.String()),
		zap.String("method", e.Method.String()),
		zap.String("scope", e.Scope.String()),
		zap.String("client_ip", e.ClientIP),
		zap.String("result", e.Result),
	}
	if e.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", e.UserAgent))
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	if e.Result == ResultAllow {
		a.logger.Info("access", fields...)
		return
	}
	a.logger.Warn("access", fields...)
}

// LogContext writes a record for an evaluated context.
func (a *AuditLogger) LogContext(action string, ac Context, userAgent, result, detail string) {
	a.Log(Entry{
		Action:    action,
		Role:      ac.Role,
		Method:    ac.Method,
		Scope:     ac.Scope,
		ClientIP:  ac.ClientIP,
		UserAgent: userAgent,
		Result:    result,
		Detail:    detail,
	})
}
