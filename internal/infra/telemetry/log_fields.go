package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldServerID   = "serverID"
	FieldTool       = "tool"
	FieldState      = "state"
	FieldDurationMs = "duration_ms"
	FieldLogSource  = "log_source"
	FieldLogStream  = "stream"
	FieldRequestID  = "request_id"
)

const (
	EventDialAttempt      = "dial_attempt"
	EventDialSuccess      = "dial_success"
	EventDialFailure      = "dial_failure"
	EventHandshakeFailure = "handshake_failure"
	EventCallError        = "call_error"
	EventRateLimited      = "rate_limited"
	EventIdleReap         = "idle_reap"
	EventConnClosed       = "conn_closed"
	EventExecStart        = "exec_start"
	EventExecFinish       = "exec_finish"
)

const (
	LogSourceCore       = "core"
	LogSourceDownstream = "downstream"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func ServerIDField(serverID string) zap.Field {
	return zap.String(FieldServerID, serverID)
}

func ToolField(tool string) zap.Field {
	return zap.String(FieldTool, tool)
}

func StateField(state string) zap.Field {
	return zap.String(FieldState, state)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func RequestIDField(value string) zap.Field {
	return zap.String(FieldRequestID, value)
}
