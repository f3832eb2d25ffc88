// Package oplog provides the gateway's operational structured logger: an
// async, buffered, slog-backed event stream for lifecycle and control-plane
// events (upstream connects, role switches, breaker transitions, quota
// crossings). It is distinct from internal/audit's bounded ring, which is
// the spec-mandated per-call decision record; oplog is ordinary ambient
// logging and is free to write to stdout/stderr/a file.
package oplog

import "time"

// EventType categorizes an operational event.
type EventType string

const (
	EventToolInvocation EventType = "tool.invocation"
	EventToolCompletion EventType = "tool.completion"
	EventToolDenied     EventType = "tool.denied"
	EventToolRetry      EventType = "tool.retry"

	EventPermissionGranted EventType = "permission.granted"
	EventPermissionDenied  EventType = "permission.denied"

	EventRoleSwitch         EventType = "role.switch"
	EventRoleSwitchFailed   EventType = "role.switch_failed"
	EventToolsChanged       EventType = "tools.changed"
	EventBreakerTransition  EventType = "breaker.transition"
	EventUpstreamConnected  EventType = "upstream.connected"
	EventUpstreamDisconnect EventType = "upstream.disconnected"
	EventQuotaWarning       EventType = "quota.warning"
	EventQuotaExceeded      EventType = "quota.exceeded"

	EventGatewayStartup  EventType = "gateway.startup"
	EventGatewayShutdown EventType = "gateway.shutdown"
	EventGatewayError    EventType = "gateway.error"
)

// Level is the event severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single operational log entry.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Level     Level          `json:"level"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	RoleID    string         `json:"role_id,omitempty"`
	Server    string         `json:"server,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Error     string         `json:"error,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

// OutputFormat is the logger's wire format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config configures the logger.
type Config struct {
	Enabled       bool
	Level         Level
	Format        OutputFormat
	Output        string // "stdout", "stderr", or "file:/path"
	EventTypes    []EventType
	SampleRate    float64
	BufferSize    int
	FlushInterval time.Duration
}

// DefaultConfig returns sane defaults: enabled, info level, JSON to stdout.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Level:         LevelInfo,
		Format:        FormatJSON,
		Output:        "stdout",
		SampleRate:    1.0,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}
