package oplog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shin0205go/mycelium-sub002/internal/observability"
)

// Logger is an async, buffered, sampling-aware structured event logger.
type Logger struct {
	config     Config
	output     io.WriteCloser
	slogger    *slog.Logger
	buffer     chan *Event
	wg         sync.WaitGroup
	done       chan struct{}
	eventTypes map[EventType]bool
}

// NewLogger builds a Logger from config, opening its output destination
// and starting the async write loop.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open oplog output: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported oplog output: %s", config.Output)
	}

	eventTypes := make(map[EventType]bool, len(config.EventTypes))
	for _, et := range config.EventTypes {
		eventTypes[et] = true
	}

	l := &Logger{
		config:     config,
		output:     output,
		buffer:     make(chan *Event, config.BufferSize),
		done:       make(chan struct{}),
		eventTypes: eventTypes,
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: l.slogLevel()}
	if config.Format == FormatText {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	l.slogger = slog.New(handler).With("component", "gateway")

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Close flushes pending events and closes the output, if any.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// Log enqueues event for async writing, applying sampling, type-filter and
// level gates first.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if !l.config.Enabled {
		return
	}
	if l.config.SampleRate < 1.0 && rand.Float64() > l.config.SampleRate {
		return
	}
	if len(l.eventTypes) > 0 && !l.eventTypes[event.Type] {
		return
	}
	if !l.shouldLog(event.Level) {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" {
		event.TraceID = observability.GetTraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = observability.GetSpanID(ctx)
	}

	select {
	case l.buffer <- event:
	default:
		l.writeEvent(event)
	}
}

// LogToolInvocation records a tool call being forwarded upstream.
func (l *Logger) LogToolInvocation(ctx context.Context, sessionID, roleID, tool string) {
	l.Log(ctx, &Event{Type: EventToolInvocation, Level: LevelInfo, SessionID: sessionID, RoleID: roleID, ToolName: tool, Action: "tool_invoked"})
}

// LogToolCompletion records a tool call's outcome and latency.
func (l *Logger) LogToolCompletion(ctx context.Context, sessionID, roleID, tool string, success bool, duration time.Duration) {
	level := LevelInfo
	if !success {
		level = LevelWarn
	}
	l.Log(ctx, &Event{Type: EventToolCompletion, Level: level, SessionID: sessionID, RoleID: roleID, ToolName: tool, Action: "tool_completed", Duration: duration, Details: map[string]any{"success": success}})
}

// LogToolDenied records an access-control or rate-limit denial.
func (l *Logger) LogToolDenied(ctx context.Context, sessionID, roleID, tool, reason string) {
	l.Log(ctx, &Event{Type: EventToolDenied, Level: LevelWarn, SessionID: sessionID, RoleID: roleID, ToolName: tool, Action: "tool_denied", Details: map[string]any{"reason": reason}})
}

// LogRoleSwitch records a completed setRole activation.
func (l *Logger) LogRoleSwitch(ctx context.Context, sessionID, from, to string, added, removed int) {
	l.Log(ctx, &Event{Type: EventRoleSwitch, Level: LevelInfo, SessionID: sessionID, RoleID: to, Action: "role_switch", Details: map[string]any{"from": from, "to": to, "tools_added": added, "tools_removed": removed}})
}

// LogBreakerTransition records a circuit breaker state change for server.
func (l *Logger) LogBreakerTransition(ctx context.Context, server, from, to string) {
	l.Log(ctx, &Event{Type: EventBreakerTransition, Level: LevelWarn, Server: server, Action: "breaker_transition", Details: map[string]any{"from": from, "to": to}})
}

// LogUpstreamConnected records an upstream finishing startup.
func (l *Logger) LogUpstreamConnected(ctx context.Context, server string) {
	l.Log(ctx, &Event{Type: EventUpstreamConnected, Level: LevelInfo, Server: server, Action: "upstream_connected"})
}

// LogUpstreamDisconnected records an upstream child exiting.
func (l *Logger) LogUpstreamDisconnected(ctx context.Context, server string, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	l.Log(ctx, &Event{Type: EventUpstreamDisconnect, Level: LevelError, Server: server, Action: "upstream_disconnected", Error: msg})
}

// LogQuotaEvent records a rate-limit warning or exceeded crossing.
func (l *Logger) LogQuotaEvent(ctx context.Context, sessionID, roleID, tool, window string, exceeded bool) {
	eventType := EventQuotaWarning
	level := LevelWarn
	if exceeded {
		eventType = EventQuotaExceeded
		level = LevelError
	}
	l.Log(ctx, &Event{Type: eventType, Level: level, SessionID: sessionID, RoleID: roleID, ToolName: tool, Action: "quota_event", Details: map[string]any{"window": window}})
}

// LogError records an unstructured gateway-level error.
func (l *Logger) LogError(ctx context.Context, eventType EventType, action, errorMsg string, details map[string]any) {
	l.Log(ctx, &Event{Type: eventType, Level: LevelError, Action: action, Error: errorMsg, Details: details})
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"event_id", event.ID,
		"event_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.RoleID != "" {
		attrs = append(attrs, "role_id", event.RoleID)
	}
	if event.Server != "" {
		attrs = append(attrs, "server", event.Server)
	}
	if event.ToolName != "" {
		attrs = append(attrs, "tool_name", event.ToolName)
	}
	if event.TraceID != "" {
		attrs = append(attrs, "trace_id", event.TraceID)
	}
	if event.SpanID != "" {
		attrs = append(attrs, "span_id", event.SpanID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("event", attrs...)
	case LevelWarn:
		l.slogger.Warn("event", attrs...)
	case LevelError:
		l.slogger.Error("event", attrs...)
	default:
		l.slogger.Info("event", attrs...)
	}
}

func (l *Logger) shouldLog(level Level) bool {
	rank := map[Level]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}
	return rank[level] >= rank[l.config.Level]
}

func (l *Logger) slogLevel() slog.Level {
	switch l.config.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	globalLogger *Logger
	globalMu     sync.RWMutex
)

// SetGlobal installs the process-wide default logger.
func SetGlobal(logger *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// Global returns the process-wide default logger, or nil if unset.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}
