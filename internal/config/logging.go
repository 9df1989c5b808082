package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below debug and logs every JSON-RPC request and
// response the relay exchanges. -8 is the OpenTelemetry trace severity.
const LevelTrace = slog.Level(-8)

// logLevels maps accepted log_level values to slog levels. The first
// name listed for a level is the one printed in log output.
var logLevels = []struct {
	names []string
	level slog.Level
}{
	{[]string{"trace"}, LevelTrace},
	{[]string{"debug"}, slog.LevelDebug},
	{[]string{"info", ""}, slog.LevelInfo},
	{[]string{"warn", "warning"}, slog.LevelWarn},
	{[]string{"error"}, slog.LevelError},
}

// ParseLogLevel reads a log_level value. Case and surrounding space
// are ignored and empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for _, l := range logLevels {
		for _, n := range l.names {
			if n == want {
				return l.level, nil
			}
		}
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// NewLogger returns a logger writing to w. format is "json" or "text";
// anything else is treated as text. Trace records print as TRACE
// rather than slog's DEBUG-4.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key != slog.LevelKey {
				return a
			}
			if lv, ok := a.Value.Any().(slog.Level); ok && lv == LevelTrace {
				a.Value = slog.StringValue("TRACE")
			}
			return a
		},
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
