// Package logger provides leveled, component-tagged logging for the whole
// server. Components pass a short tag ("engine", "kanban", "mcp") so a
// single stream stays greppable.
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level controls which messages are emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level. Unknown strings mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "INFO"
}

// Logger writes timestamped lines to a single destination.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

// New creates a logger writing to out at the given level.
func New(out io.Writer, level Level) *Logger {
	return &Logger{out: out, level: level}
}

var std = New(os.Stderr, LevelInfo)

// SetLevel adjusts the default logger's threshold.
func SetLevel(level Level) { std.SetLevel(level) }

// SetOutput redirects the default logger. Used by the stdio transport,
// which owns stdout for protocol frames.
func SetOutput(out io.Writer) { std.SetOutput(out) }

// SetLevel adjusts the logger's threshold.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// SetOutput redirects the logger.
func (l *Logger) SetOutput(out io.Writer) {
	l.mu.Lock()
	l.out = out
	l.mu.Unlock()
}

func (l *Logger) log(level Level, component, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	b.WriteString(" [")
	b.WriteString(level.String())
	b.WriteString("]")
	if component != "" {
		b.WriteString(" [")
		b.WriteString(component)
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(formatValue(fields[k]))
		}
	}
	b.WriteString("\n")
	fmt.Fprint(l.out, b.String())
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		if strings.ContainsAny(val, " \t\"") {
			return fmt.Sprintf("%q", val)
		}
		return val
	case error:
		return fmt.Sprintf("%q", val.Error())
	case time.Duration:
		return val.String()
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// --- Plain variants ---

func Debug(msg string) { std.log(LevelDebug, "", msg, nil) }
func Info(msg string)  { std.log(LevelInfo, "", msg, nil) }
func Warn(msg string)  { std.log(LevelWarn, "", msg, nil) }
func Error(msg string) { std.log(LevelError, "", msg, nil) }

// --- Component variants ---

func DebugC(component, msg string) { std.log(LevelDebug, component, msg, nil) }
func InfoC(component, msg string)  { std.log(LevelInfo, component, msg, nil) }
func WarnC(component, msg string)  { std.log(LevelWarn, component, msg, nil) }
func ErrorC(component, msg string) { std.log(LevelError, component, msg, nil) }

// --- Component + fields variants ---

func DebugCF(component, msg string, fields map[string]interface{}) {
	std.log(LevelDebug, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	std.log(LevelInfo, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	std.log(LevelWarn, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	std.log(LevelError, component, msg, fields)
}
