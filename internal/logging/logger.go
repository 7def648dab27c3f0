package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel maps a config value to a Level, defaulting to info.
func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
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

type Logger struct {
	format string
	level  Level
	mu     sync.Mutex
	base   *log.Logger
	fields []Field
}

// New returns a logger writing to stderr at info level. Stdout is left to the scan report.
func New(format string) *Logger {
	return NewWithWriter(format, LevelInfo, os.Stderr)
}

func NewWithWriter(format string, level Level, w io.Writer) *Logger {
	if format == "" {
		format = "json"
	}
	if w == nil {
		w = io.Discard
	}
	return &Logger{
		format: format,
		level:  level,
		base:   log.New(w, "", 0),
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriter("text", LevelError+1, io.Discard)
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields ...Field) *Logger {
	child := &Logger{
		format: l.format,
		level:  l.level,
		base:   l.base,
	}
	child.fields = append(append([]Field{}, l.fields...), fields...)
	return child
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.write(LevelDebug, msg, fields...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.write(LevelInfo, msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.write(LevelWarn, msg, fields...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.write(LevelError, msg, fields...)
}

func (l *Logger) write(level Level, msg string, fields ...Field) {
	if l == nil || level < l.level {
		return
	}
	all := fields
	if len(l.fields) > 0 {
		all = append(append([]Field{}, l.fields...), fields...)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "text" {
		l.base.Printf("%s level=%s msg=%q %s", time.Now().Format(time.RFC3339), level, msg, formatFields(all))
		return
	}

	payload := map[string]interface{}{
		"ts":    time.Now().Format(time.RFC3339),
		"level": level.String(),
		"msg":   msg,
	}
	for _, f := range all {
		payload[f.Key] = f.Value
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		l.base.Printf("%s level=error msg=%s err=%v", time.Now().Format(time.RFC3339), "failed to marshal log entry", err)
		return
	}
	l.base.Println(string(encoded))
}

type Field struct {
	Key   string
	Value interface{}
}

// Err is shorthand for the "error" field.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", f.Key, f.Value)
	}
	return b.String()
}
