// Copyright (c) 2025 @AmarnathCJD

package utils

import (
	"fmt"
	"io"
	"maps"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	TraceLevel LogLevel = iota + 1
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	NoLevel
)

func (l LogLevel) String() string {
	switch l {
	case TraceLevel:
		return "TRACE"
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case NoLevel:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// LevelFromString maps a config-file level name to a LogLevel. Unknown names
// fall back to InfoLevel.
func LevelFromString(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TraceLevel
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "none", "off":
		return NoLevel
	}
	return InfoLevel
}

var (
	colorReset  = "\033[0m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func levelColor(l LogLevel) string {
	switch l {
	case TraceLevel:
		return colorDim
	case DebugLevel:
		return colorCyan
	case InfoLevel:
		return colorGreen
	case WarnLevel:
		return colorYellow
	case ErrorLevel:
		return colorRed
	default:
		return colorReset
	}
}

// Logger is a small leveled logger with chainable configuration, shared by
// every engine component through WithPrefix clones.
type Logger struct {
	mu              sync.RWMutex
	level           LogLevel
	prefix          string
	output          io.Writer
	fields          map[string]any
	color           bool
	timestampFormat string
}

func NewLogger(prefix string) *Logger {
	return &Logger{
		level:           InfoLevel,
		prefix:          prefix,
		output:          os.Stdout,
		fields:          make(map[string]any),
		color:           isTerminal(os.Stdout),
		timestampFormat: "2006-01-02 15:04:05.000",
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}

func (l *Logger) Clone() *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	clone := &Logger{
		level:           l.level,
		prefix:          l.prefix,
		output:          l.output,
		fields:          make(map[string]any),
		color:           l.color,
		timestampFormat: l.timestampFormat,
	}
	maps.Copy(clone.fields, l.fields)
	return clone
}

func (l *Logger) WithPrefix(prefix string) *Logger {
	clone := l.Clone()
	clone.prefix = prefix
	return clone
}

func (l *Logger) WithField(key string, value any) *Logger {
	clone := l.Clone()
	clone.fields[key] = value
	return clone
}

func (l *Logger) WithError(err error) *Logger {
	clone := l.Clone()
	clone.fields["error"] = err
	return clone
}

func (l *Logger) SetLevel(level LogLevel) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < TraceLevel || level > NoLevel {
		level = InfoLevel
	}
	l.level = level
	return l
}

func (l *Logger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

func (l *Logger) SetOutput(w io.Writer) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	l.color = isTerminal(w)
	return l
}

func (l *Logger) SetColor(enabled bool) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.color = enabled
	return l
}

func (l *Logger) SetPrefix(prefix string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prefix = prefix
	return l
}

func (l *Logger) GetPrefix() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prefix
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	l.mu.RLock()
	if level < l.level {
		l.mu.RUnlock()
		return
	}
	out := l.output
	prefix := l.prefix
	color := l.color
	tsFormat := l.timestampFormat
	fields := make(map[string]any, len(l.fields))
	maps.Copy(fields, l.fields)
	l.mu.RUnlock()

	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var b strings.Builder
	b.WriteString(time.Now().Format(tsFormat))
	b.WriteByte(' ')
	if color {
		b.WriteString(levelColor(level))
	}
	fmt.Fprintf(&b, "%-5s", level.String())
	if color {
		b.WriteString(colorReset)
	}
	if prefix != "" {
		b.WriteByte(' ')
		b.WriteString(prefix)
	}
	b.WriteString(" - ")
	b.WriteString(msg)

	if err, ok := fields["error"].(error); ok {
		delete(fields, "error")
		b.WriteString(" error=")
		b.WriteString(err.Error())
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')

	fmt.Fprint(out, b.String())
}

func (l *Logger) Trace(msg string, args ...any) { l.log(TraceLevel, msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.log(DebugLevel, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(InfoLevel, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(WarnLevel, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(ErrorLevel, msg, args...) }
