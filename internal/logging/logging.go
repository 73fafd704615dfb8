// Package logging provides the leveled logger shared by the coordinator,
// workers and sinks. Levels can be changed at runtime (the toggledebug
// command and config_update pushes rely on this) and output can be
// redirected to a file for remotely launched workers.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level filters log output. Messages below the configured level are dropped.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the uppercase level name.
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
	return "UNKNOWN"
}

// ParseLevel converts a level name to a Level. Unknown names map to info.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// core is the shared state behind one or more component loggers, so a
// level or output change is visible to every component at once.
type core struct {
	mu    sync.Mutex
	out   io.Writer
	level atomic.Int32
}

// Logger writes timestamped, leveled lines tagged with a component name.
type Logger struct {
	c         *core
	component string
}

// New returns a logger writing to out at the given level.
func New(out io.Writer, level Level) *Logger {
	c := &core{out: out}
	c.level.Store(int32(level))
	return &Logger{c: c}
}

// Default returns a logger writing to stderr at info level.
func Default() *Logger {
	return New(os.Stderr, LevelInfo)
}

// WithComponent returns a logger tagged with name. It shares level and
// output with the receiver.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{c: l.c, component: name}
}

// SetLevel changes the level for this logger and all component loggers
// sharing its core.
func (l *Logger) SetLevel(level Level) {
	l.c.level.Store(int32(level))
}

// Level returns the current level.
func (l *Logger) Level() Level {
	return Level(l.c.level.Load())
}

// SetOutput redirects all future output to w.
func (l *Logger) SetOutput(w io.Writer) {
	l.c.mu.Lock()
	l.c.out = w
	l.c.mu.Unlock()
}

// RedirectToFile opens (appending) the named file and redirects output to
// it. The returned file is owned by the caller.
func (l *Logger) RedirectToFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l.SetOutput(f)
	return f, nil
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.Level() {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	tag := ""
	if l.component != "" {
		tag = " [" + l.component + "]"
	}
	line := fmt.Sprintf("%s - %s -%s %s\n", ts, level, tag, fmt.Sprintf(format, args...))
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	io.WriteString(l.c.out, line)
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }
