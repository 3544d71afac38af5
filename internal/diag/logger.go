// Package diag provides the run logger: human-readable lines on stderr and an
// optional JSON-lines event file.
package diag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel maps a level name to a Level. Unknown names map to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event is the shape of one JSON-lines record in the event file.
type Event struct {
	Level string            `json:"level"`
	TS    string            `json:"ts"`
	Comp  string            `json:"comp"`
	Stage string            `json:"stage,omitempty"`
	Code  string            `json:"code,omitempty"`
	File  string            `json:"file,omitempty"`
	Msg   string            `json:"msg"`
	KV    map[string]string `json:"kv,omitempty"`
}

// Logger writes leveled diagnostics. It is safe for concurrent use; a nil
// *Logger discards everything.
type Logger struct {
	prog  string
	level Level
	w     io.Writer
	sink  io.WriteCloser
	json  slog.Handler

	mu   sync.Mutex
	once map[string]bool
}

// New returns a logger writing human-readable lines to w (stderr when nil).
func New(prog string, level Level, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{prog: prog, level: level, w: w, once: make(map[string]bool)}
}

// OpenEventFile additionally mirrors every event at or above the logger level
// as a JSON line into path (appending).
func (l *Logger) OpenEventFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	l.mu.Lock()
	l.sink = f
	l.json = slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug, ReplaceAttr: eventAttr})
	l.mu.Unlock()
	return nil
}

// eventAttr renames the built-in slog keys to the Event field names.
func eventAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.TimeKey:
		return slog.String("ts", a.Value.Time().UTC().Format(time.RFC3339))
	case slog.LevelKey:
		return slog.String(slog.LevelKey, strings.ToLower(a.Value.String()))
	}
	return a
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case Debug:
		return slog.LevelDebug
	case Warn:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (ev Event) record(lv Level) slog.Record {
	r := slog.NewRecord(time.Now(), lv.slogLevel(), ev.Msg, 0)
	r.AddAttrs(slog.String("comp", ev.Comp))
	for _, kv := range [][2]string{{"stage", ev.Stage}, {"code", ev.Code}, {"file", ev.File}} {
		if kv[1] != "" {
			r.AddAttrs(slog.String(kv[0], kv[1]))
		}
	}
	if len(ev.KV) > 0 {
		r.AddAttrs(slog.Any("kv", ev.KV))
	}
	return r
}

// Close closes the event file, if any.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		return nil
	}
	err := l.sink.Close()
	l.sink, l.json = nil, nil
	return err
}

// Enabled reports whether lv would be written.
func (l *Logger) Enabled(lv Level) bool {
	return l != nil && lv >= l.level
}

func (l *Logger) log(lv Level, ev Event) {
	if !l.Enabled(lv) {
		return
	}
	var line strings.Builder
	line.WriteString(l.prog)
	line.WriteString(": ")
	if lv != Info {
		line.WriteString(lv.String())
		line.WriteString(": ")
	}
	if ev.File != "" {
		line.WriteString(ev.File)
		line.WriteString(": ")
	}
	line.WriteString(ev.Msg)
	line.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.w, line.String())
	if l.json == nil {
		return
	}
	if err := l.json.Handle(context.Background(), ev.record(lv)); err != nil {
		fmt.Fprintf(l.w, "%s: logger sink error: %v\n", l.prog, err)
		_ = l.sink.Close()
		l.sink, l.json = nil, nil
	}
}

// Debugf logs a debug message for comp.
func (l *Logger) Debugf(comp, format string, args ...any) {
	l.log(Debug, Event{Comp: comp, Msg: fmt.Sprintf(format, args...)})
}

// Infof logs an info message for comp.
func (l *Logger) Infof(comp, format string, args ...any) {
	l.log(Info, Event{Comp: comp, Msg: fmt.Sprintf(format, args...)})
}

// Warnf logs a warning for comp.
func (l *Logger) Warnf(comp, format string, args ...any) {
	l.log(Warn, Event{Comp: comp, Msg: fmt.Sprintf(format, args...)})
}

// WarnOnce logs msg the first time key is seen and drops it afterwards.
func (l *Logger) WarnOnce(comp, key, msg string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	seen := l.once[key]
	l.once[key] = true
	l.mu.Unlock()
	if seen {
		return
	}
	l.log(Warn, Event{Comp: comp, Msg: msg})
}

// FileError logs err against file, tagged with its classification code.
func (l *Logger) FileError(comp, file string, err error) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: string(Classify(err)), File: file, Msg: err.Error()})
}

// FileDebug logs a debug-level note against file.
func (l *Logger) FileDebug(comp, file string, err error) {
	l.log(Debug, Event{Comp: comp, Code: string(Classify(err)), File: file, Msg: err.Error()})
}

// Finish records the end of a component's work with counters.
func (l *Logger) Finish(comp, msg string, start time.Time, kv map[string]string) {
	if kv == nil {
		kv = make(map[string]string, 1)
	}
	kv["dur_ms"] = fmt.Sprintf("%d", time.Since(start).Milliseconds())
	l.log(Debug, Event{Comp: comp, Stage: "finish", Msg: msg, KV: kv})
}
