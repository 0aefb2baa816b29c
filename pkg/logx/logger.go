package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

// source yields the zerolog logger to write through at call time.
type source interface {
	current() zerolog.Logger
}

type fixed struct{ zl zerolog.Logger }

func (f fixed) current() zerolog.Logger { return f.zl }

// Logger is a structured logger. The zero value discards everything.
type Logger struct {
	src    source
	fields []Field
}

// Nop returns a logger that never writes.
func Nop() Logger { return Logger{} }

// NewConsole returns a console logger that is not tied to a Service, for use
// before the config is loaded.
func NewConsole(w io.Writer, level string) Logger {
	setupGlobals()
	return Logger{src: fixed{root(newConsoleWriter(w), level)}}
}

// NewWriter returns a JSON logger writing to w at level (debug when empty).
func NewWriter(w io.Writer, level string) Logger {
	setupGlobals()
	if level == "" {
		level = "debug"
	}
	return Logger{src: fixed{root(w, level)}}
}

// IsZero reports whether l was never given a sink.
func (l Logger) IsZero() bool { return l.src == nil }

// With returns a logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	l.fields = append(merged, fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

// callerDepth skips emit and the level method.
const callerDepth = 2

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	if l.src == nil {
		return
	}
	zl := l.src.current()
	if level < zl.GetLevel() {
		return
	}
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(callerDepth); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, set := range l.fields {
		if set != nil {
			set(e)
		}
	}
	for _, set := range fields {
		if set != nil {
			set(e)
		}
	}
	e.Msg(msg)
}
