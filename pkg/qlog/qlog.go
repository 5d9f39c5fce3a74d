// Package qlog is the module's structured-logging wrapper, built on
// go.uber.org/zap. The teacher itself reaches for the standard library's
// log.Printf, but the wider retrieval pack (neo-go in particular) logs
// through zap; SPEC_FULL.md's ambient-stack section adopts zap across this
// module rather than carrying the one teacher file's stdlib usage forward.
package qlog

import (
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a *zap.SugaredLogger scoped to one session, identified by a
// correlation ID so interleaved worker-process logs can be split back out.
type Logger struct {
	s *zap.SugaredLogger
}

// New builds a production JSON logger at the given level.
func New(level string) (*Logger, error) {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		return nil, err
	}
	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{s: base.Sugar()}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

// Session returns a child logger tagged with a fresh correlation ID, used
// once per worker process at startup.
func (l *Logger) Session() (*Logger, string) {
	id := uuid.NewString()
	return &Logger{s: l.s.With("session_id", id)}, id
}

func (l *Logger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }
func (l *Logger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }

// Fatal logs and exits, matching the teacher's "unrecoverable at startup"
// call sites (e.g. failure to bind the vsock listener).
func (l *Logger) Fatal(msg string, kv ...any) {
	l.s.Errorw(msg, kv...)
	os.Exit(1)
}

// Sync flushes buffered log entries; deferred once from main.
func (l *Logger) Sync() error {
	return l.s.Sync()
}
