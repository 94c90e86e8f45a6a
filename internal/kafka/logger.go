package kafka

import (
	"context"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Logger adapts slog to the franz-go client logger.
type Logger struct {
	l     *slog.Logger
	level kgo.LogLevel
}

// NewLogger returns a client logger writing through l. The client log level
// follows the most verbose level l has enabled, capped at info.
func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	l = l.With("component", "kafka")

	ctx := context.Background()
	level := kgo.LogLevelError
	switch {
	case l.Enabled(ctx, slog.LevelDebug):
		level = kgo.LogLevelDebug
	case l.Enabled(ctx, slog.LevelInfo):
		level = kgo.LogLevelInfo
	case l.Enabled(ctx, slog.LevelWarn):
		level = kgo.LogLevelWarn
	}
	return &Logger{l: l, level: level}
}

// Level implements kgo.Logger.
func (l *Logger) Level() kgo.LogLevel {
	return l.level
}

// Log implements kgo.Logger.
func (l *Logger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	l.l.Log(context.Background(), slogLevel(level), msg, keyvals...)
}

func slogLevel(level kgo.LogLevel) slog.Level {
	switch level {
	case kgo.LogLevelError:
		return slog.LevelError
	case kgo.LogLevelWarn:
		return slog.LevelWarn
	case kgo.LogLevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
