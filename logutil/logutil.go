package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

const LevelTrace slog.Level = -8

// NewLogger returns a text logger that prints TRACE for LevelTrace and
// only the base name of source files.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if attr.Value.Any().(slog.Level) == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

type key string

func Trace(msg string, args ...any) {
	TraceContext(context.WithValue(context.TODO(), key("skip"), 1), msg, args...)
}

func TraceContext(ctx context.Context, msg string, args ...any) {
	logAt(ctx, LevelTrace, msg, args...)
}

// Elapsed logs msg at DEBUG with the time since start. Call it once the
// timed work is done:
//
//	start := time.Now()
//	...
//	logutil.Elapsed("prompt decode", start, "tokens", n)
func Elapsed(msg string, start time.Time, args ...any) {
	logAt(context.TODO(), slog.LevelDebug, msg, append(args, "duration", time.Since(start))...)
}

func logAt(ctx context.Context, level slog.Level, msg string, args ...any) {
	if logger := slog.Default(); logger.Enabled(ctx, level) {
		skip, _ := ctx.Value(key("skip")).(int)
		pc, _, _, _ := runtime.Caller(2 + skip)
		record := slog.NewRecord(time.Now(), level, msg, pc)
		record.Add(args...)
		logger.Handler().Handle(ctx, record)
	}
}
