// Package lg provides structured logging on top of zap.
package lg

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a structured log field.
type Field = zapcore.Field

func Any(key string, value any) Field                { return zap.Any(key, value) }
func String(key, value string) Field                 { return zap.String(key, value) }
func Int(key string, value int) Field                { return zap.Int(key, value) }
func Bool(key string, value bool) Field              { return zap.Bool(key, value) }
func Duration(key string, value time.Duration) Field { return zap.Duration(key, value) }
func Err(err error) Field                            { return zap.Error(err) }

// Stringer logs the value's String() lazily.
func Stringer(key string, value fmt.Stringer) Field { return zap.Stringer(key, value) }

// Logger is the minimal structured logging interface used across leet.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Sync() error
}

// Config holds logging configuration options.
type Config struct {
	Debug  bool
	Format string // "json" or "console"

	// Output overrides the destination (stderr by default).
	Output io.Writer
}

// New builds a zap-backed Logger from cfg.
func New(cfg Config) (Logger, error) {
	var zcfg zap.Config
	if cfg.Debug {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.Sampling = nil
	}

	switch cfg.Format {
	case "", "console":
		zcfg.Encoding = "console"
	case "json":
		zcfg.Encoding = "json"
		zcfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log format %q (must be json or console)", cfg.Format)
	}
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder

	if cfg.Output != nil {
		enc := zapcore.NewConsoleEncoder(zcfg.EncoderConfig)
		if zcfg.Encoding == "json" {
			enc = zapcore.NewJSONEncoder(zcfg.EncoderConfig)
		}
		core := zapcore.NewCore(enc, zapcore.AddSync(cfg.Output), zcfg.Level)
		return &zapLogger{l: zap.New(core)}, nil
	}

	l, err := zcfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &zapLogger{l: l}, nil
}

// zapLogger wraps a *zap.Logger to implement Logger.
type zapLogger struct{ l *zap.Logger }

func (z *zapLogger) Debug(msg string, fields ...Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...Field) { z.l.Error(msg, fields...) }
func (z *zapLogger) With(fields ...Field) Logger       { return &zapLogger{l: z.l.With(fields...)} }
func (z *zapLogger) Sync() error                       { return z.l.Sync() }

// context key type for carrying Logger
type ctxKey struct{}

// Attach returns a new context carrying the provided Logger.
func Attach(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext retrieves the Logger from ctx, or Discard if none was attached.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Discard
}

// noopLogger does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
func (noopLogger) With(...Field) Logger   { return noopLogger{} }
func (noopLogger) Sync() error            { return nil }

// Discard is a Logger that drops everything.
var Discard Logger = noopLogger{}
