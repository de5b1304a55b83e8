// Package logging gives the middleware a minimal structured-logging seam so
// it never depends on a concrete logger: callers wire in a zap-backed
// implementation in production and a no-op (or testing.T-backed) one in
// tests.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the subset of structured logging the middleware needs: leveled
// messages with key/value pairs, in the Infow/Warnw/Errorw shape used
// throughout this module's lineage.
type Logger interface {
	Debugw(msg string, kv ...any)
	Infow(msg string, kv ...any)
	Warnw(msg string, kv ...any)
	Errorw(msg string, kv ...any)

	With(kv ...any) Logger
}

// zapLogger adapts *zap.SugaredLogger to Logger.
type zapLogger struct {
	*zap.SugaredLogger
}

// New builds a zap-backed Logger named serviceName. env selects the encoder:
// "production" gets JSON output at Info level, anything else gets a
// colorized development console at Debug level.
func New(serviceName, env string) (Logger, error) {
	cfg := buildConfig(env)

	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &zapLogger{SugaredLogger: z.Named(serviceName).Sugar()}, nil
}

func buildConfig(env string) zap.Config {
	var cfg zap.Config

	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		cfg.DisableStacktrace = true
	default:
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	}

	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.NameKey = "logger"
	cfg.EncoderConfig.CallerKey = zapcore.OmitKey
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stdout"}

	return cfg
}

func (l *zapLogger) Debugw(msg string, kv ...any) { l.SugaredLogger.Debugw(msg, kv...) }
func (l *zapLogger) Infow(msg string, kv ...any)  { l.SugaredLogger.Infow(msg, kv...) }
func (l *zapLogger) Warnw(msg string, kv ...any)  { l.SugaredLogger.Warnw(msg, kv...) }
func (l *zapLogger) Errorw(msg string, kv ...any) { l.SugaredLogger.Errorw(msg, kv...) }

func (l *zapLogger) With(kv ...any) Logger {
	return &zapLogger{SugaredLogger: l.SugaredLogger.With(kv...)}
}

// Nop is a Logger that discards everything, the default when a caller does
// not wire one in.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debugw(string, ...any) {}
func (nopLogger) Infow(string, ...any)  {}
func (nopLogger) Warnw(string, ...any)  {}
func (nopLogger) Errorw(string, ...any) {}
func (l nopLogger) With(...any) Logger  { return l }
