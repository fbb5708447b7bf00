// pkg/logger/logger.go
//
// Package logger wraps zap. Logs go to stderr by default so that command
// output on stdout stays machine readable.
package logger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destination.
type Config struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stderr, stdout or a file path
}

func (c *Config) applyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "json"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

func (c Config) level() (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return lvl, fmt.Errorf("logger: invalid level %q: %w", c.Level, err)
	}
	return lvl, nil
}

func (c Config) encoder() (zapcore.Encoder, error) {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeCaller = zapcore.ShortCallerEncoder

	switch c.Format {
	case "json":
		return zapcore.NewJSONEncoder(ec), nil
	case "console":
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec), nil
	default:
		return nil, fmt.Errorf("logger: invalid format %q", c.Format)
	}
}

// Logger is a thin wrapper over *zap.Logger with a shared adjustable level.
type Logger struct {
	raw   *zap.Logger
	level zap.AtomicLevel
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	cfg.applyDefaults()
	lvl, err := cfg.level()
	if err != nil {
		return nil, err
	}
	enc, err := cfg.encoder()
	if err != nil {
		return nil, err
	}
	sink, _, err := zap.Open(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("logger: open %q: %w", cfg.Output, err)
	}

	level := zap.NewAtomicLevelAt(lvl)
	core := zapcore.NewCore(enc, sink, level)
	raw := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(sink),
	)
	return &Logger{raw: raw, level: level}, nil
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return &Logger{raw: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// SetLevel changes the level of l and every logger derived from it.
func (l *Logger) SetLevel(level string) error {
	lvl, err := Config{Level: level}.level()
	if err != nil {
		return err
	}
	l.level.SetLevel(lvl)
	return nil
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level zapcore.Level) bool { return l.raw.Core().Enabled(level) }

func (l *Logger) Sync() { _ = l.raw.Sync() }

func (l *Logger) Named(name string) *Logger {
	return &Logger{raw: l.raw.Named(name), level: l.level}
}

func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{raw: l.raw.With(fields...), level: l.level}
}

// WithContext adds the topic and request_id carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var fields []zap.Field
	if v, ok := TopicFrom(ctx); ok {
		fields = append(fields, zap.String("topic", v))
	}
	if v, ok := RequestIDFrom(ctx); ok {
		fields = append(fields, zap.String("request_id", v))
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.raw.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.raw.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.raw.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.raw.Error(msg, fields...) }

// -----------------------------------------------------------------------------
// Context
// -----------------------------------------------------------------------------

type ctxKey int

const (
	topicKey ctxKey = iota
	requestIDKey
)

// ContextWithTopic tags ctx with the topic being worked on.
func ContextWithTopic(ctx context.Context, topic string) context.Context {
	return context.WithValue(ctx, topicKey, topic)
}

// ContextWithRequestID tags ctx with a request id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func TopicFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(topicKey).(string)
	return v, ok && v != ""
}

func RequestIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	return v, ok && v != ""
}
