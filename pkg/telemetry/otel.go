// pkg/telemetry/otel.go
//
// Package telemetry installs the OTLP tracer provider behind the producer
// and consumer spans.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/YaganovValera/kafka-gateway/pkg/logger"
)

// Config drives the OTLP trace exporter. An empty Endpoint disables tracing.
type Config struct {
	Endpoint        string        `mapstructure:"otel_endpoint"`
	ServiceName     string        `mapstructure:"-"`
	ServiceVersion  string        `mapstructure:"-"`
	Insecure        bool          `mapstructure:"insecure"`
	ReconnectPeriod time.Duration `mapstructure:"reconnect_period"`
	Timeout         time.Duration `mapstructure:"timeout"`
	SamplerRatio    float64       `mapstructure:"sampler_ratio"`
}

// Enabled reports whether an exporter endpoint is configured.
func (c Config) Enabled() bool { return c.Endpoint != "" }

func (c *Config) applyDefaults() {
	if c.ServiceVersion == "" {
		c.ServiceVersion = "dev"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ReconnectPeriod <= 0 {
		c.ReconnectPeriod = 5 * time.Second
	}
	if c.SamplerRatio <= 0 || c.SamplerRatio > 1 {
		c.SamplerRatio = 1
	}
}

func (c Config) validate() error {
	switch {
	case c.Endpoint == "":
		return errors.New("telemetry: endpoint is required")
	case c.ServiceName == "":
		return errors.New("telemetry: service name is required")
	}
	return nil
}

func (c Config) sampler() sdktrace.Sampler {
	if c.SamplerRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SamplerRatio))
}

// Resource describes the process: service name and version, messaging
// system kafka, plus attrs (the gateway adds its role).
func (c Config) Resource(attrs ...attribute.KeyValue) (*resource.Resource, error) {
	kv := append([]attribute.KeyValue{
		semconv.ServiceName(c.ServiceName),
		semconv.ServiceVersion(c.ServiceVersion),
		semconv.MessagingSystemKafka,
	}, attrs...)
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, kv...))
}

// InitTracer installs the global TracerProvider and returns a func that
// flushes pending spans and shuts it down.
func InitTracer(ctx context.Context, cfg Config, log *logger.Logger, attrs ...attribute.KeyValue) (func(context.Context) error, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	res, err := cfg.Resource(attrs...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithReconnectionPeriod(cfg.ReconnectPeriod),
		otlptracegrpc.WithTimeout(cfg.Timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(initCtx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.Debug("tracing enabled", zap.String("endpoint", cfg.Endpoint), zap.Float64("ratio", cfg.SamplerRatio))

	// a publish run is short lived, so spans are flushed before shutdown
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		if err := errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx)); err != nil {
			log.Warn("tracer shutdown", zap.Error(err))
			return fmt.Errorf("telemetry: shutdown: %w", err)
		}
		return nil
	}, nil
}
