// pkg/backoff/backoff.go
//
// Package backoff retries broker connects on a bounded attempt budget.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/YaganovValera/kafka-gateway/pkg/logger"
)

var serviceLabel = "unknown"

// SetServiceLabel is called once from kafkagateway.InitServiceName.
func SetServiceLabel(name string) { serviceLabel = name }

var metrics = struct {
	Attempts *prometheus.CounterVec
	GaveUp   *prometheus.CounterVec
	Delay    *prometheus.HistogramVec
}{
	Attempts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafka_gateway", Subsystem: "backoff", Name: "attempts_total",
			Help: "Calls made under a retry budget",
		},
		[]string{"service", "op"},
	),
	GaveUp: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafka_gateway", Subsystem: "backoff", Name: "gave_up_total",
			Help: "Operations that failed on every attempt",
		},
		[]string{"service", "op"},
	),
	Delay: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kafka_gateway", Subsystem: "backoff", Name: "delay_seconds",
			Help:    "Wait before the next attempt",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"service", "op"},
	),
}

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// Config is a retry budget. Attempts counts every call of the function,
// so Attempts 1 means no retry. Zero and negative values mean 1.
type Config struct {
	Op              string        `mapstructure:"op"`
	Attempts        int           `mapstructure:"attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	Jitter          float64       `mapstructure:"jitter"`
}

func (c *Config) applyDefaults() {
	if c.Op == "" {
		c.Op = "default"
	}
	if c.Attempts < 1 {
		c.Attempts = 1
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.Jitter == 0 {
		c.Jitter = 0.5
	}
}

func (c Config) validate() error {
	switch {
	case c.Jitter < 0 || c.Jitter > 1:
		return fmt.Errorf("backoff: jitter %v outside [0,1]", c.Jitter)
	case c.Multiplier < 1:
		return fmt.Errorf("backoff: multiplier %v below 1", c.Multiplier)
	}
	return nil
}

func (c Config) strategy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialInterval
	exp.MaxInterval = c.MaxInterval
	exp.Multiplier = c.Multiplier
	exp.RandomizationFactor = c.Jitter
	exp.MaxElapsedTime = 0 // the attempt cap bounds the loop
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.Attempts-1)), ctx)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ExhaustedError wraps the last failure once the budget is spent.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("backoff: %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Permanent stops the loop after the current attempt.
func Permanent(err error) error { return backoff.Permanent(err) }

// -----------------------------------------------------------------------------
// Retry
// -----------------------------------------------------------------------------

// Execute calls fn until it succeeds, returns a Permanent error, ctx ends
// or cfg.Attempts calls have failed.
func Execute(ctx context.Context, cfg Config, log *logger.Logger, fn func(context.Context) error) error {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return err
	}

	attempts := 0
	op := func() error {
		attempts++
		metrics.Attempts.WithLabelValues(serviceLabel, cfg.Op).Inc()
		err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.Delay.WithLabelValues(serviceLabel, cfg.Op).Observe(wait.Seconds())
		log.Warn("retrying",
			zap.String("op", cfg.Op),
			zap.Int("attempt", attempts),
			zap.Int("of", cfg.Attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, cfg.strategy(ctx), notify)
	if err == nil {
		return nil
	}
	metrics.GaveUp.WithLabelValues(serviceLabel, cfg.Op).Inc()

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return &ExhaustedError{Op: cfg.Op, Attempts: attempts, Err: err}
}
