// pkg/kafka/consumer/consumer.go
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/kafka-gateway/pkg/backoff"
	"github.com/YaganovValera/kafka-gateway/pkg/kafka"
	"github.com/YaganovValera/kafka-gateway/pkg/logger"
)

// -----------------------------------------------------------------------------
// Service label
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel is called once from kafkagateway.InitServiceName.
func SetServiceLabel(name string) { serviceLabel = name }

// -----------------------------------------------------------------------------
// Prometheus metrics
// -----------------------------------------------------------------------------

var consumerMetrics = struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectErrors   *prometheus.CounterVec
	ConsumeErrors   *prometheus.CounterVec
}{
	ConnectAttempts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafka_gateway", Subsystem: "consumer", Name: "connect_attempts_total",
			Help: "Kafka consumer connect attempts",
		},
		[]string{"service"},
	),
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafka_gateway", Subsystem: "consumer", Name: "connect_errors_total",
			Help: "Kafka consumer connect errors",
		},
		[]string{"service"},
	),
	ConsumeErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafka_gateway", Subsystem: "consumer", Name: "consume_errors_total",
			Help: "Errors reported by partition consumers",
		},
		[]string{"service", "topic"},
	),
}

var tracer = otel.Tracer("kafka-consumer")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config holds the fetch tunables of a partition consumer.
type Config struct {
	Brokers         []string
	Topic           string
	ClientID        string
	MinBytes        int32
	MaxBytes        int32
	MaxWait         time.Duration
	SocketTimeout   time.Duration
	MetadataRefresh time.Duration
	Backoff         backoff.Config
}

func (c *Config) applyDefaults() {
	if c.MinBytes <= 0 {
		c.MinBytes = 1
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 100 * time.Millisecond
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("consumer: brokers required")
	}
	if c.Topic == "" {
		return fmt.Errorf("consumer: topic required")
	}
	return nil
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}
	sc.Consumer.Return.Errors = true
	sc.Consumer.Fetch.Min = c.MinBytes
	if c.MaxBytes > 0 {
		sc.Consumer.Fetch.Max = c.MaxBytes
		if sc.Consumer.Fetch.Default > c.MaxBytes {
			sc.Consumer.Fetch.Default = c.MaxBytes
		}
	}
	sc.Consumer.MaxWaitTime = c.MaxWait
	if c.SocketTimeout > 0 {
		sc.Net.DialTimeout = c.SocketTimeout
		sc.Net.ReadTimeout = c.SocketTimeout
		sc.Net.WriteTimeout = c.SocketTimeout
	}
	if c.MetadataRefresh > 0 {
		sc.Metadata.RefreshFrequency = c.MetadataRefresh
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("consumer: sarama config: %w", err)
	}
	return sc, nil
}

// -----------------------------------------------------------------------------
// Consumer implementation
// -----------------------------------------------------------------------------

type partitionConsumer struct {
	topic    string
	consumer sarama.Consumer
	log      *logger.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ kafka.Consumer = (*partitionConsumer)(nil)

// New connects a consumer for cfg.Topic, retrying with cfg.Backoff.
// Offsets are not committed: callers decide where to start.
func New(ctx context.Context, cfg Config, log *logger.Logger) (kafka.Consumer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-consumer")

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	var consumer sarama.Consumer
	connect := func(ctx context.Context) error {
		consumerMetrics.ConnectAttempts.WithLabelValues(serviceLabel).Inc()
		c, err := sarama.NewConsumer(cfg.Brokers, sc)
		if err != nil {
			consumerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			return err
		}
		consumer = c
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(
		attribute.StringSlice("brokers", cfg.Brokers),
		attribute.String("topic", cfg.Topic),
	))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("consumer: connect: %w", err)
	}
	span.End()

	log.Info("kafka consumer connected",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
	)
	return newPartitionConsumer(cfg.Topic, consumer, log), nil
}

func newPartitionConsumer(topic string, c sarama.Consumer, log *logger.Logger) *partitionConsumer {
	return &partitionConsumer{
		topic:    topic,
		consumer: c,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Partitions lists the partitions of the consumer's topic.
func (pc *partitionConsumer) Partitions() ([]int32, error) {
	return pc.consumer.Partitions(pc.topic)
}

// ConsumePartition streams one partition until ctx is done or the
// consumer is closed. The returned channel is closed afterwards.
func (pc *partitionConsumer) ConsumePartition(ctx context.Context, partition int32, offset int64) (<-chan *kafka.Message, error) {
	part, err := pc.consumer.ConsumePartition(pc.topic, partition, offset)
	if err != nil {
		return nil, fmt.Errorf("consumer: partition %d: %w", partition, err)
	}

	out := make(chan *kafka.Message)
	pc.wg.Add(1)
	go func() {
		defer pc.wg.Done()
		defer close(out)
		defer part.AsyncClose()

		for {
			select {
			case <-ctx.Done():
				return
			case <-pc.done:
				return
			case m, ok := <-part.Messages():
				if !ok {
					return
				}
				msg := &kafka.Message{
					Key:       m.Key,
					Value:     m.Value,
					Topic:     m.Topic,
					Partition: m.Partition,
					Offset:    m.Offset,
					Timestamp: m.Timestamp,
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				case <-pc.done:
					return
				}
			case cerr, ok := <-part.Errors():
				if !ok {
					return
				}
				consumerMetrics.ConsumeErrors.WithLabelValues(serviceLabel, pc.topic).Inc()
				pc.log.WithContext(ctx).Error("partition consume error",
					zap.Int32("partition", cerr.Partition),
					zap.Error(cerr.Err),
				)
			}
		}
	}()
	return out, nil
}

// Close ends running partition streams, then stops the underlying consumer.
func (pc *partitionConsumer) Close() error {
	pc.closeOnce.Do(func() { close(pc.done) })
	pc.wg.Wait()
	if err := pc.consumer.Close(); err != nil {
		pc.log.Error("consumer close failed", zap.Error(err))
		return err
	}
	pc.log.Info("kafka consumer closed")
	return nil
}
