// pkg/kafka/producer/producer.go
package producer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
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

var producerMetrics = struct {
	ConnectAttempts *prometheus.CounterVec
	ConnectErrors   *prometheus.CounterVec
	PublishMessages *prometheus.CounterVec
	PublishErrors   *prometheus.CounterVec
	PublishLatency  *prometheus.HistogramVec
}{
	ConnectAttempts: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafka_gateway", Subsystem: "producer", Name: "connect_attempts_total",
			Help: "Kafka producer connect attempts",
		},
		[]string{"service"},
	),
	ConnectErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafka_gateway", Subsystem: "producer", Name: "connect_errors_total",
			Help: "Kafka producer connect errors",
		},
		[]string{"service"},
	),
	PublishMessages: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafka_gateway", Subsystem: "producer", Name: "published_messages_total",
			Help: "Messages handed to the cluster",
		},
		[]string{"service", "topic"},
	),
	PublishErrors: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafka_gateway", Subsystem: "producer", Name: "publish_errors_total",
			Help: "Failed publish calls",
		},
		[]string{"service", "topic"},
	),
	PublishLatency: promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kafka_gateway", Subsystem: "producer", Name: "publish_latency_seconds",
			Help:    "Publish latency (seconds)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	),
}

// -----------------------------------------------------------------------------
// Tracing
// -----------------------------------------------------------------------------

var tracer = otel.Tracer("kafka-producer")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config groups all tunables of a producer client.
//
// Zero durations and empty names are replaced by applyDefaults.
type Config struct {
	// Brokers is the list of "host:port" seed addresses.
	Brokers []string

	// ClientID identifies the client to the cluster. Empty keeps sarama's default.
	ClientID string

	// RequiredAcks: 0 → no response, 1 → leader, -1 → all in-sync replicas.
	RequiredAcks int16

	// Timeout is the maximum time the cluster waits for RequiredAcks.
	Timeout time.Duration

	// Compression: "none" (default), "gzip", "snappy", "lz4", "zstd".
	Compression string

	// Partitioner: "hash" (default), "random", "roundrobin", "reference", "crc32".
	Partitioner string

	// MaxRetries is how many times sarama re-sends a failed message.
	MaxRetries int

	// RetryBackoff is the pause between sarama re-sends.
	RetryBackoff time.Duration

	// SocketTimeout bounds dial, read and write on broker connections.
	SocketTimeout time.Duration

	// MetadataRefresh is the cluster metadata refresh period.
	MetadataRefresh time.Duration

	// Async switches Publish to fire-and-forget on an AsyncProducer.
	Async bool

	// Backoff drives the retries of the initial connection.
	Backoff backoff.Config
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 1500 * time.Millisecond
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.Partitioner == "" {
		c.Partitioner = "hash"
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("producer: brokers required")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Private helpers
// -----------------------------------------------------------------------------

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}

	switch c.RequiredAcks {
	case -1:
		sc.Producer.RequiredAcks = sarama.WaitForAll
	case 1:
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case 0:
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("producer: invalid RequiredAcks %d", c.RequiredAcks)
	}

	// the sync producer requires successes; the async one only reports errors
	sc.Producer.Return.Successes = !c.Async
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout
	sc.Producer.Retry.Max = c.MaxRetries
	if c.RetryBackoff > 0 {
		sc.Producer.Retry.Backoff = c.RetryBackoff
	}
	if c.SocketTimeout > 0 {
		sc.Net.DialTimeout = c.SocketTimeout
		sc.Net.ReadTimeout = c.SocketTimeout
		sc.Net.WriteTimeout = c.SocketTimeout
	}
	if c.MetadataRefresh > 0 {
		sc.Metadata.RefreshFrequency = c.MetadataRefresh
	}

	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("producer: invalid Compression %q", c.Compression)
	}

	switch strings.ToLower(c.Partitioner) {
	case "hash":
		sc.Producer.Partitioner = sarama.NewHashPartitioner
	case "random":
		sc.Producer.Partitioner = sarama.NewRandomPartitioner
	case "roundrobin":
		sc.Producer.Partitioner = sarama.NewRoundRobinPartitioner
	case "reference":
		sc.Producer.Partitioner = sarama.NewReferenceHashPartitioner
	case "crc32":
		sc.Producer.Partitioner = sarama.NewConsistentCRCHashPartitioner
	default:
		return nil, fmt.Errorf("producer: invalid Partitioner %q", c.Partitioner)
	}

	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("producer: sarama config: %w", err)
	}
	return sc, nil
}

func toProducerMessages(tuples []kafka.Tuple) []*sarama.ProducerMessage {
	msgs := make([]*sarama.ProducerMessage, 0, len(tuples))
	for _, t := range tuples {
		msg := &sarama.ProducerMessage{
			Topic: t.Topic,
			Value: sarama.StringEncoder(t.Value),
		}
		if t.Key != "" {
			msg.Key = sarama.StringEncoder(t.Key)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func topicOf(tuples []kafka.Tuple) string {
	if len(tuples) == 0 {
		return ""
	}
	return tuples[0].Topic
}

// -----------------------------------------------------------------------------
// Producer implementation
// -----------------------------------------------------------------------------

type kafkaProducer struct {
	syncProd  sarama.SyncProducer
	asyncProd sarama.AsyncProducer
	client    sarama.Client
	logger    *logger.Logger

	errorsDone sync.WaitGroup
}

var _ kafka.Producer = (*kafkaProducer)(nil)

// New builds a producer client, retrying the connection with cfg.Backoff.
func New(ctx context.Context, cfg Config, log *logger.Logger) (kafka.Producer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-producer")

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	var client sarama.Client
	connect := func(ctx context.Context) error {
		producerMetrics.ConnectAttempts.WithLabelValues(serviceLabel).Inc()
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			producerMetrics.ConnectErrors.WithLabelValues(serviceLabel).Inc()
			return err
		}
		client = c
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		span.End()
		log.Error("kafka producer connect failed", zap.Error(err))
		return nil, fmt.Errorf("producer: connect: %w", err)
	}
	span.End()

	p := &kafkaProducer{client: client, logger: log}
	if cfg.Async {
		ap, err := sarama.NewAsyncProducerFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("producer: async producer: %w", err)
		}
		p.asyncProd = ap
		p.drainErrors()
	} else {
		sp, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("producer: sync producer: %w", err)
		}
		p.syncProd = otelsarama.WrapSyncProducer(sc, sp)
	}

	log.Info("kafka producer ready",
		zap.Strings("brokers", cfg.Brokers),
		zap.Bool("async", cfg.Async),
	)
	return p, nil
}

// Publish hands all tuples to the cluster in one batch.
func (k *kafkaProducer) Publish(ctx context.Context, tuples ...kafka.Tuple) error {
	topic := topicOf(tuples)
	ctx, span := tracer.Start(ctx, "Publish", trace.WithAttributes(
		attribute.String("topic", topic),
		attribute.Int("messages", len(tuples)),
	))
	defer span.End()
	start := time.Now()

	msgs := toProducerMessages(tuples)
	var err error
	if k.asyncProd != nil {
		err = k.enqueue(ctx, msgs)
	} else {
		err = k.syncProd.SendMessages(msgs)
	}
	producerMetrics.PublishLatency.WithLabelValues(serviceLabel).Observe(time.Since(start).Seconds())

	if err != nil {
		producerMetrics.PublishErrors.WithLabelValues(serviceLabel, topic).Inc()
		span.RecordError(err)
		k.logger.WithContext(ctx).Error("publish failed", zap.String("topic", topic), zap.Error(err))
		return err
	}

	producerMetrics.PublishMessages.WithLabelValues(serviceLabel, topic).Add(float64(len(msgs)))
	k.logger.Debug("publish succeeded",
		zap.String("topic", topic),
		zap.Int("messages", len(msgs)),
	)
	return nil
}

func (k *kafkaProducer) enqueue(ctx context.Context, msgs []*sarama.ProducerMessage) error {
	for _, msg := range msgs {
		select {
		case k.asyncProd.Input() <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// drainErrors reports asynchronous delivery failures until the producer closes.
func (k *kafkaProducer) drainErrors() {
	k.errorsDone.Add(1)
	go func() {
		defer k.errorsDone.Done()
		for perr := range k.asyncProd.Errors() {
			producerMetrics.PublishErrors.WithLabelValues(serviceLabel, perr.Msg.Topic).Inc()
			k.logger.Error("async delivery failed",
				zap.String("topic", perr.Msg.Topic),
				zap.Error(perr.Err),
			)
		}
	}()
}

// Close flushes pending messages and releases the client.
func (k *kafkaProducer) Close() error {
	if k.asyncProd != nil {
		k.asyncProd.AsyncClose()
		k.errorsDone.Wait()
	} else if k.syncProd != nil {
		if err := k.syncProd.Close(); err != nil {
			k.logger.Error("producer close failed", zap.Error(err))
			return err
		}
	}
	if k.client != nil && !k.client.Closed() {
		if err := k.client.Close(); err != nil {
			k.logger.Error("client close failed", zap.Error(err))
			return err
		}
	}
	k.logger.Info("kafka producer closed")
	return nil
}
