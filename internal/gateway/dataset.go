// internal/gateway/dataset.go
package gateway

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/YaganovValera/kafka-gateway/internal/brokers"
	"github.com/YaganovValera/kafka-gateway/pkg/kafka"
	"github.com/YaganovValera/kafka-gateway/pkg/kafka/consumer"
	"github.com/YaganovValera/kafka-gateway/pkg/kafka/producer"
	"github.com/YaganovValera/kafka-gateway/pkg/logger"
)

// ClientFactory builds the broker clients behind a Dataset.
type ClientFactory interface {
	NewProducer(ctx context.Context, ds *Dataset) (kafka.Producer, error)
	NewConsumer(ctx context.Context, ds *Dataset) (kafka.Consumer, error)
}

// -----------------------------------------------------------------------------
// Dataset
// -----------------------------------------------------------------------------

// Dataset is the per-topic handle of a gateway. Its client is built on first
// use and reused until Close.
type Dataset struct {
	role    Role
	topic   string
	opts    Options
	brokers brokers.Set
	factory ClientFactory
	log     *logger.Logger

	mu       sync.Mutex
	producer kafka.Producer
	consumer kafka.Consumer
	closed   bool
}

func newDataset(role Role, topic string, opts Options, set brokers.Set, f ClientFactory, log *logger.Logger) *Dataset {
	return &Dataset{
		role:    role,
		topic:   topic,
		opts:    opts,
		brokers: set,
		factory: f,
		log:     log.With(zap.String("topic", topic)),
	}
}

func (d *Dataset) Role() Role                 { return d.role }
func (d *Dataset) Topic() string              { return d.topic }
func (d *Dataset) Brokers() brokers.Set       { return d.brokers }
func (d *Dataset) Options() Options           { return d.opts.clone() }
func (d *Dataset) Attributes() map[string]any { return d.opts.Attributes() }

// Producer returns the topic's producer, connecting on first call. A failed
// connect is returned as is and retried on the next call.
func (d *Dataset) Producer(ctx context.Context) (kafka.Producer, error) {
	if d.role != RoleProducer {
		return nil, fmt.Errorf("%w: %s dataset %q has no producer", ErrRoleMismatch, d.role, d.topic)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.producer == nil {
		p, err := d.factory.NewProducer(ctx, d)
		if err != nil {
			return nil, err
		}
		d.producer = p
		d.log.Debug("producer ready")
	}
	return d.producer, nil
}

// Consumer returns the topic's consumer, connecting on first call.
func (d *Dataset) Consumer(ctx context.Context) (kafka.Consumer, error) {
	if d.role != RoleConsumer {
		return nil, fmt.Errorf("%w: %s dataset %q has no consumer", ErrRoleMismatch, d.role, d.topic)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.consumer == nil {
		c, err := d.factory.NewConsumer(ctx, d)
		if err != nil {
			return nil, err
		}
		d.consumer = c
		d.log.Debug("consumer ready")
	}
	return d.consumer, nil
}

// Close releases the client, if one was built.
func (d *Dataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var err error
	if d.producer != nil {
		err = multierr.Append(err, d.producer.Close())
	}
	if d.consumer != nil {
		err = multierr.Append(err, d.consumer.Close())
	}
	if err != nil {
		return fmt.Errorf("gateway: close %q: %w", d.topic, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sarama factory
// -----------------------------------------------------------------------------

type saramaFactory struct {
	log *logger.Logger
}

// NewSaramaFactory returns the factory used when none is configured.
func NewSaramaFactory(log *logger.Logger) ClientFactory {
	return &saramaFactory{log: log}
}

func (f *saramaFactory) NewProducer(ctx context.Context, ds *Dataset) (kafka.Producer, error) {
	cfg := ds.opts.ProducerConfig(ds.brokers.Strings())
	return producer.New(logger.ContextWithTopic(ctx, ds.topic), cfg, f.log)
}

func (f *saramaFactory) NewConsumer(ctx context.Context, ds *Dataset) (kafka.Consumer, error) {
	cfg := ds.opts.ConsumerConfig(ds.brokers.Strings(), ds.topic)
	return consumer.New(logger.ContextWithTopic(ctx, ds.topic), cfg, f.log)
}
