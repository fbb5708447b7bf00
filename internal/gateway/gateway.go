// internal/gateway/gateway.go
//
// Package gateway holds the connection settings for one role on one
// cluster and hands out a single Dataset per topic.
package gateway

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/YaganovValera/kafka-gateway/internal/brokers"
	"github.com/YaganovValera/kafka-gateway/pkg/logger"
)

var (
	ErrInvalidRole  = errors.New("gateway: invalid role")
	ErrInvalidTopic = errors.New("gateway: invalid topic")
	ErrRoleMismatch = errors.New("gateway: role mismatch")
	ErrClosed       = errors.New("gateway: closed")
)

// -----------------------------------------------------------------------------
// Service label & metrics
// -----------------------------------------------------------------------------

var serviceLabel = "unknown"

// SetServiceLabel is called once from kafkagateway.InitServiceName.
func SetServiceLabel(name string) { serviceLabel = name }

var gatewayMetrics = struct {
	DatasetsBuilt *prometheus.CounterVec
}{
	DatasetsBuilt: promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kafka_gateway", Subsystem: "gateway", Name: "datasets_built_total",
			Help: "Datasets registered, one per topic and gateway",
		},
		[]string{"service", "role"},
	),
}

// -----------------------------------------------------------------------------
// Role
// -----------------------------------------------------------------------------

// Role tells whether datasets hand out producers or consumers.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// ParseRole accepts "producer" or "consumer" in any case, with or
// without a leading ':'.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(normalizeName(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

func (r Role) Valid() bool { return r == RoleProducer || r == RoleConsumer }

func (r Role) String() string { return string(r) }

// normalizeName is the canonical form of topic and option names: symbol
// style ":users" and " users " both become "users".
func normalizeName(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), ":")
}

// -----------------------------------------------------------------------------
// Gateway
// -----------------------------------------------------------------------------

// Option customises a Gateway.
type Option func(*Gateway)

// WithOptions replaces DefaultOptions. Start from DefaultOptions or
// DecodeOptions; fields left zero are taken as given.
func WithOptions(opts Options) Option {
	return func(g *Gateway) { g.opts = opts.clone() }
}

// WithLogger sets the logger used by the gateway and its datasets.
func WithLogger(l *logger.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithClientFactory replaces the sarama backed client factory.
func WithClientFactory(f ClientFactory) Option {
	return func(g *Gateway) { g.factory = f }
}

// Gateway is safe for concurrent use. Role, options and brokers never
// change after New; the dataset registry only grows.
type Gateway struct {
	role    Role
	opts    Options
	brokers brokers.Set
	factory ClientFactory
	log     *logger.Logger

	mu       sync.RWMutex
	datasets map[string]*Dataset
	order    []string
	closed   bool
	group    singleflight.Group
}

// New builds a gateway with DefaultOptions unless WithOptions is given.
// addrs are merged with the hosts option into the broker list; the port
// option fills in addresses that have no port.
func New(role Role, addrs []string, options ...Option) (*Gateway, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, string(role))
	}

	g := &Gateway{
		role:     role,
		opts:     DefaultOptions(),
		datasets: make(map[string]*Dataset),
	}
	for _, o := range options {
		o(g)
	}

	set, err := brokers.New(brokers.Options{Hosts: g.opts.Hosts, Port: g.opts.Port}, addrs...)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	g.brokers = set

	if g.log == nil {
		g.log = logger.NewNop()
	}
	g.log = g.log.Named("gateway")
	if g.factory == nil {
		g.factory = NewSaramaFactory(g.log)
	}

	g.log.Debug("gateway configured",
		zap.String("role", role.String()),
		zap.Strings("brokers", set.Strings()),
	)
	return g, nil
}

func (g *Gateway) Role() Role                 { return g.role }
func (g *Gateway) Brokers() brokers.Set       { return g.brokers }
func (g *Gateway) Hosts() []string            { return g.brokers.Strings() }
func (g *Gateway) Options() Options           { return g.opts.clone() }
func (g *Gateway) Attributes() map[string]any { return g.opts.Attributes() }

func (g *Gateway) Port() int                      { return g.opts.Port }
func (g *Gateway) AckTimeoutMs() int              { return g.opts.AckTimeoutMs }
func (g *Gateway) Async() bool                    { return g.opts.Async }
func (g *Gateway) Client() string                 { return deref(g.opts.Client) }
func (g *Gateway) CompressionCodec() string       { return deref(g.opts.CompressionCodec) }
func (g *Gateway) MaxBytes() int                  { return g.opts.MaxBytes }
func (g *Gateway) MaxSendRetries() int            { return g.opts.MaxSendRetries }
func (g *Gateway) MaxWaitMs() int                 { return g.opts.MaxWaitMs }
func (g *Gateway) MetadataRefreshIntervalMs() int { return g.opts.MetadataRefreshIntervalMs }
func (g *Gateway) MinBytes() int                  { return g.opts.MinBytes }
func (g *Gateway) Partitioner() string            { return deref(g.opts.Partitioner) }
func (g *Gateway) RequiredAcks() int              { return g.opts.RequiredAcks }
func (g *Gateway) RetryBackoffMs() int            { return g.opts.RetryBackoffMs }
func (g *Gateway) SocketTimeoutMs() int           { return g.opts.SocketTimeoutMs }

// Lookup returns the dataset registered under name, or nil.
func (g *Gateway) Lookup(name string) *Dataset {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.datasets[normalizeName(name)]
}

// HasDataset reports whether name already has a dataset.
func (g *Gateway) HasDataset(name string) bool {
	return g.Lookup(name) != nil
}

// Dataset returns the dataset for topic, registering it on first use.
// Concurrent first calls for one topic all get the same instance.
func (g *Gateway) Dataset(topic string) (*Dataset, error) {
	name := normalizeName(topic)
	if name == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if ds := g.Lookup(name); ds != nil {
		return ds, nil
	}

	v, err, _ := g.group.Do(name, func() (any, error) {
		return g.register(name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Dataset), nil
}

func (g *Gateway) register(name string) (*Dataset, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ds, ok := g.datasets[name]; ok {
		return ds, nil
	}
	if g.closed {
		return nil, ErrClosed
	}

	ds := newDataset(g.role, name, g.opts.clone(), g.brokers, g.factory, g.log)
	g.datasets[name] = ds
	g.order = append(g.order, name)

	gatewayMetrics.DatasetsBuilt.WithLabelValues(serviceLabel, g.role.String()).Inc()
	g.log.Debug("dataset registered", zap.String("topic", name))
	return ds, nil
}

// Topics lists registered topics in registration order.
func (g *Gateway) Topics() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Close releases every dataset client. Datasets can no longer be
// registered afterwards.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	datasets := make([]*Dataset, 0, len(g.order))
	for _, name := range g.order {
		datasets = append(datasets, g.datasets[name])
	}
	g.mu.Unlock()

	var errs error
	for _, ds := range datasets {
		errs = multierr.Append(errs, ds.Close())
	}
	if errs != nil {
		g.log.Error("gateway close failed", zap.Error(errs))
		return errs
	}
	g.log.Debug("gateway closed", zap.Int("datasets", len(datasets)))
	return nil
}
