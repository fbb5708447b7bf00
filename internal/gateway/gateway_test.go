// internal/gateway/gateway_test.go
package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/kafka-gateway/pkg/kafka"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeProducer struct {
	closed atomic.Bool
}

func (p *fakeProducer) Publish(context.Context, ...kafka.Tuple) error { return nil }
func (p *fakeProducer) Close() error                                  { p.closed.Store(true); return nil }

type fakeConsumer struct{}

func (fakeConsumer) Partitions() ([]int32, error) { return []int32{0}, nil }
func (fakeConsumer) ConsumePartition(context.Context, int32, int64) (<-chan *kafka.Message, error) {
	return nil, nil
}
func (fakeConsumer) Close() error { return nil }

type fakeFactory struct {
	producers atomic.Int32
	consumers atomic.Int32
	failNext  atomic.Bool
	last      *fakeProducer
}

func (f *fakeFactory) NewProducer(context.Context, *Dataset) (kafka.Producer, error) {
	if f.failNext.CompareAndSwap(true, false) {
		return nil, errors.New("dial tcp: connection refused")
	}
	f.producers.Add(1)
	f.last = &fakeProducer{}
	return f.last, nil
}

func (f *fakeFactory) NewConsumer(context.Context, *Dataset) (kafka.Consumer, error) {
	f.consumers.Add(1)
	return fakeConsumer{}, nil
}

func newTestGateway(t *testing.T, role Role, addrs []string, opts Options) (*Gateway, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	g, err := New(role, addrs, WithOptions(opts), WithClientFactory(f))
	require.NoError(t, err)
	return g, f
}

// -----------------------------------------------------------------------------
// Construction
// -----------------------------------------------------------------------------

func TestNew_InvalidRole(t *testing.T) {
	_, err := New(Role("admin"), nil)
	require.ErrorIs(t, err, ErrInvalidRole)

	_, err = ParseRole("admin")
	require.ErrorIs(t, err, ErrInvalidRole)

	for _, in := range []string{"producer", ":producer", " Producer "} {
		r, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, RoleProducer, r)
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(RoleProducer, []string{"host:abc"})
	require.Error(t, err)
}

func TestAttributes_Defaults(t *testing.T) {
	g, _ := newTestGateway(t, RoleProducer, nil, DefaultOptions())

	assert.Equal(t, map[string]any{
		"ack_timeout_ms":               1500,
		"async":                        false,
		"client":                       nil,
		"partitioner":                  nil,
		"compression_codec":            nil,
		"hosts":                        []string{},
		"max_bytes":                    1048576,
		"max_send_retries":             3,
		"max_wait_ms":                  100,
		"metadata_refresh_interval_ms": 600000,
		"min_bytes":                    1,
		"port":                         9092,
		"required_acks":                0,
		"retry_backoff_ms":             100,
		"socket_timeout_ms":            10000,
	}, g.Attributes())
	assert.Equal(t, RoleProducer, g.Role())
}

func TestNew_NoOptionsUsesDefaults(t *testing.T) {
	g, err := New(RoleProducer, nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultOptions().Attributes(), g.Attributes())
	assert.Equal(t, 9092, g.Port())
	assert.Equal(t, 1500, g.AckTimeoutMs())
	assert.Equal(t, 3, g.MaxSendRetries())
	assert.Equal(t, 1, g.MinBytes())
	assert.Equal(t, 1048576, g.MaxBytes())
	assert.Equal(t, []string{"localhost:9092"}, g.Hosts())
}

func TestDecodeOptions_Accessors(t *testing.T) {
	opts, err := DecodeOptions(map[string]any{
		"ack_timeout_ms":               1000,
		"async":                        true,
		":client":                      "foo",
		"compression_codec":            "gzip",
		"max_bytes":                    "1000",
		"max_send_retries":             2,
		"max_wait_ms":                  2000,
		"metadata_refresh_interval_ms": 600,
		"min_bytes":                    1024,
		"port":                         9093,
		"partitioner":                  "roundrobin",
		"required_acks":                1,
		"retry_backoff_ms":             200,
		"socket_timeout_ms":            1000,
		"unknown_key":                  "ignored",
	})
	require.NoError(t, err)

	g, _ := newTestGateway(t, RoleProducer, nil, opts)
	assert.Equal(t, 1000, g.AckTimeoutMs())
	assert.True(t, g.Async())
	assert.Equal(t, "foo", g.Client())
	assert.Equal(t, "gzip", g.CompressionCodec())
	assert.Equal(t, 1000, g.MaxBytes())
	assert.Equal(t, 2, g.MaxSendRetries())
	assert.Equal(t, 2000, g.MaxWaitMs())
	assert.Equal(t, 600, g.MetadataRefreshIntervalMs())
	assert.Equal(t, 1024, g.MinBytes())
	assert.Equal(t, 9093, g.Port())
	assert.Equal(t, "roundrobin", g.Partitioner())
	assert.Equal(t, 1, g.RequiredAcks())
	assert.Equal(t, 200, g.RetryBackoffMs())
	assert.Equal(t, 1000, g.SocketTimeoutMs())

	_, present := g.Attributes()["unknown_key"]
	assert.False(t, present)
}

func TestDecodeOptions_Empty(t *testing.T) {
	opts, err := DecodeOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)
}

func TestHosts(t *testing.T) {
	hosts := []string{"localhost:9092", "127.0.0.1"}
	want := []string{"localhost:9092", "127.0.0.1:9092"}

	t.Run("positional", func(t *testing.T) {
		g, _ := newTestGateway(t, RoleProducer, hosts, DefaultOptions())
		assert.Equal(t, want, g.Hosts())
	})

	t.Run("option", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Hosts = hosts
		g, _ := newTestGateway(t, RoleProducer, nil, opts)
		assert.Equal(t, want, g.Hosts())
		assert.Equal(t, hosts, g.Attributes()["hosts"])
	})

	t.Run("mixed", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Hosts = hosts
		g, _ := newTestGateway(t, RoleProducer, []string{"127.0.0.2:9094"}, opts)
		assert.Equal(t, append([]string{"127.0.0.2:9094"}, want...), g.Hosts())
	})

	t.Run("default", func(t *testing.T) {
		g, _ := newTestGateway(t, RoleProducer, nil, DefaultOptions())
		assert.Equal(t, []string{"localhost:9092"}, g.Hosts())
	})
}

func TestOptions_ReturnsCopy(t *testing.T) {
	opts := DefaultOptions()
	opts.Hosts = []string{"a:1"}
	opts.Client = String("svc")
	g, _ := newTestGateway(t, RoleProducer, nil, opts)

	// mutating the caller's value or a returned copy must not leak in
	opts.Hosts[0] = "mutated"
	*opts.Client = "mutated"
	got := g.Options()
	got.Hosts[0] = "mutated"

	assert.Equal(t, []string{"a:1"}, g.Options().Hosts)
	assert.Equal(t, "svc", g.Client())
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

func TestLookup_Missing(t *testing.T) {
	g, _ := newTestGateway(t, RoleProducer, nil, DefaultOptions())
	assert.Nil(t, g.Lookup("foo"))
	assert.Nil(t, g.Lookup(":foo"))
	assert.False(t, g.HasDataset("foo"))
}

func TestDataset_RegistersOnce(t *testing.T) {
	g, f := newTestGateway(t, RoleProducer, nil, DefaultOptions())

	ds, err := g.Dataset("foobar")
	require.NoError(t, err)
	require.NotNil(t, ds)
	assert.Equal(t, "foobar", ds.Topic())
	assert.Equal(t, RoleProducer, ds.Role())
	assert.Equal(t, g.Attributes(), ds.Attributes())

	again, err := g.Dataset(":foobar")
	require.NoError(t, err)
	assert.Same(t, ds, again)

	assert.Same(t, ds, g.Lookup("foobar"))
	assert.Same(t, ds, g.Lookup(":foobar"))
	assert.True(t, g.HasDataset("foobar"))
	assert.False(t, g.HasDataset("bar"))

	other, err := g.Dataset("users")
	require.NoError(t, err)
	assert.NotSame(t, ds, other)
	assert.Equal(t, []string{"foobar", "users"}, g.Topics())

	// no client until one is asked for
	assert.Zero(t, f.producers.Load())
}

func TestDataset_EmptyTopic(t *testing.T) {
	g, _ := newTestGateway(t, RoleProducer, nil, DefaultOptions())
	_, err := g.Dataset("  ")
	require.ErrorIs(t, err, ErrInvalidTopic)
	_, err = g.Dataset(":")
	require.ErrorIs(t, err, ErrInvalidTopic)
}

func TestDataset_ConcurrentFirstAccess(t *testing.T) {
	g, _ := newTestGateway(t, RoleProducer, nil, DefaultOptions())

	const n = 64
	got := make([]*Dataset, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			name := "users"
			if i%2 == 0 {
				name = ":users"
			}
			ds, err := g.Dataset(name)
			if err == nil {
				got[i] = ds
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range got {
		require.NotNil(t, got[i])
		assert.Same(t, got[0], got[i])
	}
	assert.Equal(t, []string{"users"}, g.Topics())
}

// -----------------------------------------------------------------------------
// Clients
// -----------------------------------------------------------------------------

func TestDataset_ProducerBuiltOnce(t *testing.T) {
	g, f := newTestGateway(t, RoleProducer, nil, DefaultOptions())
	ds, err := g.Dataset("users")
	require.NoError(t, err)

	p1, err := ds.Producer(context.Background())
	require.NoError(t, err)
	p2, err := ds.Producer(context.Background())
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, int32(1), f.producers.Load())

	_, err = ds.Consumer(context.Background())
	require.ErrorIs(t, err, ErrRoleMismatch)
}

func TestDataset_ProducerErrorNotCached(t *testing.T) {
	g, f := newTestGateway(t, RoleProducer, nil, DefaultOptions())
	ds, err := g.Dataset("users")
	require.NoError(t, err)

	f.failNext.Store(true)
	_, err = ds.Producer(context.Background())
	require.EqualError(t, err, "dial tcp: connection refused")

	p, err := ds.Producer(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestDataset_Consumer(t *testing.T) {
	g, f := newTestGateway(t, RoleConsumer, nil, DefaultOptions())
	ds, err := g.Dataset("users")
	require.NoError(t, err)

	c, err := ds.Consumer(context.Background())
	require.NoError(t, err)
	parts, err := c.Partitions()
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, parts)
	assert.Equal(t, int32(1), f.consumers.Load())

	_, err = ds.Producer(context.Background())
	require.ErrorIs(t, err, ErrRoleMismatch)
}

func TestClose_ReleasesClients(t *testing.T) {
	g, f := newTestGateway(t, RoleProducer, nil, DefaultOptions())
	ds, err := g.Dataset("users")
	require.NoError(t, err)
	_, err = ds.Producer(context.Background())
	require.NoError(t, err)

	require.NoError(t, g.Close())
	assert.True(t, f.last.closed.Load())
	require.NoError(t, g.Close())

	_, err = ds.Producer(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	_, err = g.Dataset("orders")
	require.ErrorIs(t, err, ErrClosed)

	// registered datasets stay visible
	assert.Same(t, ds, g.Lookup("users"))
}
