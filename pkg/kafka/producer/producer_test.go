// pkg/kafka/producer/producer_test.go
package producer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/kafka-gateway/pkg/kafka"
	"github.com/YaganovValera/kafka-gateway/pkg/logger"
)

func valueIs(want string) mocks.ValueChecker {
	return func(val []byte) error {
		if string(val) != want {
			return fmt.Errorf("value = %q; want %q", val, want)
		}
		return nil
	}
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	cases := []struct {
		name     string
		input    Config
		wantErr  bool
		wantComp string
		wantPart string
	}{
		{"empty", Config{}, true, "none", "hash"},
		{"noBrokers", Config{Compression: "gzip"}, true, "gzip", "hash"},
		{"ok", Config{Brokers: []string{"b1:9092"}, Partitioner: "random"}, false, "none", "random"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := c.input
			cfg.applyDefaults()
			assert.Equal(t, 1500*time.Millisecond, cfg.Timeout)
			assert.Equal(t, c.wantComp, cfg.Compression)
			assert.Equal(t, c.wantPart, cfg.Partitioner)
			err := cfg.validate()
			assert.Equal(t, c.wantErr, err != nil, "validate() error = %v", err)
		})
	}
}

func TestBuildSaramaConfig_RequiredAcks(t *testing.T) {
	cases := []struct {
		acks    int16
		want    sarama.RequiredAcks
		wantErr bool
	}{
		{0, sarama.NoResponse, false},
		{1, sarama.WaitForLocal, false},
		{-1, sarama.WaitForAll, false},
		{2, 0, true},
	}
	for _, c := range cases {
		t.Run(fmt.Sprint(c.acks), func(t *testing.T) {
			cfg := Config{RequiredAcks: c.acks, Brokers: []string{"x"}}
			cfg.applyDefaults()
			sc, err := buildSaramaConfig(cfg)
			if c.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.want, sc.Producer.RequiredAcks)
		})
	}
}

func TestBuildSaramaConfig_Compression(t *testing.T) {
	cases := []struct {
		comp    string
		want    sarama.CompressionCodec
		wantErr bool
	}{
		{"none", sarama.CompressionNone, false},
		{"gzip", sarama.CompressionGZIP, false},
		{"snappy", sarama.CompressionSnappy, false},
		{"lz4", sarama.CompressionLZ4, false},
		{"zstd", sarama.CompressionZSTD, false},
		{"GZIP", sarama.CompressionGZIP, false},
		{"bogus", 0, true},
	}
	for _, c := range cases {
		t.Run(c.comp, func(t *testing.T) {
			cfg := Config{Compression: c.comp, Brokers: []string{"x"}}
			cfg.applyDefaults()
			sc, err := buildSaramaConfig(cfg)
			if c.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.want, sc.Producer.Compression)
		})
	}
}

func TestBuildSaramaConfig_Partitioner(t *testing.T) {
	for _, name := range []string{"hash", "random", "roundrobin", "reference", "crc32", "RoundRobin"} {
		cfg := Config{Partitioner: name, Brokers: []string{"x"}}
		cfg.applyDefaults()
		sc, err := buildSaramaConfig(cfg)
		require.NoError(t, err, name)
		assert.NotNil(t, sc.Producer.Partitioner, name)
	}

	cfg := Config{Partitioner: "sticky", Brokers: []string{"x"}}
	cfg.applyDefaults()
	_, err := buildSaramaConfig(cfg)
	require.Error(t, err)
}

func TestBuildSaramaConfig_Tuning(t *testing.T) {
	cfg := Config{
		Brokers:         []string{"x"},
		ClientID:        "gateway-test",
		Timeout:         2 * time.Second,
		MaxRetries:      5,
		RetryBackoff:    250 * time.Millisecond,
		SocketTimeout:   3 * time.Second,
		MetadataRefresh: time.Minute,
	}
	cfg.applyDefaults()
	sc, err := buildSaramaConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, "gateway-test", sc.ClientID)
	assert.Equal(t, 2*time.Second, sc.Producer.Timeout)
	assert.Equal(t, 5, sc.Producer.Retry.Max)
	assert.Equal(t, 250*time.Millisecond, sc.Producer.Retry.Backoff)
	assert.Equal(t, 3*time.Second, sc.Net.DialTimeout)
	assert.Equal(t, 3*time.Second, sc.Net.ReadTimeout)
	assert.Equal(t, 3*time.Second, sc.Net.WriteTimeout)
	assert.Equal(t, time.Minute, sc.Metadata.RefreshFrequency)
	assert.True(t, sc.Producer.Return.Successes)

	cfg.Async = true
	sc, err = buildSaramaConfig(cfg)
	require.NoError(t, err)
	assert.False(t, sc.Producer.Return.Successes)
	assert.True(t, sc.Producer.Return.Errors)
}

func TestToProducerMessages_KeyOnlyWhenSet(t *testing.T) {
	msgs := toProducerMessages([]kafka.Tuple{
		{Value: "a", Topic: "users"},
		{Value: "b", Topic: "users", Key: "k1"},
	})
	require.Len(t, msgs, 2)
	assert.Nil(t, msgs[0].Key)
	assert.Equal(t, sarama.StringEncoder("k1"), msgs[1].Key)
	assert.Equal(t, sarama.StringEncoder("b"), msgs[1].Value)
	assert.Equal(t, "users", msgs[1].Topic)
}

func TestPublish_SendsBatchInOrder(t *testing.T) {
	mockProd := mocks.NewSyncProducer(t, nil)
	mockProd.ExpectSendMessageWithCheckerFunctionAndSucceed(valueIs("a"))
	mockProd.ExpectSendMessageWithCheckerFunctionAndSucceed(valueIs("b"))

	kp := &kafkaProducer{syncProd: mockProd, logger: logger.NewNop()}
	err := kp.Publish(context.Background(),
		kafka.Tuple{Value: "a", Topic: "users"},
		kafka.Tuple{Value: "b", Topic: "users"},
	)
	require.NoError(t, err)
	require.NoError(t, kp.Close())
}

func TestPublish_ErrorReturnedVerbatim(t *testing.T) {
	mockProd := mocks.NewSyncProducer(t, nil)
	mockProd.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	kp := &kafkaProducer{syncProd: mockProd, logger: logger.NewNop()}
	err := kp.Publish(context.Background(), kafka.Tuple{Value: "a", Topic: "users"})
	require.Error(t, err)

	var perrs sarama.ProducerErrors
	require.True(t, errors.As(err, &perrs), "got %T", err)
	require.Len(t, perrs, 1)
	assert.Equal(t, sarama.ErrOutOfBrokers, perrs[0].Err)
	require.NoError(t, kp.Close())
}

func TestPublish_Async(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = false
	mockProd := mocks.NewAsyncProducer(t, cfg)
	mockProd.ExpectInputAndSucceed()
	mockProd.ExpectInputAndFail(sarama.ErrNotLeaderForPartition)

	kp := &kafkaProducer{asyncProd: mockProd, logger: logger.NewNop()}
	kp.drainErrors()

	err := kp.Publish(context.Background(),
		kafka.Tuple{Value: "a", Topic: "users"},
		kafka.Tuple{Value: "b", Topic: "users"},
	)
	require.NoError(t, err, "async publish only reports enqueue failures")
	require.NoError(t, kp.Close())
}

func TestPublish_AsyncCancelled(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = false
	mockProd := mocks.NewAsyncProducer(t, cfg)

	// nothing reads Input() once the mock has no expectations left to serve,
	// so a cancelled context must win the select
	kp := &kafkaProducer{asyncProd: &blockedInput{AsyncProducer: mockProd}, logger: logger.NewNop()}
	kp.drainErrors()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := kp.Publish(ctx, kafka.Tuple{Value: "a", Topic: "users"})
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, kp.Close())
}

// blockedInput hides the mock's input channel behind one nobody reads.
type blockedInput struct {
	*mocks.AsyncProducer
}

func (b *blockedInput) Input() chan<- *sarama.ProducerMessage {
	return make(chan *sarama.ProducerMessage)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{}, logger.NewNop())
	require.Error(t, err)
}

func TestNew_InvalidAcks(t *testing.T) {
	cfg := Config{Brokers: []string{"dummy:9092"}, RequiredAcks: 3}
	_, err := New(context.Background(), cfg, logger.NewNop())
	require.Error(t, err)
}
