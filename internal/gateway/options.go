// internal/gateway/options.go
package gateway

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/YaganovValera/kafka-gateway/internal/brokers"
	"github.com/YaganovValera/kafka-gateway/pkg/backoff"
	"github.com/YaganovValera/kafka-gateway/pkg/kafka/consumer"
	"github.com/YaganovValera/kafka-gateway/pkg/kafka/producer"
)

// Options is the fixed set of gateway tuning options. Nullable options are
// pointers: nil leaves the client library default in place.
type Options struct {
	Hosts                     []string `mapstructure:"hosts"`
	Port                      int      `mapstructure:"port"`
	AckTimeoutMs              int      `mapstructure:"ack_timeout_ms"`
	Async                     bool     `mapstructure:"async"`
	Client                    *string  `mapstructure:"client"`
	CompressionCodec          *string  `mapstructure:"compression_codec"`
	MaxBytes                  int      `mapstructure:"max_bytes"`
	MaxSendRetries            int      `mapstructure:"max_send_retries"`
	MaxWaitMs                 int      `mapstructure:"max_wait_ms"`
	MetadataRefreshIntervalMs int      `mapstructure:"metadata_refresh_interval_ms"`
	MinBytes                  int      `mapstructure:"min_bytes"`
	Partitioner               *string  `mapstructure:"partitioner"`
	RequiredAcks              int      `mapstructure:"required_acks"`
	RetryBackoffMs            int      `mapstructure:"retry_backoff_ms"`
	SocketTimeoutMs           int      `mapstructure:"socket_timeout_ms"`
}

// DefaultOptions returns the option values used when nothing is supplied.
func DefaultOptions() Options {
	return Options{
		Hosts:                     []string{},
		Port:                      brokers.DefaultPort,
		AckTimeoutMs:              1500,
		Async:                     false,
		MaxBytes:                  1048576,
		MaxSendRetries:            3,
		MaxWaitMs:                 100,
		MetadataRefreshIntervalMs: 600000,
		MinBytes:                  1,
		RequiredAcks:              0,
		RetryBackoffMs:            100,
		SocketTimeoutMs:           10000,
	}
}

// DecodeOptions overlays raw on DefaultOptions. Keys are matched by option
// name, so "ack_timeout_ms" and ":ack_timeout_ms" are the same option.
// Unknown keys are dropped. Values are converted weakly ("1000" → 1000).
func DecodeOptions(raw map[string]any) (Options, error) {
	opts := DefaultOptions()
	if len(raw) == 0 {
		return opts, nil
	}

	known := make(map[string]any, len(raw))
	for k, v := range raw {
		name := normalizeName(k)
		if _, ok := optionNames[name]; ok {
			known[name] = v
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
			stringerHook(),
		),
	})
	if err != nil {
		return Options{}, fmt.Errorf("gateway: options decoder: %w", err)
	}
	if err := dec.Decode(known); err != nil {
		return Options{}, fmt.Errorf("gateway: decode options: %w", err)
	}
	return opts, nil
}

var optionNames = func() map[string]struct{} {
	m := make(map[string]struct{})
	for k := range DefaultOptions().Attributes() {
		m[k] = struct{}{}
	}
	return m
}()

// stringerHook lets symbol-like values (anything with String()) fill
// string options.
func stringerHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		s, ok := data.(fmt.Stringer)
		if !ok || to.Kind() != reflect.String {
			return data, nil
		}
		return s.String(), nil
	}
}

// Attributes returns every option by name. Unset nullable options map to nil.
func (o Options) Attributes() map[string]any {
	hosts := make([]string, len(o.Hosts))
	copy(hosts, o.Hosts)
	return map[string]any{
		"hosts":                        hosts,
		"port":                         o.Port,
		"ack_timeout_ms":               o.AckTimeoutMs,
		"async":                        o.Async,
		"client":                       optional(o.Client),
		"compression_codec":            optional(o.CompressionCodec),
		"max_bytes":                    o.MaxBytes,
		"max_send_retries":             o.MaxSendRetries,
		"max_wait_ms":                  o.MaxWaitMs,
		"metadata_refresh_interval_ms": o.MetadataRefreshIntervalMs,
		"min_bytes":                    o.MinBytes,
		"partitioner":                  optional(o.Partitioner),
		"required_acks":                o.RequiredAcks,
		"retry_backoff_ms":             o.RetryBackoffMs,
		"socket_timeout_ms":            o.SocketTimeoutMs,
	}
}

func optional(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (o Options) clone() Options {
	c := o
	c.Hosts = append([]string{}, o.Hosts...)
	c.Client = cloneString(o.Client)
	c.CompressionCodec = cloneString(o.CompressionCodec)
	c.Partitioner = cloneString(o.Partitioner)
	return c
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	s := *p
	return &s
}

// String returns a pointer to s, for filling nullable options.
func String(s string) *string { return &s }

// -----------------------------------------------------------------------------
// Client configuration
// -----------------------------------------------------------------------------

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// connectBackoff gives the initial broker connect the same budget as a
// message send: one attempt plus max_send_retries.
func (o Options) connectBackoff(op string) backoff.Config {
	retries := o.MaxSendRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.Config{
		Op:              op,
		Attempts:        retries + 1,
		InitialInterval: ms(o.RetryBackoffMs),
		MaxInterval:     ms(o.SocketTimeoutMs),
	}
}

// ProducerConfig maps the options onto a producer client config.
func (o Options) ProducerConfig(addrs []string) producer.Config {
	return producer.Config{
		Brokers:         addrs,
		ClientID:        deref(o.Client),
		RequiredAcks:    int16(o.RequiredAcks),
		Timeout:         ms(o.AckTimeoutMs),
		Compression:     strings.TrimPrefix(deref(o.CompressionCodec), ":"),
		Partitioner:     strings.TrimPrefix(deref(o.Partitioner), ":"),
		MaxRetries:      o.MaxSendRetries,
		RetryBackoff:    ms(o.RetryBackoffMs),
		SocketTimeout:   ms(o.SocketTimeoutMs),
		MetadataRefresh: ms(o.MetadataRefreshIntervalMs),
		Async:           o.Async,
		Backoff:         o.connectBackoff("producer.connect"),
	}
}

// ConsumerConfig maps the options onto a consumer client config for topic.
func (o Options) ConsumerConfig(addrs []string, topic string) consumer.Config {
	return consumer.Config{
		Brokers:         addrs,
		Topic:           topic,
		ClientID:        deref(o.Client),
		MinBytes:        int32(o.MinBytes),
		MaxBytes:        int32(o.MaxBytes),
		MaxWait:         ms(o.MaxWaitMs),
		SocketTimeout:   ms(o.SocketTimeoutMs),
		MetadataRefresh: ms(o.MetadataRefreshIntervalMs),
		Backoff:         o.connectBackoff("consumer.connect"),
	}
}
