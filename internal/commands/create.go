// internal/commands/create.go
//
// Package commands holds the write commands run against a relation.
package commands

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/YaganovValera/kafka-gateway/internal/gateway"
	"github.com/YaganovValera/kafka-gateway/pkg/kafka"
	"github.com/YaganovValera/kafka-gateway/pkg/logger"
)

// ErrMissingKey is returned by With when the options carry no "key" entry.
var ErrMissingKey = errors.New("commands: missing key")

// Relation is the target of a command.
type Relation interface {
	Name() string
	Dataset() *gateway.Dataset
}

// CreateOption customises a Create command.
type CreateOption func(*Create)

// Key sets the partition key added to every tuple.
func Key(key string) CreateOption {
	return func(c *Create) { c.key = key }
}

// WithLogger sets the command logger.
func WithLogger(l *logger.Logger) CreateOption {
	return func(c *Create) { c.log = l }
}

// Create publishes payloads to the topic of its relation. A Create is never
// modified after construction; With and WithKey return new commands.
type Create struct {
	rel Relation
	key string
	log *logger.Logger
}

func NewCreate(rel Relation, opts ...CreateOption) *Create {
	c := &Create{rel: rel}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logger.NewNop()
	}
	return c
}

func (c *Create) Relation() Relation { return c.rel }

// Key returns the partition key; empty means tuples carry no key.
func (c *Create) Key() string { return c.key }

// WithKey returns a copy of c using key.
func (c *Create) WithKey(key string) *Create {
	next := *c
	next.key = key
	return &next
}

// With returns a copy of c whose key is opts["key"]; ":key" is read only
// when "key" is absent. A nil value clears the key. Without either entry c
// is left as is and ErrMissingKey is returned.
func (c *Create) With(opts map[string]any) (*Create, error) {
	v, ok := lookupKey(opts)
	if !ok {
		return nil, ErrMissingKey
	}
	if v == nil {
		return c.WithKey(""), nil
	}
	return c.WithKey(stringify(v)), nil
}

func lookupKey(opts map[string]any) (any, bool) {
	for _, k := range []string{"key", ":key"} {
		if v, ok := opts[k]; ok {
			return v, true
		}
	}
	names := make([]string, 0, len(opts))
	for k := range opts {
		if strings.TrimPrefix(strings.TrimSpace(k), ":") == "key" {
			names = append(names, k)
		}
	}
	if len(names) == 0 {
		return nil, false
	}
	sort.Strings(names)
	return opts[names[0]], true
}

// Execute flattens payloads, turns every value into a tuple for the
// relation's topic and publishes them all in one call. The tuples are
// returned in publish order. Publish errors are returned unchanged.
func (c *Create) Execute(ctx context.Context, payloads ...any) ([]kafka.Tuple, error) {
	ds := c.rel.Dataset()
	topic := ds.Topic()

	var values []string
	for _, p := range payloads {
		values = flatten(values, p)
	}
	tuples := make([]kafka.Tuple, len(values))
	for i, v := range values {
		tuples[i] = kafka.Tuple{Value: v, Topic: topic, Key: c.key}
	}

	ctx = logger.ContextWithTopic(ctx, topic)
	prod, err := ds.Producer(ctx)
	if err != nil {
		return nil, err
	}
	if err := prod.Publish(ctx, tuples...); err != nil {
		return nil, err
	}

	c.log.WithContext(ctx).Debug("create executed",
		zap.Int("tuples", len(tuples)),
		zap.Bool("keyed", c.key != ""),
	)
	return tuples, nil
}

// flatten appends the string form of every scalar found in v, walking
// slices and arrays depth first. []byte counts as a scalar.
func flatten(dst []string, v any) []string {
	switch v.(type) {
	case nil, string, []byte, fmt.Stringer, error:
		return append(dst, stringify(v))
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			dst = flatten(dst, rv.Index(i).Interface())
		}
		return dst
	default:
		return append(dst, stringify(v))
	}
}

func stringify(v any) string {
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}
