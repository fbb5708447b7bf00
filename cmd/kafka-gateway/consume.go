// cmd/kafka-gateway/consume.go
package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/kafka-gateway/internal/gateway"
	"github.com/YaganovValera/kafka-gateway/internal/relation"
	"github.com/YaganovValera/kafka-gateway/pkg/httpserver"
	"github.com/YaganovValera/kafka-gateway/pkg/kafka"
)

// consumedMessage is the printed form of a record.
type consumedMessage struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
	Key       string `json:"key,omitempty"`
	Value     string `json:"value"`
}

func newConsumeCmd(gf *globalFlags) *cobra.Command {
	var (
		topic       string
		partition   int32
		offset      string
		limit       int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Print messages of one topic partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseOffset(offset)
			if err != nil {
				return err
			}

			a, err := setup(cmd.Context(), gf, gateway.RoleConsumer)
			if err != nil {
				return err
			}
			defer a.close()

			if topic == "" {
				topic = a.cfg.Publish.Topic
			}
			rel, err := relation.New(a.gw, topic)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				a.cfg.HTTP.Addr = metricsAddr
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)

			var ready atomic.Bool
			if a.cfg.HTTP.Addr != "" {
				srv, err := httpserver.New(a.cfg.HTTP, func() error {
					if !ready.Load() {
						return fmt.Errorf("consumer for %q not connected", rel.Name())
					}
					return nil
				}, a.log)
				if err != nil {
					return err
				}
				g.Go(func() error { return srv.Start(ctx) })
			}

			g.Go(func() error {
				// the metrics server stops with the stream
				defer cancel()

				c, err := rel.Dataset().Consumer(ctx)
				if err != nil {
					return err
				}
				msgs, err := c.ConsumePartition(ctx, partition, start)
				if err != nil {
					return err
				}
				ready.Store(true)

				seen := 0
				for m := range msgs {
					if err := writeJSON(cmd.OutOrStdout(), toConsumed(m)); err != nil {
						return err
					}
					seen++
					if limit > 0 && seen >= limit {
						break
					}
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "topic to read (default publish.topic)")
	cmd.Flags().Int32VarP(&partition, "partition", "p", 0, "partition to read")
	cmd.Flags().StringVar(&offset, "offset", "newest", `start offset: "oldest", "newest" or a number`)
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after n messages (0 = until interrupted)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics, /healthz and /readyz on this address (default http.addr)")
	return cmd
}

func parseOffset(s string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "oldest":
		return sarama.OffsetOldest, nil
	case "newest", "":
		return sarama.OffsetNewest, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	return n, nil
}

func toConsumed(m *kafka.Message) consumedMessage {
	return consumedMessage{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       string(m.Key),
		Value:     string(m.Value),
	}
}
