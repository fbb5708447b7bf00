// cmd/kafka-gateway/publish.go
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/YaganovValera/kafka-gateway/internal/commands"
	"github.com/YaganovValera/kafka-gateway/internal/gateway"
	"github.com/YaganovValera/kafka-gateway/internal/relation"
	"github.com/YaganovValera/kafka-gateway/pkg/kafka"
	"github.com/YaganovValera/kafka-gateway/pkg/logger"
)

func newPublishCmd(gf *globalFlags) *cobra.Command {
	var (
		topic string
		key   string
		stdin bool
	)

	cmd := &cobra.Command{
		Use:   "publish [payload...]",
		Short: "Publish payloads to a topic in one batch and print the tuples sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			payloads := append([]string(nil), args...)
			if stdin {
				lines, err := readLines(cmd.InOrStdin())
				if err != nil {
					return err
				}
				payloads = append(payloads, lines...)
			}

			a, err := setup(cmd.Context(), gf, gateway.RoleProducer)
			if err != nil {
				return err
			}
			defer a.close()

			if topic == "" {
				topic = a.cfg.Publish.Topic
			}
			if !cmd.Flags().Changed("key") {
				key = a.cfg.Publish.Key
			}

			rel, err := relation.New(a.gw, topic)
			if err != nil {
				return err
			}
			create := commands.NewCreate(rel, commands.Key(key), commands.WithLogger(a.log))

			ctx := logger.ContextWithRequestID(cmd.Context(), uuid.NewString())
			tuples, err := create.Execute(ctx, payloads)
			if err != nil {
				return fmt.Errorf("publish to %q: %w", rel.Name(), err)
			}
			return writeTuples(cmd.OutOrStdout(), tuples)
		},
	}
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "target topic (default publish.topic)")
	cmd.Flags().StringVarP(&key, "key", "k", "", "partition key added to every message")
	cmd.Flags().BoolVar(&stdin, "stdin", false, "also publish every line read from stdin")
	return cmd
}

// readLines returns the non-empty lines of r.
func readLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return out, nil
}

// writeJSON writes v as a single JSON line.
func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func writeTuples(w io.Writer, tuples []kafka.Tuple) error {
	for _, t := range tuples {
		if err := writeJSON(w, t); err != nil {
			return err
		}
	}
	return nil
}
