// cmd/kafka-gateway/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	kafkagateway "github.com/YaganovValera/kafka-gateway"
	"github.com/YaganovValera/kafka-gateway/internal/config"
	"github.com/YaganovValera/kafka-gateway/internal/gateway"
	"github.com/YaganovValera/kafka-gateway/pkg/logger"
	"github.com/YaganovValera/kafka-gateway/pkg/shutdown"
	"github.com/YaganovValera/kafka-gateway/pkg/telemetry"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath  string
	brokers     []string
	printConfig bool
}

func (gf *globalFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&gf.configPath, "config", "", "path to a YAML config file")
	fs.StringSliceVarP(&gf.brokers, "broker", "b", nil, "broker address host[:port], repeatable")
	fs.BoolVar(&gf.printConfig, "print-config", false, "print the loaded configuration")
}

// app is what a subcommand gets once config, logging and tracing are up.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	gw       *gateway.Gateway
	shutdown func(context.Context) error
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var gf globalFlags

	root := &cobra.Command{
		Use:           "kafka-gateway",
		Short:         "Publish to and read from Kafka topics through a gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	gf.register(root.PersistentFlags())

	root.AddCommand(newPublishCmd(&gf), newConsumeCmd(&gf))
	return root
}

var initTracer = telemetry.InitTracer

// setup loads configuration and builds a gateway for role.
func setup(ctx context.Context, gf *globalFlags, role gateway.Role) (*app, error) {
	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return nil, err
	}
	if gf.printConfig {
		cfg.Print()
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	kafkagateway.InitServiceName(cfg.ServiceName)

	opts, err := cfg.GatewayOptions()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, shutdown: func(context.Context) error { return nil }}
	if cfg.Telemetry.Enabled() {
		stop, err := initTracer(ctx, cfg.Telemetry, log, attribute.String("gateway.role", role.String()))
		if err != nil {
			return nil, err
		}
		a.shutdown = stop
	}

	gw, err := gateway.New(role, gf.brokers, gateway.WithOptions(opts), gateway.WithLogger(log))
	if err != nil {
		_ = shutdown.Graceful("telemetry", closeTimeout, a.shutdown, log)
		return nil, err
	}
	a.gw = gw

	log.Info("gateway ready",
		zap.String("service", cfg.ServiceName),
		zap.String("role", role.String()),
		zap.Strings("brokers", gw.Hosts()),
	)
	return a, nil
}

const closeTimeout = 10 * time.Second

func (a *app) close() {
	_ = shutdown.Graceful("gateway", closeTimeout, func(context.Context) error {
		return a.gw.Close()
	}, a.log)
	_ = shutdown.Graceful("telemetry", closeTimeout, a.shutdown, a.log)
	a.log.Sync()
}
