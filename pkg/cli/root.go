// Package cli is the command line every node binary shares.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dostini/gossip-glomers/pkg/config"
	"github.com/dostini/gossip-glomers/pkg/node"
	"github.com/dostini/gossip-glomers/pkg/telemetry"
)

// Env is what a node binary gets to build its behaviour with.
type Env struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics metrics.MetricSink
}

// NodeOptions wires the runtime to the environment. tick is the binary's
// tick interval, zero for none.
func (e *Env) NodeOptions(tick time.Duration) []node.Option {
	return []node.Option{
		node.WithLogger(e.Logger),
		node.WithMetricSink(e.Metrics),
		node.WithMaxInFlight(e.Config.MaxInFlight),
		node.WithTickInterval(tick),
	}
}

type RunFunc func(ctx context.Context, env *Env) error

// NewRootCmd builds the command for a node binary. run is called once the
// configuration is loaded and returns when the node stops.
func NewRootCmd(use, short string, run RunFunc) *cobra.Command {
	v := viper.New()
	conf := config.NewDefaultConfig()

	cmd := &cobra.Command{
		Use:          use,
		Short:        short,
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			*conf = *loaded
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNode(cmd.Context(), conf, run)
		},
	}

	AddFlags(cmd, conf)

	return cmd
}

// AddFlags declares every Config field as a flag defaulting to conf.
func AddFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("log-level", conf.LogLevel, "debug, info, warn, error")
	cmd.Flags().Duration("gossip-interval", conf.GossipInterval, "Time between gossip rounds")
	cmd.Flags().String("gossip-mode", conf.GossipMode, "efficient or full")
	cmd.Flags().Int64("max-in-flight", conf.MaxInFlight, "Max concurrent handlers, 0 for no limit")
	cmd.Flags().Duration("rpc-timeout", conf.RPCTimeout, "Timeout of a key-value request")
	cmd.Flags().String("kv-service", conf.KVService, "seq-kv, lin-kv or lww-kv")
	cmd.Flags().Duration("fetch-interval", conf.FetchInterval, "Time between counter syncs")
	cmd.Flags().String("metrics-listen", conf.MetricsListen, "IP:Port serving /metrics, empty to disable")
	cmd.Flags().String("config-dir", conf.ConfigDir, "Directory holding an optional glomers config file")
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	v.SetEnvPrefix("GLOMERS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if dir := v.GetString("config-dir"); dir != "" {
		v.SetConfigName("glomers")
		v.AddConfigPath(dir)

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	conf := config.NewDefaultConfig()
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return conf, nil
}

func runNode(ctx context.Context, conf *config.Config, run RunFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := conf.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	sink, stopSink, err := telemetry.NewSink(conf.MetricsListen != "")
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer stopSink()

	if conf.MetricsListen != "" {
		go func() {
			if err := telemetry.Serve(ctx, conf.MetricsListen, logger); err != nil {
				logger.Error("metrics server stopped", telemetry.LabelError.L(err))
			}
		}()
	}

	logger.Debug("starting node", slog.Any("config", conf))

	if err := run(ctx, &Env{Config: conf, Logger: logger, Metrics: sink}); err != nil {
		logger.Error("node stopped", telemetry.LabelError.L(err))
		return err
	}
	return nil
}

// Execute runs cmd and exits non-zero on failure.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
