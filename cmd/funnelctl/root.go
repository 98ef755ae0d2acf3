package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	funnel "github.com/tom2tomtomtom/airflow-sub008"
)

var errNoRedis = errors.New("redis address required: pass --redis-addr or set REDIS_ADDR")

type rootOptions struct {
	configPath string
	envPrefix  string
	redisAddr  string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "funnelctl",
		Short:        "Inspect and exercise workflow funnel metrics",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.envPrefix, "env-prefix", funnel.DefaultEnvPrefix, "environment variable prefix for config overrides")
	cmd.PersistentFlags().StringVar(&opts.redisAddr, "redis-addr", "", "redis address; falls back to REDIS_ADDR")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log engine activity at debug level")

	cmd.AddCommand(
		newLoadtestCommand(opts),
		newAnalyticsCommand(opts),
		newMirrorCommand(opts),
	)

	return cmd
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// session is an engine bound to its Redis client. close releases both,
// plus the embedded miniredis when one was started.
type session struct {
	engine   *funnel.Engine
	addr     string
	embedded bool
	close    func()
}

type sessionOptions struct {
	// allowEmbedded starts an in-process miniredis when no address is
	// configured.
	allowEmbedded bool
	// sink, when set, receives every committed record. Sink dispatch is
	// forced on in blocking mode so no record is dropped while the queue
	// drains within Sink.EmitTimeout.
	sink          funnel.RecordSink
}

// openSession builds an engine from the loaded config.
func openSession(opts *rootOptions, so sessionOptions) (*session, error) {
	cfg, err := funnel.LoadConfig(opts.configPath, opts.envPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if so.sink != nil {
		cfg.Sink.Enabled = true
		cfg.Sink.DropIfFull = false
	}

	logger, err := newLogger(opts.verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	addr := opts.redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		mr       *miniredis.Miniredis
		embedded bool
	)
	if addr == "" {
		if !so.allowEmbedded {
			_ = logger.Sync()
			return nil, errNoRedis
		}
		mr, err = miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("failed to start miniredis: %w", err)
		}
		addr = mr.Addr()
		embedded = true
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{addr},
	})

	builder := funnel.New().
		WithConfig(cfg).
		WithRedis(client).
		WithLogger(logger)
	if so.sink != nil {
		builder = builder.WithRecordSink(so.sink)
	}

	engine, err := builder.Build()
	if err != nil {
		_ = client.Close()
		if mr != nil {
			mr.Close()
		}
		return nil, err
	}

	return &session{
		engine:   engine,
		addr:     addr,
		embedded: embedded,
		close: func() {
			engine.Close()
			_ = client.Close()
			if mr != nil {
				mr.Close()
			}
			_ = logger.Sync()
		},
	}, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
