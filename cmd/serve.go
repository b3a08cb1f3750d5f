package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chhz0/actionq/config"
	"github.com/chhz0/actionq/core"
	"github.com/chhz0/actionq/logging"
	"github.com/chhz0/actionq/retry"
	"github.com/chhz0/actionq/server"
	"github.com/chhz0/actionq/transport"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr    string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if cmd.Flags().Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if cmd.Flags().Changed("workers") {
				cfg.WorkerCount = workers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().IntVar(&workers, "workers", 10, "number of workers")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.GetLogger("serve")

	store, err := config.OpenStorage(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	brokerOpts := []core.BrokerOption{
		core.WithBrokerLogger(logging.GetLogger("broker")),
		core.WithSyncInterval(cfg.SyncInterval),
	}
	if cfg.ClusterMode {
		tr, err := transport.NewRedisTransport(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB,
			transport.WithLogger(logging.GetLogger("transport")))
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("connect cluster transport: %w", err)
		}
		brokerOpts = append(brokerOpts, core.WithTransport(tr))
	}

	broker, err := core.NewHybridBroker(store, cfg.QueueSize, brokerOpts...)
	if err != nil {
		_ = store.Close()
		return err
	}

	executors, err := core.NewExecutors(cfg.Executors)
	if err != nil {
		_ = broker.Close()
		return err
	}

	registry := core.NewActionRegistry(
		core.WithRegistryLogger(logging.GetLogger("registry")),
		core.WithRegistryMetrics(),
	)
	registerBuiltins(registry, logging.GetLogger("handler"))

	pool := core.NewWorkerPool(broker, registry, executors, cfg.WorkerCount,
		core.WithPoolLogger(logging.GetLogger("worker")),
		core.WithRetryManager(newRetryManager(cfg)),
	)

	srv := server.NewServer(server.Config{
		HTTPAddr:        cfg.HTTPAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
		TaskTimeout:     cfg.TaskTimeout,
		MaxRetry:        cfg.MaxRetry,
		Logger:          logging.GetLogger("server"),
	}, broker, registry, pool)

	logger.Info().
		Str("storage", cfg.StorageBackend).
		Bool("cluster", cfg.ClusterMode).
		Strs("actions", registry.Actions()).
		Msg("starting actionq")
	return srv.Run(ctx)
}

// newRetryManager 只提供退避间隔；重试次数由每个任务的 MaxRetry 决定，
// cfg.MaxRetry 仅作为提交时未指定 max_retry 的默认值
func newRetryManager(cfg config.Config) *retry.RetryManager {
	return retry.NewRetryManager(&retry.ExponentialBackoff{
		InitialDelay: cfg.RetryInitial,
		MaxDelay:     cfg.RetryMax,
	})
}
