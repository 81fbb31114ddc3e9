package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/kvcache/internal/api"
	"github.com/oriys/kvcache/internal/cache"
	"github.com/oriys/kvcache/internal/config"
	"github.com/oriys/kvcache/internal/connector"
	"github.com/oriys/kvcache/internal/health"
	"github.com/oriys/kvcache/internal/logging"
	"github.com/oriys/kvcache/internal/metrics"
	"github.com/oriys/kvcache/internal/observability"
	"github.com/oriys/kvcache/internal/store"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr   string
		grpcAddr   string
		logLevel   string
		driver     string
		strategy   string
		uri        string
		database   string
		collection string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the cache HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if flags.Changed("grpc-health") {
				cfg.GRPC.HealthAddr = grpcAddr
			}
			if flags.Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if flags.Changed("driver") {
				cfg.Store.Driver = driver
			}
			if flags.Changed("strategy") {
				cfg.Store.Strategy = strategy
			}
			if flags.Changed("uri") {
				cfg.Store.URI = uri
			}
			if flags.Changed("database") {
				cfg.Store.Database = database
			}
			if flags.Changed("collection") {
				cfg.Store.Collection = collection
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, nil)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (default :8080)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-health", "", "gRPC health listen address (disabled when empty)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&driver, "driver", "", "Store driver ("+strings.Join(store.Drivers(), ", ")+")")
	cmd.Flags().StringVar(&strategy, "strategy", "", "Connection strategy (per-request, pooled)")
	cmd.Flags().StringVar(&uri, "uri", "", "Store URI")
	cmd.Flags().StringVar(&database, "database", "", "Store database name")
	cmd.Flags().StringVar(&collection, "collection", "", "Store collection name")

	return cmd
}

// runDaemon serves until ctx is done or a server fails. When ready is not
// nil it receives the bound HTTP address once the listener is open.
func runDaemon(ctx context.Context, cfg *config.Config, ready chan<- net.Addr) error {
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.LogLevel())

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	settings := cfg.ConnectorSettings()
	if err := settings.Validate(); err != nil {
		return err
	}

	tc := cfg.Observability.Tracing
	if err := observability.Init(ctx, observability.Config{
		Enabled:     tc.Enabled,
		Exporter:    tc.Exporter,
		Endpoint:    tc.Endpoint,
		ServiceName: tc.ServiceName,
		SampleRate:  tc.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := observability.Shutdown(context.Background()); err != nil {
			logging.Op().Warn("tracing shutdown failed", "error", err)
		}
	}()

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	accessLog := logging.Default()
	accessLog.SetEnabled(cfg.HTTP.AccessLog)
	if cfg.HTTP.AccessLogFile != "" {
		if err := accessLog.SetOutput(cfg.HTTP.AccessLogFile); err != nil {
			return fmt.Errorf("open access log: %w", err)
		}
		defer accessLog.Close()
	}

	d, err := store.Open(cfg.Store.Driver)
	if err != nil {
		return err
	}
	conn, err := newConnector(ctx, d, cfg, settings)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout.Std())
		defer cancel()
		if err := conn.Close(closeCtx); err != nil {
			logging.Op().Warn("connector close failed", "error", err)
		}
	}()

	if cfg.Store.EnsureIndex {
		if idx, ok := conn.(interface{ EnsureIndex(context.Context) error }); ok {
			if err := idx.EnsureIndex(ctx); err != nil {
				logging.Op().Warn("failed to ensure key index", logging.Err(err))
			}
		}
	}

	svc := cache.NewService(conn, cache.Options{
		OperationTimeout: cfg.Store.OperationTimeout.Std(),
		Driver:           d.Name(),
	})

	httpServer := api.NewHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
		Cache:         svc,
		MaxValueBytes: cfg.HTTP.MaxValueBytes,
		AccessLog:     accessLog,
	})
	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", httpServer.Addr, err)
	}

	var grpcServer *health.Server
	if cfg.GRPC.HealthAddr != "" {
		grpcServer = health.NewServer(health.Config{
			Pinger:   svc,
			Interval: cfg.Store.HealthCheckInterval.Std(),
		})
		if err := grpcServer.Listen(cfg.GRPC.HealthAddr); err != nil {
			ln.Close()
			return err
		}
	}

	logging.Op().Info("kvcache daemon started",
		"http_addr", ln.Addr().String(),
		"driver", d.Name(),
		"strategy", conn.Strategy(),
		"database", settings.Database,
	)
	if ready != nil {
		ready <- ln.Addr()
	}

	// Group the servers; if any one of them fails the others are stopped.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server terminated: %w", err)
		}
		return nil
	})

	if grpcServer != nil {
		g.Go(grpcServer.Serve)
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Op().Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout.Std())
		defer cancel()
		if grpcServer != nil {
			grpcServer.Stop()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func newConnector(ctx context.Context, d store.Driver, cfg *config.Config, settings connector.Settings) (connector.Connector, error) {
	if cfg.Store.Strategy != connector.StrategyPooled {
		return connector.NewPerRequest(d, settings), nil
	}
	start := time.Now()
	p, err := connector.NewPool(ctx, d, settings, connector.PoolOptions{
		HealthCheckInterval: cfg.Store.HealthCheckInterval.Std(),
		ConnectRetries:      cfg.Store.ConnectRetries,
		DrainTimeout:        cfg.Store.OperationTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	logging.Op().Info("store pool ready", "driver", d.Name(), "duration", time.Since(start))
	return p, nil
}
