package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hanlabs/hookd/internal/cache"
	"github.com/hanlabs/hookd/internal/circuitbreaker"
	"github.com/hanlabs/hookd/internal/config"
	"github.com/hanlabs/hookd/internal/coordinator"
	"github.com/hanlabs/hookd/internal/failurebus"
	"github.com/hanlabs/hookd/internal/logging"
	"github.com/hanlabs/hookd/internal/metrics"
	"github.com/hanlabs/hookd/internal/observability"
	"github.com/hanlabs/hookd/internal/rpcgateway"
	"github.com/hanlabs/hookd/internal/slot"
	"github.com/hanlabs/hookd/internal/store"
)

func serveCmd() *cobra.Command {
	var (
		rpcAddr  string
		logLevel string
		embedded bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the coordination daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("rpc-addr") {
				cfg.RPC.Addr = rpcAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("embedded") {
				cfg.Store.Embedded = embedded
			}

			logging.SetLevelFromString(cfg.Observability.Logging.Level)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			if cfg.Observability.Logging.JSONLPath != "" {
				if err := logging.Default().SetOutput(cfg.Observability.Logging.JSONLPath); err != nil {
					logging.Op().Warn("failed to open invocation log", "path", cfg.Observability.Logging.JSONLPath, "error", err)
				}
			}

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			var m *metrics.Metrics
			if cfg.Observability.Metrics.Enabled {
				m = metrics.Init(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
				if cfg.Observability.Metrics.Addr != "" {
					mux := http.NewServeMux()
					mux.Handle("/metrics", m.Handler())
					metricsServer := &http.Server{Addr: cfg.Observability.Metrics.Addr, Handler: mux}
					go func() {
						if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
							logging.Op().Error("metrics server stopped", "error", err)
						}
					}()
					logging.Op().Info("metrics server started", "addr", cfg.Observability.Metrics.Addr)
				}
			}

			ctx := context.Background()
			st, err := store.Open(ctx, cfg.Store.PostgresDSN, cfg.Store.Embedded)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			var hot cache.Cache
			if cfg.Store.Embedded {
				hot = cache.NewInMemoryCache()
			} else {
				hot = cache.NewTieredCache(
					cache.NewInMemoryCache(),
					cache.NewRedisCacheFromClient(redis.NewClient(&redis.Options{
						Addr: cfg.FailureBus.RedisAddr,
						DB:   cfg.FailureBus.RedisDB,
					}), "hookd:hotcache:"),
					cfg.Store.HotCacheTTL,
				)
			}
			st = store.NewHotStore(st, hot, cfg.Store.HotCacheTTL)

			var blobStore store.DurableBlobStore
			if bs, err := store.NewDurableBlobStore(ctx, cfg.Blob.S3Bucket, cfg.Blob.S3Region, cfg.Blob.LocalDir, cfg.Blob.S3AccessKeyID, cfg.Blob.S3SecretKey); err != nil {
				logging.Op().Warn("durable blob store init failed, large output will stay inline", "error", err)
			} else {
				blobStore = bs
			}

			slots := slot.NewManager()
			breakers := circuitbreaker.NewRegistry()

			var bus failurebus.Bus
			if cfg.Store.Embedded {
				bus = failurebus.NewStoreBus(st)
			} else {
				bus = failurebus.NewRedisBus(redis.NewClient(&redis.Options{
					Addr: cfg.FailureBus.RedisAddr,
					DB:   cfg.FailureBus.RedisDB,
				}))
			}

			coord := coordinator.New(st, slots, breakers, bus, m, logging.Default(), cfg.Runner, cfg.CircuitBreaker, blobStore, cfg.Blob.InlineMaxBytes)

			rpcServer := rpcgateway.NewServer(coord, st, slots)
			if err := rpcServer.Start(cfg.RPC.Addr); err != nil {
				return fmt.Errorf("start rpc gateway: %w", err)
			}

			logging.Op().Info("hookd started", "rpc_addr", cfg.RPC.Addr, "store_embedded", cfg.Store.Embedded)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sweepTicker := time.NewTicker(cfg.Slot.SweepInterval)
			defer sweepTicker.Stop()

			for {
				select {
				case <-sigCh:
					logging.Op().Info("shutdown signal received")
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
					if err := coord.GracefulShutdown(shutdownCtx); err != nil {
						logging.Op().Warn("graceful shutdown did not fully drain", "error", err)
					}
					cancel()
					rpcServer.Stop()
					logging.Default().Close()
					return nil
				case <-sweepTicker.C:
					reclaimed, err := st.SlotExpireSweep(context.Background(), time.Now())
					if err != nil {
						logging.Op().Error("slot expire sweep failed", "error", err)
					} else if reclaimed > 0 {
						logging.Op().Debug("slot expire sweep reclaimed leases", "count", reclaimed)
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&rpcAddr, "rpc-addr", "", "RPC gateway listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&embedded, "embedded", false, "use the in-memory store/failure-bus instead of Postgres/Redis")

	return cmd
}
