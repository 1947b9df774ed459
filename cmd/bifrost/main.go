// Package main provides the Bifrost CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orneryd/bifrost/pkg/auth"
	"github.com/orneryd/bifrost/pkg/cache"
	"github.com/orneryd/bifrost/pkg/config"
	"github.com/orneryd/bifrost/pkg/dispatch"
	"github.com/orneryd/bifrost/pkg/duck"
	"github.com/orneryd/bifrost/pkg/flight"
	"github.com/orneryd/bifrost/pkg/metrics"
	"github.com/orneryd/bifrost/pkg/server"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bifrost",
		Short: "Bifrost - SQL query gateway for embedded DuckDB",
		Long: `Bifrost serves SQL queries against embedded DuckDB databases over
HTTP, WebSocket, and Arrow Flight.

Features:
  • Arrow IPC and JSON result payloads
  • Result cache with entry and byte budgets
  • Coalescing of concurrent identical queries
  • Bounded per-database connection pools
  • Running-query listing and cancellation`,
	}

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Bifrost v%s (%s)\n", version, commit)
		},
	})

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Bifrost gateway",
		Long:  "Start the gateway with HTTP, WebSocket, and optional Arrow Flight endpoints",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to a YAML config file")
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides config)")
	serveCmd.Flags().Int("flight-port", 0, "Arrow Flight port (overrides config)")
	serveCmd.Flags().Bool("flight", false, "Enable the Arrow Flight listener")
	serveCmd.Flags().String("databases", "", `Databases as "id=path,id=path" (overrides config)`)
	rootCmd.AddCommand(serveCmd)

	// Hash-token command, for generating auth.token config values.
	hashCmd := &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash of a bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
	rootCmd.AddCommand(hashCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if port, _ := cmd.Flags().GetInt("flight-port"); port > 0 {
		cfg.Flight.Port = port
		cfg.Flight.Enabled = true
	}
	if on, _ := cmd.Flags().GetBool("flight"); on {
		cfg.Flight.Enabled = true
	}
	if dbs, _ := cmd.Flags().GetString("databases"); dbs != "" {
		parsed := config.ParseDatabases(dbs)
		if len(parsed) == 0 {
			return fmt.Errorf("invalid --databases value %q", dbs)
		}
		cfg.Databases = parsed
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	server.Version = fmt.Sprintf("%s-%s", version, commit)

	fmt.Printf("🚀 Starting Bifrost v%s\n", version)
	fmt.Printf("   %s\n", cfg)
	fmt.Println()

	// Engine and pools
	executor, err := duck.NewExecutor(duck.Config{
		Databases:       cfg.Databases,
		DefaultDatabase: cfg.Default,
		PoolSize:        cfg.Pool.Size,
		AcquireTimeout:  cfg.Pool.AcquireTimeout,
		DefaultMaxRows:  cfg.Server.MaxRows,
	}, log)
	if err != nil {
		return fmt.Errorf("opening databases: %w", err)
	}
	defer executor.Close()

	// Result cache
	var resultCache *cache.ResultCache
	if cfg.Cache.Enabled {
		resultCache, err = cache.NewResultCache(cfg.Cache.MaxEntries, cfg.CacheMaxBytes(), cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("creating cache: %w", err)
		}
	}

	// Dispatcher
	collector := metrics.NewCollector("bifrost")
	dispatcher, err := dispatch.New(executor, resultCache, nil, collector, log, dispatch.Config{
		Workers: cfg.Server.Workers,
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	defer dispatcher.Close()

	// Auth
	verifier, err := auth.New(auth.Config{
		Enabled: cfg.Auth.Enabled,
		Token:   cfg.Auth.Token,
	}, log)
	if err != nil {
		return err
	}

	// HTTP server
	serverConfig := server.DefaultConfig()
	serverConfig.Address = cfg.Server.Address
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout

	httpServer, err := server.New(dispatcher, serverConfig,
		server.WithLogger(log),
		server.WithPools(executor),
		server.WithCache(resultCache),
		server.WithAuth(verifier),
		server.WithMetrics(collector),
	)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	// Arrow Flight server
	var flightServer *flight.Server
	if cfg.Flight.Enabled {
		flightServer, err = flight.New(dispatcher, &flight.Config{
			Address: cfg.Server.Address,
			Port:    cfg.Flight.Port,
		}, log)
		if err != nil {
			return fmt.Errorf("creating flight server: %w", err)
		}
		if err := flightServer.Start(); err != nil {
			return fmt.Errorf("starting flight server: %w", err)
		}
	}

	// Pool gauges refresh in the background.
	poolStatsDone := make(chan struct{})
	go publishPoolStats(executor, collector, poolStatsDone)

	fmt.Println("✅ Bifrost is ready!")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Printf("  • Query:        http://%s/query\n", httpServer.Addr())
	fmt.Printf("  • WebSocket:    ws://%s/query/ws\n", httpServer.Addr())
	if flightServer != nil {
		fmt.Printf("  • Arrow Flight: grpc://%s\n", flightServer.Addr())
	}
	fmt.Printf("  • Health:       http://%s/healthz\n", httpServer.Addr())
	fmt.Printf("  • Status:       http://%s/status\n", httpServer.Addr())
	fmt.Printf("  • Metrics:      http://%s/metrics\n", httpServer.Addr())
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	// Block until shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\n🛑 Shutting down...")
	close(poolStatsDone)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if flightServer != nil {
		flightServer.Stop()
	}
	if err := httpServer.Stop(ctx); err != nil {
		return fmt.Errorf("stopping server: %w", err)
	}

	fmt.Println("✅ Gateway stopped gracefully")
	return nil
}

// publishPoolStats mirrors pool occupancy into the Prometheus gauges.
func publishPoolStats(executor *duck.Executor, collector *metrics.Collector, done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for id, stats := range executor.PoolStats() {
				collector.PoolInUse.WithLabelValues(id).Set(float64(stats.InUse))
				collector.PoolWaiters.WithLabelValues(id).Set(float64(stats.Waiters))
				collector.PoolResets.WithLabelValues(id).Set(float64(stats.Resets))
			}
		}
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
