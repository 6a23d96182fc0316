package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/posthog/dbsidecar/gateway"
	"github.com/posthog/dbsidecar/pool"
	"github.com/posthog/dbsidecar/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configFile := flag.String("config", os.Getenv("DBSIDECAR_CONFIG"), "Path to YAML config file (env: DBSIDECAR_CONFIG)")

	var cli configCLIInputs
	flag.StringVar(&cli.Host, "host", "", "Loopback host to bind to (env: DBSIDECAR_HOST)")
	flag.IntVar(&cli.Port, "port", 0, "Port to listen on (env: DBSIDECAR_PORT)")
	flag.IntVar(&cli.Workers, "workers", 0, "Concurrent database operations (env: DBSIDECAR_WORKERS)")
	flag.IntVar(&cli.DefaultMaxRows, "default-max-rows", 0, "Row cap when a request omits max_rows, 0 for none (env: DBSIDECAR_DEFAULT_MAX_ROWS)")
	flag.StringVar(&cli.QueryTimeout, "query-timeout", "", "Per-statement timeout, e.g. 30s (env: DBSIDECAR_QUERY_TIMEOUT)")
	flag.StringVar(&cli.LogLevel, "log-level", "", "Log level: debug, info, warn, error (env: DBSIDECAR_LOG_LEVEL)")
	flag.IntVar(&cli.PoolMin, "pool-min", 0, "Connections opened when a pool is created (env: DBSIDECAR_POOL_MIN)")
	flag.IntVar(&cli.PoolMax, "pool-max", 0, "Maximum connections per pool (env: DBSIDECAR_POOL_MAX)")
	flag.IntVar(&cli.PoolIncrement, "pool-increment", 0, "Connections added when a pool grows (env: DBSIDECAR_POOL_INCREMENT)")
	flag.StringVar(&cli.PoolIdleTimeout, "pool-idle-timeout", "", "Idle time before a pool is reaped, e.g. 2m (env: DBSIDECAR_POOL_IDLE_TIMEOUT)")
	flag.StringVar(&cli.PoolReapInterval, "pool-reap-interval", "", "Idle pool scan interval, e.g. 1m (env: DBSIDECAR_POOL_REAP_INTERVAL)")
	flag.StringVar(&cli.PoolWaitMode, "pool-wait-mode", "", "Behaviour when a pool is saturated: wait or nowait (env: DBSIDECAR_POOL_WAIT_MODE)")
	showHelp := flag.Bool("help", false, "Show help message")
	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "dbsidecar - local database gateway for the desktop client\n\n")
		fmt.Fprintf(os.Stderr, "Usage: dbsidecar [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nThe listener is restricted to loopback unless DBSIDECAR_ALLOW_NON_LOOPBACK=true.\n")
		fmt.Fprintf(os.Stderr, "OTLP export is enabled by the standard OTEL_EXPORTER_OTLP_* variables.\n")
		fmt.Fprintf(os.Stderr, "\nPrecedence: CLI flags > environment variables > config file > defaults\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	cli.Set = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { cli.Set[f.Name] = true })

	var fileCfg *FileConfig
	if *configFile != "" {
		loaded, err := loadConfigFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config file: %v\n", err)
			os.Exit(1)
		}
		fileCfg = loaded
	}

	var warnings []string
	resolved := resolveEffectiveConfig(fileCfg, cli, os.Getenv, func(msg string) {
		warnings = append(warnings, msg)
	})

	shutdownLogging := initLogging(resolved.LogLevel)
	defer shutdownLogging()
	if *configFile != "" {
		slog.Info("Loaded configuration file.", "path", *configFile)
	}
	for _, w := range warnings {
		slog.Warn(w)
	}
	shutdownTracing := initTracing(version)

	gin.SetMode(gin.ReleaseMode)

	registry := pool.NewRegistry(resolved.Pool)
	workers := gateway.NewWorkerPool(resolved.Workers)
	gw := gateway.New(registry, workers, gateway.Config{
		QueryTimeout: resolved.QueryTimeout,
		Pool:         resolved.Pool,
	})
	srv := server.New(resolved.Server, gw, registry)
	srv.OnShutdown("worker pool", workers.Close)
	srv.OnShutdown("pool registry", func(context.Context) error {
		registry.CloseAll()
		return nil
	})
	srv.OnShutdown("tracing", func(ctx context.Context) error {
		shutdownTracing(ctx)
		return nil
	})

	registry.Start()

	slog.Info("Sidecar starting.",
		"version", version,
		"addr", srv.Addr(),
		"drivers", strings.Join(pool.Drivers(), ","),
		"workers", workers.Size(),
		"pool_min", resolved.Pool.Min,
		"pool_max", resolved.Pool.Max,
		"pool_idle_timeout", resolved.Pool.IdleTimeout,
		"pool_reap_interval", resolved.Pool.ReapInterval,
		"pool_wait_mode", resolved.Pool.WaitMode)
	slog.Info("Oracle connections use the pure Go thin driver. No Oracle client libraries required.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Received shutdown signal.", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	if err := srv.ListenAndServe(); err != nil {
		slog.Error("Server error.", "error", err)
		_ = srv.Shutdown(context.Background())
		shutdownLogging()
		os.Exit(1)
	}
	// Serve returns as soon as the listener closes; wait for the shutdown
	// sequence started by the signal handler to finish.
	_ = srv.Shutdown(context.Background())
}
