// Command arbiter runs the request orchestration service.
//
// Usage:
//
//	arbiter serve                       # start the service
//	arbiter serve --config config.yaml  # with a config file
//	arbiter version                     # print version info
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	arbiter "github.com/arbiterhq/arbiter"
	"github.com/arbiterhq/arbiter/cache"
	"github.com/arbiterhq/arbiter/compute"
	"github.com/arbiterhq/arbiter/config"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/server"
	"github.com/arbiterhq/arbiter/quota"
	"github.com/arbiterhq/arbiter/ratelimit"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.BuildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting arbiter",
		zap.String("version", Version),
		zap.String("addr", cfg.Server.Addr))

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})
	defer rdb.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch := arbiter.New(arbiter.Options{
		Client:  compute.NewHTTPClient(cfg.Compute, logger),
		Cache:   cache.New(rdb, cfg.Cache, logger),
		Quota:   quota.NewTracker(cfg.Quota, quota.NewRedisFallbackStore(rdb, ""), logger),
		Limiter: ratelimit.NewLimiter(cfg.RateLimit, logger),
		Fanout:  cfg.Fanout,
		Metrics: metrics.NewCollector("arbiter", registry),
		Logger:  logger,
	})

	handler := newHandler(orch, registry, logger)
	mgr := server.NewManager(handler, cfg.Server, logger)
	if err := mgr.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
	mgr.WaitForShutdown()
}

func printVersion() {
	fmt.Printf("arbiter %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
}

func printUsage() {
	fmt.Println(`arbiter - quota-aware request orchestration service

Usage:
  arbiter serve [--config config.yaml]
  arbiter version
  arbiter help`)
}
