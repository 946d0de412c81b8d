// cmd/dispatcher/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "verifier-dispatch/internal/api/http"
	"verifier-dispatch/internal/config"
	"verifier-dispatch/internal/dispatcher"
	"verifier-dispatch/internal/domain"
	"verifier-dispatch/internal/infra/etcd"
	redisinfra "verifier-dispatch/internal/infra/redis"
	"verifier-dispatch/internal/presence"
	"verifier-dispatch/internal/tap"
	"verifier-dispatch/internal/tracing"
	"verifier-dispatch/internal/usecase"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Initialize logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("verifier-dispatch-dispatcher", os.Stderr)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	nodeID := uuid.New().String()
	logger.Info("starting dispatcher node", "node_id", nodeID, "enabled", cfg.Enabled)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 4. Connect to the coordination store
	rdb, err := redisinfra.NewClient(rootCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 30*time.Second)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()
	logger.Info("connected to redis", "addr", cfg.RedisAddr)

	// 5. Optional etcd leader election
	var leaderManager domain.LeaderElectionManager
	if len(cfg.EtcdEndpoints) > 0 {
		etcdClient, err := etcd.NewClient(rootCtx, cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			log.Fatalf("Failed to create etcd client: %v", err)
		}
		defer etcdClient.Close()
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)
		leaderManager = etcd.NewEtcdLeaderElectionManager(etcdClient, nodeID, cfg.LeaderElectionTTL, logger)
	}

	// 6. Instantiate components
	keys := redisinfra.NewKeys(cfg.KeyPrefix, cfg.BacklogStream, cfg.DeadLetterStream, cfg.OutcomeChannel)
	queue := redisinfra.NewQueue(rdb, keys, redisinfra.QueueOptions{
		ClaimTTL:        cfg.ClaimTTL,
		MaxRetries:      cfg.MaxRetries,
		EnforceCapacity: cfg.EnforceCapacity,
		DefaultCapacity: cfg.DefaultMaxConcurrency,
	}, logger)
	registry := presence.NewRegistry(rdb, keys, cfg.RebalanceChannel, cfg.HeartbeatTTL, logger)

	ingest := tap.New(rdb, cfg.UpstreamChannel, queue, logger)
	disp := dispatcher.New(queue, registry, registry, dispatcher.Config{
		DispatchInterval:     cfg.DispatchInterval,
		TimeoutCheckInterval: cfg.TimeoutCheckInterval,
		VisibilityTimeout:    cfg.VisibilityTimeout,
		BatchSize:            cfg.BatchSize,
	}, clockwork.NewRealClock(), logger)

	service := usecase.NewDispatcherService(leaderManager, cfg.Enabled, nodeID, nil, logger,
		usecase.RunnerFunc(func(ctx context.Context) error { return ingest.Run(ctx, nil) }),
		disp,
	)

	statusHandler := http_api.NewStatusHandler(
		usecase.NewStatusService(queue, registry, logger),
		func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		service.Running,
		logger,
	)

	// 7. Register routes and metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	statusHandler.RegisterRoutes(mux)

	// 8. Start the dispatcher service
	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := service.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("DispatcherService stopped with error: %v", err)
		}
	}()

	// 9. Start HTTP API server
	logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
	server := &http.Server{
		Addr:              cfg.HttpListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 10. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down dispatcher gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	select {
	case <-serviceDone:
	case <-shutdownCtx.Done():
		logger.Warn("dispatcher service did not stop in time")
	}

	logger.Info("dispatcher shut down")
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
}
