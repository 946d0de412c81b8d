// cmd/gateway/main.go
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"verifier-dispatch/internal/config"
	"verifier-dispatch/internal/gateway"
	redisinfra "verifier-dispatch/internal/infra/redis"
	"verifier-dispatch/internal/presence"
	"verifier-dispatch/internal/tracing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// 1. Init logger, tracer and config
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("verifier-dispatch-gateway", os.Stderr)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatalf("jwt_secret must be set for the gateway")
	}

	// 2. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 3. Connect to the coordination store
	rdb, err := redisinfra.NewClient(rootCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 30*time.Second)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()
	logger.Info("connected to redis", "addr", cfg.RedisAddr)

	// 4. Instantiate components
	keys := redisinfra.NewKeys(cfg.KeyPrefix, cfg.BacklogStream, cfg.DeadLetterStream, cfg.OutcomeChannel)
	queue := redisinfra.NewQueue(rdb, keys, redisinfra.QueueOptions{
		ClaimTTL:        cfg.ClaimTTL,
		MaxRetries:      cfg.MaxRetries,
		EnforceCapacity: cfg.EnforceCapacity,
		DefaultCapacity: cfg.DefaultMaxConcurrency,
	}, logger)
	registry := presence.NewRegistry(rdb, keys, cfg.RebalanceChannel, cfg.HeartbeatTTL, logger)

	gw := gateway.NewServer(queue, registry, gateway.NewAuthenticator(cfg.JWTSecret), gateway.Config{
		MaxVerifiers:          cfg.MaxVerifiers,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		HeartbeatTTL:          cfg.HeartbeatTTL,
		VisibilityTimeout:     cfg.VisibilityTimeout,
		ForwardBlock:          cfg.ForwardBlock,
		DefaultMaxConcurrency: cfg.DefaultMaxConcurrency,
	}, clockwork.NewRealClock(), logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	gw.RegisterRoutes(mux)

	// 5. Start the websocket listener
	logger.Info("gateway listening", "addr", cfg.GatewayListenAddr)
	server := &http.Server{
		Addr:              cfg.GatewayListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway server failed: %v", err)
		}
	}()

	// 6. Block until shutdown signal
	<-rootCtx.Done()
	logger.Info("shutting down gateway gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	// Hijacked websocket connections are not tracked by http.Server.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("connections still open at shutdown deadline", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway server shutdown failed", "error", err)
	}

	logger.Info("gateway shut down")
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
