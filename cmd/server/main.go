package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-budget-transfers/internal/app"
	"github.com/pesio-ai/be-budget-transfers/internal/client"
	"github.com/pesio-ai/be-budget-transfers/internal/config"
	"github.com/pesio-ai/be-budget-transfers/internal/handler"
	"github.com/pesio-ai/be-budget-transfers/internal/lock"
	"github.com/pesio-ai/be-budget-transfers/internal/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/middleware"
	"github.com/pesio-ai/be-budget-transfers/internal/rpc"
	"github.com/pesio-ai/be-budget-transfers/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("storage", cfg.Storage.Driver).
		Msg("Starting Budget Transfers Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	stores, closeStores, err := app.OpenStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer closeStores()

	// Distributed lock
	var locker service.Locker = lock.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		opts := lock.DefaultOptions()
		opts.Expiry = cfg.Redis.LockExpiry
		opts.Tries = cfg.Redis.LockTries
		locker = lock.NewRedisLocker(rdb, opts, log.Logger)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis lock backend enabled")
	}

	// Notifications
	var notifier service.NotificationPublisherInterface
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service.Name))
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		js, err := jetstream.New(nc)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create JetStream context")
		}
		notifier = client.NewNotificationPublisher(js, cfg.NATS.SubjectPrefix, log.Logger)
		log.Info().Str("url", cfg.NATS.URL).Msg("Notification publishing enabled")
	}

	// Initialize services
	svc := app.NewServices(stores, locker, notifier, log)

	// Setup HTTP routes
	mux := http.NewServeMux()
	handler.NewHTTPHandler(svc.Transfers, svc.Engine, svc.Templates, svc.Pivot, log).Register(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.Tracing(cfg.Service.Name)(h)
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS(strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "*"), ","))(h)
	h = middleware.Timeout(time.Duration(getEnvInt("HTTP_HANDLER_TIMEOUT_SECONDS", 30)) * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer()
	rpc.RegisterApprovalServiceServer(grpcServer, handler.NewGRPCHandler(svc.Engine, svc.Transfers, log.Logger))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(rpc.ApprovalServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as int or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		_, err := fmt.Sscanf(value, "%d", &result)
		if err == nil {
			return result
		}
	}
	return defaultValue
}
