package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tickstream/tickstream/api"
	"github.com/tickstream/tickstream/internal/broker"
	"github.com/tickstream/tickstream/internal/cache"
	"github.com/tickstream/tickstream/internal/config"
	"github.com/tickstream/tickstream/internal/database"
	"github.com/tickstream/tickstream/internal/marketfeeds"
	"github.com/tickstream/tickstream/internal/registry"
	"github.com/tickstream/tickstream/internal/session"
	"github.com/tickstream/tickstream/internal/stream"
	"github.com/tickstream/tickstream/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		// The cache degrades to misses and the broker reconnects on its own;
		// an unreachable redis at boot is not fatal.
		zapLogger.Warn("Redis unreachable at startup", zap.Error(err))
	}

	store := cache.NewStore(redisClient, zapLogger)

	feedsSvc, err := marketfeeds.NewService(zapLogger, db)
	if err != nil {
		zapLogger.Fatal("Failed to create market feeds service", zap.Error(err))
	}

	resolver, err := session.NewResolver(feedsSvc, cfg.Session.Timezone, cfg.Session.CryptoLookback, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create session resolver", zap.Error(err))
	}

	reg := registry.New(zapLogger)

	var backbone broker.Broker
	switch cfg.Broker.Backend {
	case "kafka":
		backbone = broker.NewKafkaBroker(cfg.Broker, zapLogger)
	default:
		backbone = broker.NewRedisBroker(redisClient, cfg.Broker, zapLogger)
	}

	streamSvc := stream.NewService(backbone, reg, zapLogger)
	if err := streamSvc.Start(context.Background()); err != nil {
		zapLogger.Fatal("Failed to start stream service", zap.Error(err))
	}

	endpoint := stream.NewEndpoint(reg, store, feedsSvc, cfg.Stream, cfg.Cache.TTL, zapLogger)
	server := api.NewServer(cfg.Server, cfg.Cache.TTL, reg, backbone, store, feedsSvc, resolver, endpoint, zapLogger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		zapLogger.Info("Shutdown signal received", zap.String("signal", s.String()))
	case err := <-errCh:
		if err != nil {
			zapLogger.Error("Server failed", zap.Error(err))
		}
	}

	// Stop accepting new work first, then unwind the delivery path.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP shutdown failed", zap.Error(err))
	}
	streamSvc.Stop()
	if err := backbone.Close(); err != nil {
		zapLogger.Error("Broker close failed", zap.Error(err))
	}
	reg.Close()
	if err := redisClient.Close(); err != nil {
		zapLogger.Error("Redis close failed", zap.Error(err))
	}

	zapLogger.Info("Shutdown complete")
}
