// cmd/routing-server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/api"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/audit"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/aws"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/config"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/database"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/logger"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/common/queue"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/directory"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/message"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/notify"
	"github.com/ObidientMovementTech/obidient-movement-pg-sub006/internal/resolver"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting routing server...",
		zap.String("app", cfg.App.Name),
		zap.String("version", cfg.App.Version),
	)

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Init Elasticsearch with retry; the audit index is optional ---
	var esClient *database.ElasticsearchClient
	err = retryWithBackoff(func() error {
		var err error
		esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
		if err != nil {
			return err
		}
		return esClient.Ping()
	}, 5, 2*time.Second, zapLog, "Elasticsearch connection")
	if err != nil {
		zapLog.Warn("elasticsearch unavailable, audit analytics degraded to storage", zap.Error(err))
		esClient = nil
	} else {
		zapLog.Info("Elasticsearch connected successfully")
	}

	// --- Init RabbitMQ with retry ---
	var broker *queue.RabbitMQClient
	err = retryWithBackoff(func() error {
		var err error
		broker, err = queue.NewRabbitMQ(cfg.Queue, log)
		return err
	}, 10, 2*time.Second, zapLog, "RabbitMQ connection")
	if err != nil {
		zapLog.Fatal("rabbitmq failed after retries", zap.Error(err))
	}
	defer broker.Close()
	zapLog.Info("RabbitMQ connected successfully")

	// --- Init AWS notification channels ---
	sesClient, err := aws.NewSESClient(ctx, cfg.Notifications.AWS.Region)
	if err != nil {
		zapLog.Fatal("ses client init failed", zap.Error(err))
	}
	snsClient, err := aws.NewSNSClient(ctx, cfg.Notifications.AWS.Region)
	if err != nil {
		zapLog.Fatal("sns client init failed", zap.Error(err))
	}

	// --- Wire the routing engine ---
	dir := directory.NewPostgresDirectory(
		pg.DB,
		directory.NewRedisCache(redis.Client),
		time.Duration(cfg.Directory.CacheTTL)*time.Second,
		log,
	)
	res := resolver.New(dir, log)
	repo := message.NewRepository(pg.DB)

	var indexer *audit.Indexer
	auditQuery := audit.NewQuery(pg.DB, log)
	var auditSvc *audit.Service
	if esClient != nil {
		indexer = audit.NewIndexer(esClient.Client, cfg.Database.Elasticsearch.AuditIndex, log)
		auditSvc = audit.NewService(auditQuery, indexer, log)
	} else {
		auditSvc = audit.NewService(auditQuery, nil, log)
	}

	var msgSvc *message.Service
	if indexer != nil {
		msgSvc = message.NewService(repo, res, broker, indexer, log)
	} else {
		msgSvc = message.NewService(repo, res, broker, nil, log)
	}

	// --- Start the notification dispatcher pool ---
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher := notify.NewDispatcher(cfg.Dispatcher, cfg.Notifications, repo, sesClient, snsClient, log)
	deliveries, err := broker.Consume(runCtx)
	if err != nil {
		zapLog.Fatal("queue consume failed", zap.Error(err))
	}

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(runCtx, deliveries)
	}()
	zapLog.Info("Notification dispatcher started", zap.Int("workers", cfg.Dispatcher.Workers))

	// --- HTTP surface ---
	pingers := map[string]api.Pinger{
		"postgres": func() error { return pg.Ping(context.Background()) },
		"redis":    func() error { return redis.Ping(context.Background()) },
		"rabbitmq": broker.Ping,
	}
	if esClient != nil {
		pingers["elasticsearch"] = esClient.Ping
	}

	server := api.NewServer(msgSvc, auditSvc, dir, pingers, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Millisecond,
	}

	go func() {
		zapLog.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Fatal("http server failed", zap.Error(err))
		}
	}()

	// --- Wait for shutdown signal ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	zapLog.Info("Shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, time.Duration(cfg.Server.ShutdownTimeout)*time.Millisecond)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("http shutdown failed", zap.Error(err))
	}
	msgSvc.Drain()

	cancel()
	select {
	case <-dispatcherDone:
	case <-shutdownCtx.Done():
		zapLog.Warn("dispatcher did not drain in time")
	}

	zapLog.Info("Routing server stopped")
}
