package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"storefront/internal/config"
	"storefront/internal/database"
	"storefront/internal/inventory"
	"storefront/internal/logging"
	"storefront/internal/order"
	"storefront/internal/payment"
	"storefront/internal/queue"
	"storefront/internal/router"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger("storefront", cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 数据库：建表 + 可选演示数据
	db, err := database.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	if cfg.SeedDemo {
		if err := database.Seed(db); err != nil {
			return fmt.Errorf("db seed: %w", err)
		}
	}

	// 2. Redis 可选：限流、幂等键、建票锁
	var rdb *rd.Client
	if cfg.RedisAddr != "" {
		rdb = rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rdb.Close()
	} else {
		logger.Warn("REDIS_ADDR not set, rate limit / idempotency / payment lock disabled")
	}

	// 3. outbox -> Kafka
	var wg sync.WaitGroup
	if len(cfg.KafkaBrokers) > 0 {
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer producer.Close()
		relay := queue.NewRelay(db, producer, cfg.OutboxPoll, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx)
		}()
	} else {
		logger.Warn("KAFKA_BROKERS not set, outbox events are stored but not relayed")
	}

	// 4. 业务服务
	uow := database.NewUnitOfWork(db)
	orders := order.NewService(uow, inventory.NewLedger(), logger)
	gateway := payment.NewXenditGateway(cfg.XenditBaseURL, cfg.XenditSecretKey, cfg.GatewayTimeout)
	payments := payment.NewService(uow, orders, gateway, rdb, payment.Options{
		Currency:        cfg.PaymentCurrency,
		InvoiceDuration: cfg.InvoiceDuration,
		AppURL:          cfg.AppURL,
		WebhookToken:    cfg.XenditWebhookToken,
		LockTTL:         2 * cfg.GatewayTimeout,
	}, logger)

	// 5. HTTP
	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		DB:       db,
		Orders:   orders,
		Payments: payments,
		Redis:    rdb,
		Config:   cfg,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		stop()
		wg.Wait()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	wg.Wait()
	return nil
}
