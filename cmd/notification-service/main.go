package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	segkafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nazeru/storefront-orders/internal/notify"
	"github.com/nazeru/storefront-orders/internal/order/store/pgstore"
	"github.com/nazeru/storefront-orders/pkg/config"
	"github.com/nazeru/storefront-orders/pkg/kafka"
	"github.com/nazeru/storefront-orders/pkg/logging"
	"github.com/nazeru/storefront-orders/pkg/metrics"
	"github.com/nazeru/storefront-orders/pkg/tracing"
)

const serviceName = "notification-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := logging.New(serviceName, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, serviceName, cfg.OtelEndpoint)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	var inbox notify.Inbox = notify.NewMemoryInbox()
	health := func(context.Context) error { return nil }
	if cfg.StoreDriver == config.DriverPostgres {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db connect error", zap.Error(err))
		}
		defer pool.Close()
		if cfg.Migrate {
			if err := pgstore.Migrate(ctx, pool); err != nil {
				logger.Fatal("migrate failed", zap.Error(err))
			}
		}
		inbox = notify.NewPGInbox(pool)
		health = pool.Ping
	}
	notifier := notify.New(inbox, logger)

	reg := prometheus.NewRegistry()
	srvMetrics := metrics.NewServerMetrics(reg, "notifications")

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		start := time.Now()
		status := http.StatusOK
		if err := health(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": http.StatusText(status)})
		srvMetrics.Requests.WithLabelValues("health", http.StatusText(status)).Inc()
		srvMetrics.LatencyMS.WithLabelValues("health").Observe(float64(time.Since(start).Milliseconds()))
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler(reg)))
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	consumer := kafka.NewConsumer(brokers, cfg.KafkaTopic, cfg.KafkaGroupID)
	defer func() { _ = consumer.Close() }()
	go func() {
		err := consumer.Run(ctx, func(ctx context.Context, msg segkafka.Message) error {
			return notifier.Handle(ctx, msg.Value)
		})
		if err != nil {
			logger.Error("consumer stopped", zap.Error(err))
			stop()
		}
	}()

	go func() {
		logger.Info("notification-service listening", zap.String("port", cfg.Port), zap.String("topic", cfg.KafkaTopic))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = shutdownTracing(shutdownCtx)
	logger.Info("stopped")
}
