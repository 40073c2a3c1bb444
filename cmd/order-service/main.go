package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nazeru/storefront-orders/internal/order/audit"
	"github.com/nazeru/storefront-orders/internal/order/builder"
	"github.com/nazeru/storefront-orders/internal/order/coupon"
	"github.com/nazeru/storefront-orders/internal/order/httpapi"
	"github.com/nazeru/storefront-orders/internal/order/ledger"
	"github.com/nazeru/storefront-orders/internal/order/lifecycle"
	"github.com/nazeru/storefront-orders/internal/order/service"
	"github.com/nazeru/storefront-orders/internal/order/store"
	"github.com/nazeru/storefront-orders/internal/order/store/memstore"
	"github.com/nazeru/storefront-orders/internal/order/store/pgstore"
	"github.com/nazeru/storefront-orders/pkg/config"
	"github.com/nazeru/storefront-orders/pkg/kafka"
	"github.com/nazeru/storefront-orders/pkg/logging"
	"github.com/nazeru/storefront-orders/pkg/metrics"
	"github.com/nazeru/storefront-orders/pkg/outbox"
	"github.com/nazeru/storefront-orders/pkg/tracing"
)

const serviceName = "order-service"

type backend interface {
	store.Store
	outbox.Source
}

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, serviceName, cfg.OtelEndpoint)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	st, health, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store setup failed", zap.Error(err))
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	core := metrics.NewCoreMetrics(reg, "orders")

	l, a := ledger.New(), audit.New(nil)
	svc := service.New(st,
		builder.New(l, coupon.NewEvaluator(), a),
		lifecycle.New(l, a),
		service.WithLogger(logger),
		service.WithMetrics(core),
		service.WithTopic(cfg.KafkaTopic),
	)

	router := httpapi.NewRouter(svc, httpapi.Options{
		Logger:         logger,
		Metrics:        metrics.NewServerMetrics(reg, "orders"),
		Gatherer:       reg,
		RequestTimeout: cfg.RequestTimeout,
		Health:         health,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		pub := kafka.NewPublisher(brokers)
		defer func() { _ = pub.Close() }()
		relay := &outbox.Relay{
			Source:    st,
			Publisher: pub,
			Batch:     cfg.OutboxBatch,
			Interval:  cfg.OutboxPollInterval,
			Logger:    logger.With(zap.String("step", "outbox_relay")),
			OnSent:    func(n int) { core.OutboxSent.Add(float64(n)) },
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relay.Run(ctx); err != nil {
				logger.Error("outbox relay stopped", zap.Error(err))
			}
		}()
		logger.Info("outbox relay started", zap.Strings("brokers", brokers), zap.String("topic", cfg.KafkaTopic))
	} else {
		logger.Warn("KAFKA_BROKERS is empty, outbox events stay pending")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting HTTP server",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	wg.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	logger.Info("stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, func(context.Context) error, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		st := memstore.New(memstore.WithLockTimeout(cfg.LockTimeout))
		if cfg.SeedDemo {
			st.SeedDemo()
			logger.Info("demo catalog loaded")
		}
		return st, nil, func() {}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	st := pgstore.New(pool, cfg.LockTimeout)
	if err := st.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if cfg.Migrate {
		if err := pgstore.Migrate(connectCtx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		logger.Info("schema migrated")
	}
	return st, st.Ping, pool.Close, nil
}
