package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PariazaInteligent/fundcore/libs/health"
	"github.com/PariazaInteligent/fundcore/libs/httpmiddleware"
	"github.com/PariazaInteligent/fundcore/libs/kafka"
	"github.com/PariazaInteligent/fundcore/libs/logging"
	"github.com/PariazaInteligent/fundcore/libs/metrics"
	"github.com/PariazaInteligent/fundcore/libs/trace"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/apperr"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/audit"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/config"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/consumer"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/guardrail"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/riskconfig"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/service"
	"github.com/PariazaInteligent/fundcore/services/fund/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	fundMetrics := service.NewMetrics(registry)

	ready := health.NewManager(false)

	if cfg.DB.AutoMigrate {
		if err := storage.Migrate(cfg.DB.DSN()); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
	}

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	ready.AddCheck("postgres", pool.Ping)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	ready.AddCheck("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	})
	riskSource := riskconfig.NewRedisSource(redisClient, cfg.Redis.RiskKey)

	var producer kafka.Publisher
	sinks := audit.Fanout{audit.NewLogSink(logger)}
	if cfg.Kafka.Enabled {
		syncProducer, err := kafka.NewSyncProducer(kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
		}, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		producer = kafka.NewDLQPublisher(syncProducer, syncProducer, cfg.Kafka.Topics.DeadLetter, logger)
		defer producer.Close()
		sinks = append(sinks, audit.NewKafkaSink(producer, cfg.Kafka.Topics.Audit, 5*time.Second, logger, fundMetrics))
	}

	store := storage.NewPostgresStore(pool, logger)
	fund := service.NewFund(store, riskSource, riskSource, sinks, service.Options{
		Limits: guardrail.Limits{
			MaxStakePct:       cfg.Limits.MaxStakePct,
			SportExposureCap:  cfg.Limits.SportExposureCap,
			MarketExposureCap: cfg.Limits.MarketExposureCap,
		},
		FixedFeePct: cfg.Fees.FixedPct,
		RiskTTL:     cfg.Cache.RiskTTL,
		TierTTL:     cfg.Cache.TierTTL,
	}, logger, fundMetrics)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = fund.Bootstrap(bootCtx)
	bootCancel()
	if err != nil {
		logger.Error("fund bootstrap failed", "error", err)
		os.Exit(1)
	}

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()
	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		resultConsumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:     cfg.Kafka.Brokers,
			GroupID:     cfg.Kafka.ConsumerGroup,
			MaxAttempts: cfg.Kafka.MaxAttempts,
			RetryTTL:    cfg.Kafka.RetryTTL,
		}, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		resultConsumer.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)
		defer resultConsumer.Close()

		handler := consumer.NewTradeResultConsumer(fund.Settlement, store, producer, cfg.Kafka.Topics.TradeSettled, logger, fundMetrics)
		go func() {
			defer close(consumerDone)
			logger.Info("trade result consumer starting", "topic", cfg.Kafka.Topics.TradeResults, "group", cfg.Kafka.ConsumerGroup)
			if err := resultConsumer.Consume(consumerCtx, []string{cfg.Kafka.Topics.TradeResults}, handler); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("trade result consumer stopped", "error", err)
			}
		}()
	} else {
		close(consumerDone)
		logger.Warn("kafka disabled; provider results are not consumed and audit records are only logged")
	}

	httpServer := buildHTTPServer(cfg, fund, ready, registry, logger)
	ready.SetReady(true)

	go func() {
		logger.Info("fund http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, consumerCancel, consumerDone, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, fund *service.Fund, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger, "/healthz", "/readyz", cfg.App.MetricsPath))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	ops := router.Group("/ops")
	ops.GET("/nav", navHandler(fund))
	ops.GET("/ledger/integrity", integrityHandler(fund))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func navHandler(fund *service.Fund) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := fund.Units.CalculateNAV(c.Request.Context())
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, apperr.ErrLimit) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"nav":               snap.NAV.StringFixed(6),
			"bank_balance":      snap.BankBalance.StringFixed(2),
			"units_outstanding": snap.UnitsOutstanding.StringFixed(6),
		})
	}
}

func integrityHandler(fund *service.Fund) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := fund.Ledger.VerifyIntegrity(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		status := http.StatusOK
		if !report.Balanced {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"balanced":   report.Balanced,
			"entries":    report.TotalEntries,
			"mismatches": len(report.Mismatches),
			"errors":     report.Errors,
		})
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, consumerDone <-chan struct{}, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	select {
	case <-consumerDone:
	case <-ctx.Done():
		logger.Warn("consumer did not stop before timeout")
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
}
