// Payment Reconciler — сервис выверки платёжных сессий.
// Принимает уведомления платёжного шлюза (HTTP webhook и Kafka),
// сводит их с локальным состоянием и отдаёт решение о доступе
// пользователя к платформе.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/credits-platform/internal/handler"
	"example.com/credits-platform/internal/repository"
	"example.com/credits-platform/internal/service"
	syncconsumer "example.com/credits-platform/internal/sync"
	"example.com/credits-platform/pkg/config"
	dbpkg "example.com/credits-platform/pkg/db"
	"example.com/credits-platform/pkg/healthcheck"
	"example.com/credits-platform/pkg/kafka"
	"example.com/credits-platform/pkg/logger"
	"example.com/credits-platform/pkg/metrics"
	"example.com/credits-platform/pkg/tracing"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Инициализируем логгер
	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})

	log := logger.With().Str("service", "payment-reconciler").Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Int("port", cfg.HTTP.Port).
		Msg("Запуск Payment Reconciler")

	// === Observability: Tracing ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "payment-reconciler",
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Подключение к зависимостям ===

	// Подключаемся к MySQL
	db, err := dbpkg.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	// Миграция схемы: payment_sessions (уникальный payment_id, индексы
	// по user_id и payment_id) и credit_transactions
	if cfg.MySQL.AutoMigrate {
		if err := db.AutoMigrate(&repository.SessionModel{}, &repository.CreditTransactionModel{}); err != nil {
			log.Fatal().Err(err).Msg("Ошибка миграции схемы БД")
		}
		log.Info().Msg("Схема БД актуальна")
	}

	// Подключаемся к Redis
	rdb := dbpkg.ConnectRedis(cfg.Redis)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Redis")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Ошибка подключения к Redis")
	}
	cancel()
	log.Info().Msg("Подключение к Redis установлено")

	// ReadinessChecker для /readyz — проверяет MySQL и Redis
	readinessCheck := healthcheck.Composite(
		func(ctx context.Context) error { return healthcheck.CheckMySQL(ctx, db) },
		func(ctx context.Context) error { return healthcheck.CheckRedis(ctx, rdb) },
	)

	// === Observability: Metrics ===

	var metricsServer *metrics.Server
	var metricsWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(
			cfg.Metrics.Addr(),
			"payment-reconciler",
			metrics.WithReadinessCheck(readinessCheck),
		)
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === Инициализация бизнес-логики ===

	sessionRepo := repository.NewSessionRepository(db)
	ledger := repository.NewCreditLedger(db, cfg.Payment.ReferencePrefix)
	accessCache := service.NewAccessCache(rdb, cfg.Payment.AccessCacheTTL)
	paymentService := service.NewPaymentStateService(sessionRepo, ledger, accessCache)

	// Контекст для graceful shutdown
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	// === Kafka consumer событий шлюза ===

	var consumerWg sync.WaitGroup
	var eventConsumer *syncconsumer.EventConsumer
	if cfg.Payment.ConsumerEnabled {
		kafkaCfg := kafka.Config{
			Brokers:       cfg.Kafka.Brokers,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
			DLQTopic:      cfg.Payment.DLQTopic,
		}

		consumer, err := kafka.NewConsumer(kafkaCfg, cfg.Payment.EventsTopic, cfg.Kafka.ConsumerGroup)
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания Kafka Consumer")
		}

		dlqProducer, err := kafka.NewProducer(kafkaCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания Kafka Producer для DLQ")
		}
		defer func() {
			if err := dlqProducer.Close(); err != nil {
				log.Error().Err(err).Msg("Ошибка закрытия DLQ Producer")
			}
		}()
		consumer.SetDLQProducer(dlqProducer)

		eventConsumer = syncconsumer.NewEventConsumer(consumer, paymentService, cfg.Payment.SyncMaxRetries)
		consumerWg.Add(1)
		go func() {
			defer consumerWg.Done()
			if err := eventConsumer.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Kafka consumer завершился с ошибкой")
			}
		}()
	}

	// === HTTP сервер ===

	paymentHandler := handler.NewPaymentHandler(paymentService)
	router := handler.NewRouter(handler.RouterConfig{
		Payments:       paymentHandler,
		ReadinessCheck: readinessCheck,
		Debug:          cfg.IsDevelopment(),
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("Запуск HTTP сервера")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	// === Graceful shutdown ===

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Получен сигнал завершения")

	// Останавливаем consumer и ждём
	cancel()
	if eventConsumer != nil {
		consumerWg.Wait()
		if err := eventConsumer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka consumer")
		}
	}

	// Останавливаем HTTP сервер
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки HTTP сервера")
	}

	// Останавливаем metrics server
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
		metricsWg.Wait()
	}

	// Завершаем tracing (flush spans)
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка завершения tracing")
		}
	}

	log.Info().Msg("Payment Reconciler остановлен")
}
