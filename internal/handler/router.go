// Package handler содержит HTTP обработчики сервиса выверки платежей.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/credits-platform/pkg/logger"
	"example.com/credits-platform/pkg/metrics"
)

// serviceName — имя сервиса в метриках и tracing spans.
const serviceName = "payment-reconciler"

// ReadinessChecker — функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// Router — конфигурация HTTP роутера.
type Router struct {
	engine         *gin.Engine
	payments       *PaymentHandler
	readinessCheck ReadinessChecker
}

// RouterConfig — параметры для создания роутера.
type RouterConfig struct {
	Payments       *PaymentHandler
	ReadinessCheck ReadinessChecker // опциональная проверка готовности для /readyz
	Debug          bool             // Режим отладки Gin
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	engine.Use(gin.Recovery())

	// OpenTelemetry tracing — создаёт spans для Jaeger
	engine.Use(otelgin.Middleware(serviceName))

	// Prometheus метрики — requests_total, request_duration_seconds
	engine.Use(metrics.GinMetricsMiddleware(serviceName))

	// trace_id на каждый запрос: принимаем от API gateway или генерируем
	engine.Use(traceIDMiddleware())

	r := &Router{
		engine:         engine,
		payments:       cfg.Payments,
		readinessCheck: cfg.ReadinessCheck,
	}

	r.setupRoutes()
	return r
}

// setupRoutes настраивает все маршруты API.
func (r *Router) setupRoutes() {
	// Health endpoints
	r.engine.GET("/healthz", r.livenessCheck) // k8s liveness probe
	r.engine.GET("/readyz", r.readyCheck)     // k8s readiness probe

	api := r.engine.Group("/api/v1")
	{
		payments := api.Group("/payments")
		{
			payments.POST("/webhook", r.payments.Webhook)
			payments.POST("/attempts", r.payments.RegisterAttempt)
			payments.POST("/:payment_id/complete", r.payments.Complete)
		}

		users := api.Group("/users")
		{
			users.GET("/:user_id/access", r.payments.Access)
			users.GET("/:user_id/payments/latest", r.payments.LatestSession)
		}
	}
}

// Engine возвращает настроенный gin.Engine (для тестов и http.Server).
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// livenessCheck отвечает 200, пока процесс жив.
func (r *Router) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readyCheck проверяет готовность зависимостей (MySQL, Redis).
func (r *Router) readyCheck(c *gin.Context) {
	if r.readinessCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := r.readinessCheck(ctx); err != nil {
		logger.Warn().Err(err).Msg("Readiness check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// traceIDMiddleware кладёт trace_id в context запроса.
// Принимает X-Trace-ID от вышестоящего gateway, иначе генерирует новый.
func traceIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}

		ctx := logger.WithTraceID(c.Request.Context(), traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Trace-ID", traceID)

		c.Next()
	}
}
