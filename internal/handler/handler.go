// Package handler содержит HTTP обработчики сервиса выверки платежей.
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/credits-platform/internal/domain"
	"example.com/credits-platform/internal/service"
	"example.com/credits-platform/pkg/logger"
)

// PaymentHandler — обработчик операций выверки платежей.
// Аутентификация и валидация сессии пользователя выполняются выше по
// стеку (API gateway); сюда приходит уже атрибутированный трафик.
type PaymentHandler struct {
	service service.PaymentStateService
}

// NewPaymentHandler создаёт новый обработчик выверки платежей.
func NewPaymentHandler(svc service.PaymentStateService) *PaymentHandler {
	return &PaymentHandler{
		service: svc,
	}
}

// === Request/Response DTOs ===

// RegisterAttemptRequest — запрос на регистрацию попытки оплаты.
// Payment — декодированный payload шлюза как есть.
type RegisterAttemptRequest struct {
	UserID       int64          `json:"user_id" binding:"required,min=1"`
	PreferenceID *string        `json:"preference_id"`
	Payment      map[string]any `json:"payment" binding:"required"`
}

// CompleteRequest — запрос на принудительное завершение сессии.
type CompleteRequest struct {
	Detail *string `json:"detail"`
}

// SessionResponse — платёжная сессия в ответе.
// Amount отдаётся простым числом: точный decimal — внутреннее представление.
type SessionResponse struct {
	PaymentID     string     `json:"payment_id"`
	PreferenceID  *string    `json:"preference_id"`
	Status        string     `json:"status"`
	GatewayStatus *string    `json:"gateway_status"`
	Detail        *string    `json:"detail"`
	CreditsAmount *int64     `json:"credits_amount"`
	Amount        *float64   `json:"amount"`
	ExpiresAt     *time.Time `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastSyncAt    *time.Time `json:"last_sync_at"`
}

// AccessResponse — решение о доступе пользователя к платформе.
type AccessResponse struct {
	State          string           `json:"state"`
	CanAccess      bool             `json:"can_access_platform"`
	CreditsBalance int64            `json:"credits_balance"`
	Payment        *SessionResponse `json:"payment"`
}

// WebhookResponse — ответ на уведомление шлюза.
type WebhookResponse struct {
	Status string `json:"status"`
}

// sessionResponseFromSnapshot конвертирует срез сессии в DTO.
func sessionResponseFromSnapshot(s *domain.Snapshot) *SessionResponse {
	if s == nil {
		return nil
	}

	var amount *float64
	if s.Amount != nil {
		f, _ := s.Amount.Float64()
		amount = &f
	}

	return &SessionResponse{
		PaymentID:     s.PaymentID,
		PreferenceID:  s.PreferenceID,
		Status:        string(s.Status),
		GatewayStatus: s.GatewayStatus,
		Detail:        s.Detail,
		CreditsAmount: s.CreditsAmount,
		Amount:        amount,
		ExpiresAt:     s.ExpiresAt,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		LastSyncAt:    s.LastSyncAt,
	}
}

// === Handlers ===

// Webhook принимает уведомление платёжного шлюза.
// POST /api/v1/payments/webhook
//
// Тело запроса — декодированный payload статуса платежа. Всегда отвечаем
// 200 на валидный JSON: шлюз повторяет доставку по не-2xx, а payload без
// идентификатора или владельца не станет обрабатываемым от повтора.
// Ошибка транзакции — 500, пусть шлюз доставит ещё раз.
func (h *PaymentHandler) Webhook(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		log.Warn().Err(err).Msg("Некорректное тело webhook")
		c.JSON(http.StatusBadRequest, gin.H{"error": "некорректное тело запроса"})
		return
	}

	gp := domain.GatewayPayload(payload)
	ctx = logger.WithPaymentID(ctx, gp.PaymentID())

	session, err := h.service.SyncFromGateway(ctx, gp.PaymentID(), 0, gp)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ошибка обработки уведомления"})
		return
	}

	if session == nil {
		// Предусловие нарушено (нет ID или владельца) — подтверждаем
		// доставку, повтор не поможет.
		c.JSON(http.StatusOK, WebhookResponse{Status: "ignored"})
		return
	}

	c.JSON(http.StatusOK, WebhookResponse{Status: "ok"})
}

// RegisterAttempt регистрирует попытку оплаты после создания платежа в шлюзе.
// POST /api/v1/payments/attempts
func (h *PaymentHandler) RegisterAttempt(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	var req RegisterAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("Некорректный запрос регистрации попытки оплаты")
		c.JSON(http.StatusBadRequest, gin.H{"error": "некорректное тело запроса"})
		return
	}

	session, err := h.service.RegisterAttempt(ctx, req.UserID, domain.GatewayPayload(req.Payment), req.PreferenceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ошибка регистрации попытки оплаты"})
		return
	}

	if session == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "payload без идентификатора платежа"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"session": sessionResponseFromSnapshot(session.Snapshot())})
}

// Complete принудительно завершает сессию по внешнему подтверждению расчёта.
// POST /api/v1/payments/:payment_id/complete
func (h *PaymentHandler) Complete(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	paymentID := c.Param("payment_id")
	if paymentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "не указан payment_id"})
		return
	}

	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Str("payment_id", paymentID).
			Msg("Некорректный запрос завершения сессии")
		c.JSON(http.StatusBadRequest, gin.H{"error": "некорректное тело запроса"})
		return
	}

	ctx = logger.WithPaymentID(ctx, paymentID)
	if err := h.service.MarkCompleted(ctx, paymentID, req.Detail); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ошибка завершения сессии"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Access возвращает решение о доступе пользователя к платформе.
// GET /api/v1/users/:user_id/access
//
// Отсутствие сессии — не ошибка: endpoint отвечает 200 с needs_payment.
func (h *PaymentHandler) Access(c *gin.Context) {
	ctx := c.Request.Context()

	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "некорректный user_id"})
		return
	}

	decision, err := h.service.ResolveAccess(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ошибка резолюции доступа"})
		return
	}

	c.JSON(http.StatusOK, AccessResponse{
		State:          string(decision.State),
		CanAccess:      decision.CanAccess,
		CreditsBalance: decision.CreditsBalance,
		Payment:        sessionResponseFromSnapshot(decision.Payment),
	})
}

// LatestSession возвращает последнюю платёжную сессию пользователя.
// GET /api/v1/users/:user_id/payments/latest
func (h *PaymentHandler) LatestSession(c *gin.Context) {
	ctx := c.Request.Context()

	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "некорректный user_id"})
		return
	}

	snapshot, err := h.service.LatestSession(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ошибка получения сессии"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sessionResponseFromSnapshot(snapshot)})
}
