// Package sync принимает события платёжного шлюза из Kafka и передаёт их
// в выверку. Kafka — канал повторной доставки: webhook, не принятые по
// HTTP, и результаты фонового опроса статусов публикуются сюда.
package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/credits-platform/internal/domain"
	"example.com/credits-platform/internal/service"
	"example.com/credits-platform/pkg/kafka"
	"example.com/credits-platform/pkg/logger"
)

// PaymentEvent — событие платёжного шлюза в топике payment.events.
// Payload — декодированный статусный payload как есть.
type PaymentEvent struct {
	PaymentID string         `json:"payment_id"`
	UserID    int64          `json:"user_id"`
	Payload   map[string]any `json:"payload"`
}

// EventConsumer читает события шлюза и выверяет платёжные сессии.
type EventConsumer struct {
	consumer   *kafka.Consumer
	service    service.PaymentStateService
	maxRetries int
}

// NewEventConsumer создаёт consumer событий платёжного шлюза.
// maxRetries — число повторов обработки события до отправки в DLQ.
func NewEventConsumer(consumer *kafka.Consumer, svc service.PaymentStateService, maxRetries int) *EventConsumer {
	return &EventConsumer{
		consumer:   consumer,
		service:    svc,
		maxRetries: maxRetries,
	}
}

// Run запускает чтение событий. Блокирует до отмены context.
func (c *EventConsumer) Run(ctx context.Context) error {
	return c.consumer.ConsumeWithRetry(ctx, c.handleMessage, c.maxRetries)
}

// Close закрывает consumer.
func (c *EventConsumer) Close() error {
	return c.consumer.Close()
}

// handleMessage обрабатывает одно событие шлюза.
//
// Повреждённый JSON — невосстановимая ошибка: повторы не помогут,
// сообщение уйдёт в DLQ после исчерпания попыток. Ошибка транзакции БД
// возвращается как есть — ретраи с задержкой дают БД шанс восстановиться.
// Предусловия (нет ID, нет владельца) сервис подтверждает без ошибки:
// такие события не становятся обрабатываемыми от повтора.
func (c *EventConsumer) handleMessage(ctx context.Context, msg *kafka.Message) error {
	var event PaymentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("повреждённое событие платёжного шлюза: %w", err)
	}

	paymentID := event.PaymentID
	payload := domain.GatewayPayload(event.Payload)
	if paymentID == "" {
		paymentID = payload.PaymentID()
	}

	ctx = logger.WithPaymentID(ctx, paymentID)

	if _, err := c.service.SyncFromGateway(ctx, paymentID, event.UserID, payload); err != nil {
		return fmt.Errorf("ошибка выверки по событию шлюза: %w", err)
	}

	return nil
}
