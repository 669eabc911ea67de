// Package domain содержит бизнес-сущности сервиса выверки платежей.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status — канонический статус платёжной сессии.
// Закрытое множество из пяти значений; открытый словарь статусов
// платёжного шлюза отображается в него через MapGatewayStatus.
type Status string

const (
	// StatusPending — платёж создан, ожидает подтверждения шлюза.
	StatusPending Status = "pending"

	// StatusApproved — шлюз одобрил платёж, зачисление ещё не подтверждено.
	StatusApproved Status = "approved"

	// StatusCompleted — платёж завершён, кредиты зачислены.
	StatusCompleted Status = "completed"

	// StatusFailed — платёж отклонён, отменён или возвращён.
	StatusFailed Status = "failed"

	// StatusExpired — срок действия платёжного намерения истёк.
	StatusExpired Status = "expired"
)

// IsTerminalFailure возвращает true для статусов, которые не должны
// перезаписывать завершённую сессию.
func (s Status) IsTerminalFailure() bool {
	return s == StatusFailed || s == StatusExpired
}

// MapGatewayStatus отображает статус шлюза в канонический статус.
// Тотальная функция: незнакомый токен безопасно деградирует в pending,
// чтобы новое значение в словаре шлюза не блокировало выверку.
func MapGatewayStatus(gatewayStatus string) Status {
	switch strings.ToLower(strings.TrimSpace(gatewayStatus)) {
	case "":
		return StatusPending
	case "pending", "in_process":
		return StatusPending
	case "approved", "authorized":
		return StatusApproved
	case "cancelled", "rejected", "refunded", "charged_back":
		return StatusFailed
	case "expired":
		return StatusExpired
	default:
		return StatusPending
	}
}

// =============================================================================
// Session — доменная сущность
// =============================================================================

// Session — платёжная сессия: локальное состояние платежа, созданного
// во внешнем шлюзе. Единственный писатель — upsert в SessionRepository.
type Session struct {
	ID            int64            // Суррогатный ключ, назначается при создании
	UserID        int64            // Владелец сессии
	PaymentID     string           // ID платежа в шлюзе, глобально уникален
	PreferenceID  *string          // ID платёжного намерения (может прийти позже)
	Status        Status           // Канонический статус жизненного цикла
	GatewayStatus *string          // Последний сырой статус шлюза (информационный)
	Detail        *string          // Диагностика шлюза (например причина отказа)
	CreditsAmount *int64           // Кредиты к зачислению при завершении
	Amount        *decimal.Decimal // Сумма платежа, точный decimal
	ExpiresAt     *time.Time       // Дедлайн платёжного намерения
	LastSyncAt    *time.Time       // Момент последней попытки выверки
	CreatedAt     time.Time        // Дата создания
	UpdatedAt     time.Time        // Дата последнего изменения
}

// Update — новые факты о платеже для слияния с сохранённой сессией.
// Nil-поля означают "значение неизвестно", а не "стереть".
type Update struct {
	UserID        int64
	PreferenceID  *string
	Status        Status
	GatewayStatus *string
	Detail        *string
	CreditsAmount *int64
	Amount        *decimal.Decimal
	ExpiresAt     *time.Time
}

// Apply сливает новые факты в сессию по правилам выверки:
//   - UserID перезаписывается всегда (предварительная атрибуция уточняется при sync);
//   - PreferenceID заполняется только непустым значением, никогда не стирается;
//   - GatewayStatus и Detail перезаписываются всегда, в том числе в nil;
//   - CreditsAmount, Amount, ExpiresAt заполняются только при наличии значения;
//   - Status монотонен: completed не регрессирует в failed/expired;
//   - LastSyncAt продвигается безусловно.
//
// Возвращает true, если завершённая сессия получила терминальный статус
// отказа и регресс был отброшен — вызывающий обязан записать предупреждение.
func (s *Session) Apply(upd Update, now time.Time) (regressed bool) {
	s.UserID = upd.UserID
	if upd.PreferenceID != nil && *upd.PreferenceID != "" {
		s.PreferenceID = upd.PreferenceID
	}
	s.GatewayStatus = upd.GatewayStatus
	s.Detail = upd.Detail
	if upd.CreditsAmount != nil {
		s.CreditsAmount = upd.CreditsAmount
	}
	if upd.Amount != nil {
		s.Amount = upd.Amount
	}
	if upd.ExpiresAt != nil {
		s.ExpiresAt = upd.ExpiresAt
	}

	if s.Status != StatusCompleted {
		s.Status = upd.Status
	} else if upd.Status.IsTerminalFailure() {
		// Успешно завершённая сессия не регрессирует; остальные поля уже слиты.
		regressed = true
	}

	s.LastSyncAt = &now
	s.UpdatedAt = now
	return regressed
}

// NewSession создаёт сессию из первых известных фактов о платеже.
func NewSession(paymentID string, upd Update, now time.Time) *Session {
	return &Session{
		UserID:        upd.UserID,
		PaymentID:     paymentID,
		PreferenceID:  upd.PreferenceID,
		Status:        upd.Status,
		GatewayStatus: upd.GatewayStatus,
		Detail:        upd.Detail,
		CreditsAmount: upd.CreditsAmount,
		Amount:        upd.Amount,
		ExpiresAt:     upd.ExpiresAt,
		LastSyncAt:    &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// =============================================================================
// Snapshot — неизменяемая проекция сессии
// =============================================================================

// Snapshot — read-only срез сессии для потребителей за пределами хранилища.
type Snapshot struct {
	PaymentID     string
	PreferenceID  *string
	Status        Status
	GatewayStatus *string
	Detail        *string
	CreditsAmount *int64
	Amount        *decimal.Decimal
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastSyncAt    *time.Time
}

// Snapshot возвращает неизменяемую проекцию сессии.
func (s *Session) Snapshot() *Snapshot {
	return &Snapshot{
		PaymentID:     s.PaymentID,
		PreferenceID:  s.PreferenceID,
		Status:        s.Status,
		GatewayStatus: s.GatewayStatus,
		Detail:        s.Detail,
		CreditsAmount: s.CreditsAmount,
		Amount:        s.Amount,
		ExpiresAt:     s.ExpiresAt,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		LastSyncAt:    s.LastSyncAt,
	}
}

// =============================================================================
// Решение о доступе к платформе
// =============================================================================

// AccessState — состояние доступа пользователя, выводимое из баланса
// кредитов и последней платёжной сессии.
type AccessState string

const (
	// AccessReady — доступ открыт: есть кредиты или оплаченная история.
	AccessReady AccessState = "ready_for_platform"

	// AccessAwaiting — платёж в процессе (pending/approved), доступ закрыт.
	AccessAwaiting AccessState = "awaiting_payment"

	// AccessNeedsPayment — платёжных сессий нет, требуется оплата.
	AccessNeedsPayment AccessState = "needs_payment"

	// AccessFailed — последний платёж отклонён или истёк.
	AccessFailed AccessState = "payment_failed"
)

// AccessDecision — итог резолюции доступа для пользователя.
// Отсутствие сессии — валидное состояние (needs_payment), не ошибка.
type AccessDecision struct {
	State          AccessState `json:"state"`
	CanAccess      bool        `json:"can_access_platform"`
	CreditsBalance int64       `json:"credits_balance"`
	Payment        *Snapshot   `json:"payment"`
}

// DeriveAccessState выводит состояние доступа из решения и последней сессии.
func DeriveAccessState(canAccess bool, latest *Snapshot) AccessState {
	if canAccess {
		return AccessReady
	}
	if latest == nil {
		return AccessNeedsPayment
	}
	switch latest.Status {
	case StatusPending, StatusApproved:
		return AccessAwaiting
	case StatusFailed, StatusExpired:
		return AccessFailed
	default:
		return AccessNeedsPayment
	}
}
