// Package service содержит бизнес-логику сервиса выверки платежей.
package service

import (
	"context"
	"errors"
	"fmt"

	"example.com/credits-platform/internal/domain"
	"example.com/credits-platform/internal/repository"
	"example.com/credits-platform/pkg/logger"
	"example.com/credits-platform/pkg/metrics"
)

// =============================================================================
// Интерфейсы
// =============================================================================

// CreditLedger — абстракция кредитного учёта.
// Резолюция доступа зависит от этой способности, а не от модуля кредитов
// напрямую: прямая зависимость создала бы цикл между кредитным сервисом
// и платёжным состоянием.
type CreditLedger interface {
	// ValidCreditsBalance возвращает действующий баланс кредитов пользователя.
	ValidCreditsBalance(ctx context.Context, userID int64) (int64, error)

	// HasPurchaseHistory возвращает true, если у пользователя есть
	// кредитная транзакция покупки, порождённая платёжным шлюзом
	// (или созданная до появления ссылок на платежи).
	HasPurchaseHistory(ctx context.Context, userID int64) (bool, error)
}

// PaymentStateService — интерфейс бизнес-логики выверки платежей.
// Все операции идемпотентны относительно повторной доставки одних фактов.
type PaymentStateService interface {
	// RegisterAttempt регистрирует попытку оплаты сразу после создания
	// платежа в шлюзе. Возвращает (nil, nil), если payload не содержит
	// идентификатора платежа — предусловие нарушено, повтор бессмысленен.
	RegisterAttempt(ctx context.Context, userID int64, payload domain.GatewayPayload, preferenceID *string) (*domain.Session, error)

	// SyncFromGateway выверяет сессию по payload из webhook или опроса.
	// Владелец берётся из аргумента userID (0 — неизвестен) или из
	// metadata.user_id; без владельца sync прерывается (nil, nil),
	// сессия-сирота не создаётся.
	SyncFromGateway(ctx context.Context, paymentID string, userID int64, payload domain.GatewayPayload) (*domain.Session, error)

	// MarkCompleted принудительно завершает сессию по внешнему
	// подтверждению расчёта. Если сессии ещё нет (подтверждение обогнало
	// регистрацию) — пишет warning и выходит без ошибки: повторная
	// доставка события шлюза закроет пробел.
	MarkCompleted(ctx context.Context, paymentID string, detail *string) error

	// LatestSession возвращает срез последней сессии пользователя
	// или (nil, nil), если сессий нет.
	LatestSession(ctx context.Context, userID int64) (*domain.Snapshot, error)

	// ResolveAccess выводит решение о доступе пользователя к платформе
	// из баланса кредитов, последней сессии и оплаченной истории.
	ResolveAccess(ctx context.Context, userID int64) (*domain.AccessDecision, error)
}

// =============================================================================
// Реализация сервиса
// =============================================================================

// paymentStateService — реализация PaymentStateService.
type paymentStateService struct {
	repo   repository.SessionRepository
	ledger CreditLedger
	cache  *AccessCache
}

// NewPaymentStateService создаёт новый сервис выверки платежей.
func NewPaymentStateService(repo repository.SessionRepository, ledger CreditLedger, cache *AccessCache) PaymentStateService {
	if cache == nil {
		cache = NewAccessCache(nil, 0)
	}
	return &paymentStateService{
		repo:   repo,
		ledger: ledger,
		cache:  cache,
	}
}

// RegisterAttempt регистрирует попытку оплаты из payload шлюза.
func (s *paymentStateService) RegisterAttempt(ctx context.Context, userID int64, payload domain.GatewayPayload, preferenceID *string) (*domain.Session, error) {
	log := logger.Ctx(ctx)

	paymentID := payload.PaymentID()
	if paymentID == "" {
		log.Warn().Int64("user_id", userID).
			Msg("Платёж создан без ID, возвращённого шлюзом")
		return nil, nil
	}

	gatewayStatus := payload.Status()
	upd := domain.Update{
		UserID:        userID,
		PreferenceID:  preferenceID,
		Status:        mapStatusPtr(gatewayStatus),
		GatewayStatus: gatewayStatus,
		Detail:        payload.StatusDetail(),
		CreditsAmount: payload.CreditsAmount(),
		Amount:        payload.TransactionAmount(),
		ExpiresAt:     payload.ExpiresAt(),
	}

	session, err := s.repo.Upsert(ctx, paymentID, upd)
	if err != nil {
		log.Error().Err(err).Str("payment_id", paymentID).
			Msg("Ошибка регистрации попытки оплаты")
		return nil, fmt.Errorf("ошибка регистрации попытки оплаты: %w", err)
	}

	s.cache.Invalidate(ctx, session.UserID)

	log.Info().
		Str("payment_id", paymentID).
		Int64("user_id", userID).
		Str("status", string(session.Status)).
		Msg("Попытка оплаты зарегистрирована")

	return session, nil
}

// SyncFromGateway выверяет сессию по статусному payload шлюза.
func (s *paymentStateService) SyncFromGateway(ctx context.Context, paymentID string, userID int64, payload domain.GatewayPayload) (*domain.Session, error) {
	log := logger.Ctx(ctx)

	if paymentID == "" {
		log.Warn().Msg("Выверка без идентификатора платежа, пропускаем")
		return nil, nil
	}

	resolvedUserID := userID
	if resolvedUserID == 0 {
		resolvedUserID = payload.UserID()
	}
	if resolvedUserID == 0 {
		log.Warn().Str("payment_id", paymentID).
			Msg("Платёж без пользователя при выверке статуса, пропускаем")
		return nil, nil
	}

	gatewayStatus := payload.Status()
	upd := domain.Update{
		UserID:        resolvedUserID,
		PreferenceID:  payload.PreferenceID(),
		Status:        mapStatusPtr(gatewayStatus),
		GatewayStatus: gatewayStatus,
		Detail:        payload.StatusDetail(),
		CreditsAmount: payload.CreditsAmount(),
		Amount:        payload.TransactionAmount(),
		ExpiresAt:     payload.ExpiresAt(),
	}

	session, err := s.repo.Upsert(ctx, paymentID, upd)
	if err != nil {
		log.Error().Err(err).Str("payment_id", paymentID).
			Msg("Ошибка выверки платёжной сессии")
		return nil, fmt.Errorf("ошибка выверки платёжной сессии: %w", err)
	}

	s.cache.Invalidate(ctx, session.UserID)

	log.Info().
		Str("payment_id", paymentID).
		Int64("user_id", resolvedUserID).
		Str("status", string(session.Status)).
		Msg("Платёжная сессия выверена")

	return session, nil
}

// MarkCompleted принудительно завершает сессию.
func (s *paymentStateService) MarkCompleted(ctx context.Context, paymentID string, detail *string) error {
	log := logger.Ctx(ctx)

	session, err := s.repo.MarkCompleted(ctx, paymentID, detail)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			// Подтверждение расчёта обогнало регистрацию попытки.
			// Создать строку нельзя — владелец неизвестен; пробел закроет
			// повторная доставка события шлюза.
			log.Warn().Str("payment_id", paymentID).
				Msg("Подтверждение завершения для несуществующей сессии, сигнал потерян")
			return nil
		}
		log.Error().Err(err).Str("payment_id", paymentID).
			Msg("Ошибка завершения платёжной сессии")
		return fmt.Errorf("ошибка завершения платёжной сессии: %w", err)
	}

	s.cache.Invalidate(ctx, session.UserID)

	log.Info().
		Str("payment_id", paymentID).
		Int64("user_id", session.UserID).
		Msg("Платёжная сессия завершена по внешнему подтверждению")

	return nil
}

// LatestSession возвращает срез последней сессии пользователя.
func (s *paymentStateService) LatestSession(ctx context.Context, userID int64) (*domain.Snapshot, error) {
	session, err := s.repo.LatestByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return session.Snapshot(), nil
}

// ResolveAccess выводит решение о доступе пользователя к платформе.
func (s *paymentStateService) ResolveAccess(ctx context.Context, userID int64) (*domain.AccessDecision, error) {
	log := logger.Ctx(ctx)

	if cached := s.cache.Get(ctx, userID); cached != nil {
		log.Debug().Int64("user_id", userID).Msg("Решение о доступе из кэша")
		return cached, nil
	}

	balance, err := s.ledger.ValidCreditsBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения баланса кредитов: %w", err)
	}

	latest, err := s.LatestSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения последней сессии: %w", err)
	}

	// Fallback по оплаченной истории проверяем только при нулевом балансе,
	// чтобы не ходить лишний раз в БД на частом пути "кредиты есть".
	hasPaidHistory := false
	if balance <= 0 {
		hasPaidHistory, err = s.hasSuccessfulPaymentHistory(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("ошибка проверки оплаченной истории: %w", err)
		}
	}

	canAccess := balance > 0 || hasPaidHistory
	decision := &domain.AccessDecision{
		State:          domain.DeriveAccessState(canAccess, latest),
		CanAccess:      canAccess,
		CreditsBalance: balance,
		Payment:        latest,
	}

	metrics.AccessDecisionsTotal.WithLabelValues(string(decision.State)).Inc()
	s.cache.Set(ctx, userID, decision)

	log.Debug().
		Int64("user_id", userID).
		Str("state", string(decision.State)).
		Bool("can_access", decision.CanAccess).
		Int64("credits_balance", balance).
		Msg("Решение о доступе вычислено")

	return decision, nil
}

// =============================================================================
// Вспомогательные методы
// =============================================================================

// hasSuccessfulPaymentHistory проверяет исторически успешные платежи:
// сначала сессии (дёшево, по индексу), затем кредитный учёт (fallback для
// записей, созданных до появления платёжных сессий). Первое совпадение
// завершает проверку.
func (s *paymentStateService) hasSuccessfulPaymentHistory(ctx context.Context, userID int64) (bool, error) {
	ok, err := s.repo.HasSuccessfulSession(ctx, userID)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	return s.ledger.HasPurchaseHistory(ctx, userID)
}

// mapStatusPtr отображает опциональный статус шлюза в канонический.
func mapStatusPtr(gatewayStatus *string) domain.Status {
	if gatewayStatus == nil {
		return domain.StatusPending
	}
	return domain.MapGatewayStatus(*gatewayStatus)
}
