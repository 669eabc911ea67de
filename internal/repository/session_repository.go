// Package repository содержит реализацию доступа к данным сервиса выверки платежей.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/credits-platform/internal/domain"
	"example.com/credits-platform/pkg/logger"
	"example.com/credits-platform/pkg/metrics"
)

// SessionRepository определяет интерфейс для работы с платёжными сессиями в БД.
type SessionRepository interface {
	// Upsert находит или создаёт сессию по payment_id и атомарно сливает
	// новые факты по правилам domain.Session.Apply. Идемпотентен:
	// повторный вызов с теми же фактами не создаёт вторую строку.
	Upsert(ctx context.Context, paymentID string, upd domain.Update) (*domain.Session, error)

	// FindByPaymentID возвращает сессию по идентификатору платежа в шлюзе.
	FindByPaymentID(ctx context.Context, paymentID string) (*domain.Session, error)

	// LatestByUserID возвращает последнюю созданную сессию пользователя.
	// Порядок по дате создания: пользователь, повторивший оплату, должен
	// видеть новейшую попытку, а не самую долгоживущую.
	LatestByUserID(ctx context.Context, userID int64) (*domain.Session, error)

	// HasSuccessfulSession возвращает true, если у пользователя есть
	// сессия в статусе completed или approved.
	HasSuccessfulSession(ctx context.Context, userID int64) (bool, error)

	// MarkCompleted принудительно завершает сессию (внешнее подтверждение
	// расчёта). Возвращает domain.ErrSessionNotFound, если сессии ещё нет.
	MarkCompleted(ctx context.Context, paymentID string, detail *string) (*domain.Session, error)
}

// =============================================================================
// GORM модель
// =============================================================================

// SessionModel — GORM модель для таблицы payment_sessions.
type SessionModel struct {
	ID            int64            `gorm:"column:id;primaryKey;autoIncrement"`
	UserID        int64            `gorm:"column:user_id;not null;index"`
	PaymentID     string           `gorm:"column:payment_id;type:varchar(100);not null;uniqueIndex:uq_payment_sessions_payment_id;index"`
	PreferenceID  *string          `gorm:"column:preference_id;type:varchar(100)"`
	Status        string           `gorm:"column:status;type:varchar(32);not null;default:pending"`
	GatewayStatus *string          `gorm:"column:gateway_status;type:varchar(32)"`
	Detail        *string          `gorm:"column:detail;type:varchar(255)"`
	CreditsAmount *int64           `gorm:"column:credits_amount"`
	Amount        *decimal.Decimal `gorm:"column:amount;type:decimal(10,2)"`
	ExpiresAt     *time.Time       `gorm:"column:expires_at"`
	LastSyncAt    *time.Time       `gorm:"column:last_sync_at"`
	CreatedAt     time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (SessionModel) TableName() string {
	return "payment_sessions"
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *SessionModel) toDomain() *domain.Session {
	return &domain.Session{
		ID:            m.ID,
		UserID:        m.UserID,
		PaymentID:     m.PaymentID,
		PreferenceID:  m.PreferenceID,
		Status:        domain.Status(m.Status),
		GatewayStatus: m.GatewayStatus,
		Detail:        m.Detail,
		CreditsAmount: m.CreditsAmount,
		Amount:        m.Amount,
		ExpiresAt:     m.ExpiresAt,
		LastSyncAt:    m.LastSyncAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// sessionModelFromDomain конвертирует доменную сущность в GORM модель.
func sessionModelFromDomain(s *domain.Session) *SessionModel {
	return &SessionModel{
		ID:            s.ID,
		UserID:        s.UserID,
		PaymentID:     s.PaymentID,
		PreferenceID:  s.PreferenceID,
		Status:        string(s.Status),
		GatewayStatus: s.GatewayStatus,
		Detail:        s.Detail,
		CreditsAmount: s.CreditsAmount,
		Amount:        s.Amount,
		ExpiresAt:     s.ExpiresAt,
		LastSyncAt:    s.LastSyncAt,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// =============================================================================
// Реализация репозитория
// =============================================================================

// sessionRepository — GORM реализация SessionRepository.
type sessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository создаёт новый репозиторий платёжных сессий.
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

// Upsert выполняет find-or-create-then-merge для payment_id.
//
// Lookup блокирует строку (SELECT ... FOR UPDATE), поэтому конкурентные
// upsert одного платежа сериализуются транзакционным менеджером. Гонка
// двух создателей разрешается по уникальному ограничению payment_id:
// проигравший перечитывает свежую строку и повторяет слияние один раз.
// Частичные записи не видны другим читателям: либо commit, либо rollback.
func (r *sessionRepository) Upsert(ctx context.Context, paymentID string, upd domain.Update) (*domain.Session, error) {
	session, err := r.upsertTx(ctx, paymentID, upd)
	if err == nil {
		return session, nil
	}

	// Конкурентный создатель успел первым — перечитываем и сливаем заново.
	if errors.Is(err, domain.ErrDuplicateSession) {
		metrics.SessionUpsertsTotal.WithLabelValues("conflict_retry").Inc()
		logger.Ctx(ctx).Info().
			Str("payment_id", paymentID).
			Msg("Гонка создания сессии, повтор слияния")
		return r.upsertTx(ctx, paymentID, upd)
	}

	return nil, err
}

// upsertTx — одна попытка upsert внутри транзакции.
func (r *sessionRepository) upsertTx(ctx context.Context, paymentID string, upd domain.Update) (*domain.Session, error) {
	var result *domain.Session

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model SessionModel
		now := time.Now().UTC()

		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("payment_id = ?", paymentID).
			First(&model).Error

		switch {
		case err == nil:
			// Сессия существует — сливаем новые факты.
			session := model.toDomain()
			if regressed := session.Apply(upd, now); regressed {
				metrics.StatusRegressionsTotal.Inc()
				logger.Ctx(ctx).Warn().
					Str("payment_id", paymentID).
					Str("stored_status", string(domain.StatusCompleted)).
					Str("new_status", string(upd.Status)).
					Msg("Завершённый платёж получил терминальный статус отказа, регресс отброшен")
			}

			if err := tx.Model(&SessionModel{}).
				Where("id = ?", session.ID).
				Updates(updateColumns(session)).Error; err != nil {
				return err
			}

			metrics.SessionUpsertsTotal.WithLabelValues("updated").Inc()
			result = session
			return nil

		case errors.Is(err, gorm.ErrRecordNotFound):
			// Первое появление платежа — создаём строку.
			session := domain.NewSession(paymentID, upd, now)
			model := sessionModelFromDomain(session)

			if err := tx.Create(model).Error; err != nil {
				if isDuplicateKeyError(err) {
					return domain.ErrDuplicateSession
				}
				return err
			}

			metrics.SessionUpsertsTotal.WithLabelValues("created").Inc()
			session.ID = model.ID
			session.CreatedAt = model.CreatedAt
			session.UpdatedAt = model.UpdatedAt
			result = session
			return nil

		default:
			return err
		}
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// updateColumns формирует явный список колонок для UPDATE.
// Map вместо структуры, чтобы nil-значения (gateway_status, detail)
// действительно затирали колонку, а не пропускались GORM как zero value.
func updateColumns(s *domain.Session) map[string]interface{} {
	return map[string]interface{}{
		"user_id":        s.UserID,
		"preference_id":  s.PreferenceID,
		"status":         string(s.Status),
		"gateway_status": s.GatewayStatus,
		"detail":         s.Detail,
		"credits_amount": s.CreditsAmount,
		"amount":         s.Amount,
		"expires_at":     s.ExpiresAt,
		"last_sync_at":   s.LastSyncAt,
		"updated_at":     s.UpdatedAt,
	}
}

// FindByPaymentID возвращает сессию по идентификатору платежа в шлюзе.
func (r *sessionRepository) FindByPaymentID(ctx context.Context, paymentID string) (*domain.Session, error) {
	var model SessionModel

	if err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// LatestByUserID возвращает последнюю созданную сессию пользователя.
func (r *sessionRepository) LatestByUserID(ctx context.Context, userID int64) (*domain.Session, error) {
	var model SessionModel

	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// HasSuccessfulSession проверяет наличие сессии в статусе completed/approved.
func (r *sessionRepository) HasSuccessfulSession(ctx context.Context, userID int64) (bool, error) {
	var ids []int64

	if err := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Select("id").
		Where("user_id = ? AND status IN ?", userID, []string{
			string(domain.StatusCompleted),
			string(domain.StatusApproved),
		}).
		Limit(1).
		Find(&ids).Error; err != nil {
		return false, err
	}

	return len(ids) > 0, nil
}

// MarkCompleted принудительно переводит сессию в completed.
// gateway_status фиксируется как "approved" — внешнее подтверждение
// расчёта авторитетнее последнего статуса шлюза.
func (r *sessionRepository) MarkCompleted(ctx context.Context, paymentID string, detail *string) (*domain.Session, error) {
	var result *domain.Session

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model SessionModel
		now := time.Now().UTC()

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("payment_id = ?", paymentID).
			First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrSessionNotFound
			}
			return err
		}

		approved := "approved"
		columns := map[string]interface{}{
			"status":         string(domain.StatusCompleted),
			"gateway_status": approved,
			"last_sync_at":   now,
			"updated_at":     now,
		}
		if detail != nil && *detail != "" {
			columns["detail"] = detail
		}

		if err := tx.Model(&SessionModel{}).
			Where("id = ?", model.ID).
			Updates(columns).Error; err != nil {
			return err
		}

		session := model.toDomain()
		session.Status = domain.StatusCompleted
		session.GatewayStatus = &approved
		if detail != nil && *detail != "" {
			session.Detail = detail
		}
		session.LastSyncAt = &now
		session.UpdatedAt = now
		result = session
		return nil
	})

	if err != nil {
		return nil, err
	}
	return result, nil
}

// isDuplicateKeyError проверяет, является ли ошибка нарушением
// уникального ограничения payment_id.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "1062")
}
