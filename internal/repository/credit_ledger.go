// Package repository содержит реализацию доступа к данным сервиса выверки платежей.
package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// transactionTypePurchase — тип кредитной транзакции, порождённой покупкой.
const transactionTypePurchase = "purchase"

// CreditTransactionModel — GORM модель для таблицы credit_transactions.
// Таблица принадлежит кредитному учёту; этот сервис только читает её
// (баланс и fallback-проверка оплаченной истории) и чинит
// дублирующиеся reference_id одноразовым backfill.
type CreditTransactionModel struct {
	ID              int64      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID          int64      `gorm:"column:user_id;not null;index"`
	Amount          int64      `gorm:"column:amount;not null"`
	TransactionType string     `gorm:"column:transaction_type;type:varchar(32);not null;index"`
	ReferenceID     *string    `gorm:"column:reference_id;type:varchar(100)"`
	ExpiresAt       *time.Time `gorm:"column:expires_at"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// TableName возвращает имя таблицы в БД.
func (CreditTransactionModel) TableName() string {
	return "credit_transactions"
}

// CreditLedger — GORM реализация запросов к кредитному учёту.
// referencePattern — LIKE-шаблон reference_id платёжного шлюза (например "mp_%").
type CreditLedger struct {
	db               *gorm.DB
	referencePattern string
}

// NewCreditLedger создаёт read-only доступ к кредитному учёту.
// referencePrefix — префикс reference_id транзакций платёжного шлюза.
func NewCreditLedger(db *gorm.DB, referencePrefix string) *CreditLedger {
	return &CreditLedger{
		db:               db,
		referencePattern: referencePrefix + "%",
	}
}

// ValidCreditsBalance возвращает действующий баланс кредитов пользователя:
// сумму по транзакциям, срок действия которых не истёк.
func (l *CreditLedger) ValidCreditsBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64

	if err := l.db.WithContext(ctx).
		Model(&CreditTransactionModel{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND (expires_at IS NULL OR expires_at > ?)", userID, time.Now().UTC()).
		Scan(&balance).Error; err != nil {
		return 0, err
	}

	return balance, nil
}

// HasPurchaseHistory возвращает true, если у пользователя есть транзакция
// покупки без reference_id либо с reference_id платёжного шлюза.
// Fallback для записей, созданных до появления платёжных сессий.
func (l *CreditLedger) HasPurchaseHistory(ctx context.Context, userID int64) (bool, error) {
	var ids []int64

	if err := l.db.WithContext(ctx).
		Model(&CreditTransactionModel{}).
		Select("id").
		Where("user_id = ? AND transaction_type = ? AND (reference_id IS NULL OR reference_id LIKE ?)",
			userID, transactionTypePurchase, l.referencePattern).
		Limit(1).
		Find(&ids).Error; err != nil {
		return false, err
	}

	return len(ids) > 0, nil
}
