// Package repository содержит реализацию доступа к данным сервиса выверки платежей.
package repository

import (
	"context"

	"gorm.io/gorm"
)

// dedupReferencesSQL переименовывает дублирующиеся reference_id,
// оставляя первую по id запись нетронутой: дубликаты получают
// суффикс __dup_N, после чего уникальный индекс можно создать безопасно.
const dedupReferencesSQL = `
UPDATE credit_transactions ct
JOIN (
    SELECT
        id,
        ROW_NUMBER() OVER (
            PARTITION BY reference_id
            ORDER BY id
        ) AS rn
    FROM credit_transactions
    WHERE reference_id IS NOT NULL
) ranked ON ct.id = ranked.id
SET ct.reference_id = CONCAT(ct.reference_id, '__dup_', ranked.rn)
WHERE ranked.rn > 1`

// DedupCreditReferences — одноразовый ремонт данных перед включением
// уникального ограничения на credit_transactions.reference_id.
// Каждое внешнее зачисление кредитов обязано нести уникальную ссылку,
// иначе повторная обработка события шлюза удвоила бы зачисление.
//
// НЕ часть живого пути выверки: запускается вручную через cmd/backfill.
// Возвращает количество переименованных записей.
func DedupCreditReferences(ctx context.Context, db *gorm.DB) (int64, error) {
	result := db.WithContext(ctx).Exec(dedupReferencesSQL)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
