// Package domain содержит бизнес-сущности сервиса выверки платежей.
package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GatewayPayload — декодированный payload платёжного шлюза: плоская
// key/value запись с необязательной вложенной metadata. Источник не
// доверенный, поэтому все извлечения деградируют в nil, а не в ошибку.
type GatewayPayload map[string]any

// PaymentID возвращает идентификатор платежа или пустую строку.
func (p GatewayPayload) PaymentID() string {
	return asString(p["id"])
}

// Status возвращает сырой статус шлюза.
func (p GatewayPayload) Status() *string {
	return asStringPtr(p["status"])
}

// StatusDetail возвращает диагностику шлюза (причину отказа и т.п.).
func (p GatewayPayload) StatusDetail() *string {
	return asStringPtr(p["status_detail"])
}

// TransactionAmount возвращает сумму платежа как точный decimal.
func (p GatewayPayload) TransactionAmount() *decimal.Decimal {
	return ParseAmount(p["transaction_amount"])
}

// ExpiresAt возвращает дедлайн платёжного намерения.
// Шлюз публикует его под двумя ключами в зависимости от версии API.
func (p GatewayPayload) ExpiresAt() *time.Time {
	if t := ParseGatewayTime(p["date_of_expiration"]); t != nil {
		return t
	}
	return ParseGatewayTime(p["expiration_date"])
}

// Metadata возвращает вложенную metadata или пустую карту.
func (p GatewayPayload) Metadata() map[string]any {
	if m, ok := p["metadata"].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// CreditsAmount возвращает metadata.credits_amount.
func (p GatewayPayload) CreditsAmount() *int64 {
	return asInt64Ptr(p.Metadata()["credits_amount"])
}

// PreferenceID возвращает metadata.preference_id либо preference_id
// верхнего уровня — шлюз непоследователен в размещении этого поля.
func (p GatewayPayload) PreferenceID() *string {
	if id := asStringPtr(p.Metadata()["preference_id"]); id != nil {
		return id
	}
	return asStringPtr(p["preference_id"])
}

// UserID возвращает metadata.user_id или 0, если владелец неизвестен.
func (p GatewayPayload) UserID() int64 {
	if v := asInt64Ptr(p.Metadata()["user_id"]); v != nil {
		return *v
	}
	return 0
}

// =============================================================================
// Парсинг значений шлюза
// =============================================================================

// gatewayNaiveTime — формат времени шлюза без явной зоны; трактуется как UTC.
const gatewayNaiveTime = "2006-01-02T15:04:05.999999999"

// ParseGatewayTime разбирает временную метку шлюза: ISO-8601 со смещением
// зоны или суффиксом Z, либо без зоны. Результат нормализуется в UTC.
// Некорректный ввод даёт nil ("неизвестно"), а не ошибку — поле уровня
// записи не должно ронять весь upsert.
func ParseGatewayTime(value any) *time.Time {
	raw, ok := value.(string)
	if !ok {
		return nil
	}
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return nil
	}

	if parsed, err := time.Parse(time.RFC3339Nano, candidate); err == nil {
		utc := parsed.UTC()
		return &utc
	}
	if parsed, err := time.Parse(gatewayNaiveTime, candidate); err == nil {
		utc := parsed.UTC()
		return &utc
	}
	return nil
}

// ParseAmount разбирает денежную сумму как точный decimal.
// Пустой или нечисловой ввод даёт nil — тихая коэрция в 0 искажала бы учёт.
func ParseAmount(value any) *decimal.Decimal {
	switch v := value.(type) {
	case nil:
		return nil
	case decimal.Decimal:
		return &v
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		d, err := decimal.NewFromString(trimmed)
		if err != nil {
			return nil
		}
		return &d
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return nil
		}
		return &d
	case float64:
		d := decimal.NewFromFloat(v)
		return &d
	case int:
		d := decimal.NewFromInt(int64(v))
		return &d
	case int64:
		d := decimal.NewFromInt(v)
		return &d
	default:
		return nil
	}
}

// asString приводит значение к строке: JSON-числа форматируются без
// экспоненты, чтобы числовой id платежа не терял точность представления.
func asString(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// asStringPtr возвращает указатель на строку или nil для пустого значения.
func asStringPtr(value any) *string {
	s := asString(value)
	if s == "" {
		return nil
	}
	return &s
}

// asInt64Ptr приводит значение к int64 или возвращает nil.
func asInt64Ptr(value any) *int64 {
	switch v := value.(type) {
	case int:
		n := int64(v)
		return &n
	case int64:
		return &v
	case float64:
		n := int64(v)
		return &n
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil
		}
		return &n
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		n, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return nil
		}
		return &n
	default:
		return nil
	}
}
