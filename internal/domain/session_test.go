// Package domain содержит unit тесты для платёжной сессии.
package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================================
// Вспомогательные функции
// =====================================

func strPtr(s string) *string       { return &s }
func int64Ptr(n int64) *int64       { return &n }
func timePtr(t time.Time) *time.Time { return &t }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// =====================================
// Тесты MapGatewayStatus
// =====================================

func TestMapGatewayStatus(t *testing.T) {
	tests := []struct {
		name          string
		gatewayStatus string
		expected      Status
	}{
		{"pending", "pending", StatusPending},
		{"in_process", "in_process", StatusPending},
		{"approved", "approved", StatusApproved},
		{"authorized", "authorized", StatusApproved},
		{"cancelled", "cancelled", StatusFailed},
		{"rejected", "rejected", StatusFailed},
		{"refunded", "refunded", StatusFailed},
		{"charged_back", "charged_back", StatusFailed},
		{"expired", "expired", StatusExpired},
		{"пустая строка", "", StatusPending},
		{"пробелы", "   ", StatusPending},
		{"незнакомый токен", "in_mediation", StatusPending},
		{"верхний регистр", "APPROVED", StatusApproved},
		{"с пробелами", "  rejected  ", StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MapGatewayStatus(tt.gatewayStatus))
		})
	}
}

func TestIsTerminalFailure(t *testing.T) {
	assert.True(t, StatusFailed.IsTerminalFailure())
	assert.True(t, StatusExpired.IsTerminalFailure())
	assert.False(t, StatusPending.IsTerminalFailure())
	assert.False(t, StatusApproved.IsTerminalFailure())
	assert.False(t, StatusCompleted.IsTerminalFailure())
}

// =====================================
// Тесты Apply — слияние фактов
// =====================================

func TestApply_FillNeverBlank(t *testing.T) {
	now := time.Now().UTC()
	expires := now.Add(24 * time.Hour)

	session := &Session{
		UserID:        42,
		PaymentID:     "pay-1",
		PreferenceID:  strPtr("pref-1"),
		Status:        StatusPending,
		CreditsAmount: int64Ptr(500),
		Amount:        decPtr("99.90"),
		ExpiresAt:     timePtr(expires),
	}

	// Update без опциональных полей не должен стирать накопленные значения.
	regressed := session.Apply(Update{
		UserID: 42,
		Status: StatusApproved,
	}, now)

	require.False(t, regressed)
	assert.Equal(t, StatusApproved, session.Status)
	require.NotNil(t, session.PreferenceID)
	assert.Equal(t, "pref-1", *session.PreferenceID)
	require.NotNil(t, session.CreditsAmount)
	assert.Equal(t, int64(500), *session.CreditsAmount)
	require.NotNil(t, session.Amount)
	assert.True(t, session.Amount.Equal(decimal.RequireFromString("99.90")))
	require.NotNil(t, session.ExpiresAt)
	assert.True(t, session.ExpiresAt.Equal(expires))
}

func TestApply_OverwritesWithNewValues(t *testing.T) {
	now := time.Now().UTC()

	session := &Session{
		UserID:        42,
		PaymentID:     "pay-1",
		Status:        StatusPending,
		CreditsAmount: int64Ptr(500),
		Amount:        decPtr("99.90"),
	}

	regressed := session.Apply(Update{
		UserID:        42,
		Status:        StatusApproved,
		CreditsAmount: int64Ptr(750),
		Amount:        decPtr("149.90"),
	}, now)

	require.False(t, regressed)
	assert.Equal(t, int64(750), *session.CreditsAmount)
	assert.True(t, session.Amount.Equal(decimal.RequireFromString("149.90")))
}

func TestApply_EmptyPreferenceIDDoesNotBlank(t *testing.T) {
	now := time.Now().UTC()

	session := &Session{
		UserID:       42,
		PaymentID:    "pay-1",
		PreferenceID: strPtr("pref-1"),
		Status:       StatusPending,
	}

	session.Apply(Update{UserID: 42, Status: StatusPending, PreferenceID: strPtr("")}, now)
	require.NotNil(t, session.PreferenceID)
	assert.Equal(t, "pref-1", *session.PreferenceID)

	session.Apply(Update{UserID: 42, Status: StatusPending, PreferenceID: nil}, now)
	require.NotNil(t, session.PreferenceID)
	assert.Equal(t, "pref-1", *session.PreferenceID)
}

func TestApply_GatewayStatusAndDetailAlwaysOverwritten(t *testing.T) {
	now := time.Now().UTC()

	session := &Session{
		UserID:        42,
		PaymentID:     "pay-1",
		Status:        StatusPending,
		GatewayStatus: strPtr("pending"),
		Detail:        strPtr("pending_waiting_payment"),
	}

	// Информационные поля отражают последнее известное состояние шлюза,
	// в том числе его отсутствие.
	session.Apply(Update{UserID: 42, Status: StatusPending}, now)
	assert.Nil(t, session.GatewayStatus)
	assert.Nil(t, session.Detail)

	session.Apply(Update{
		UserID:        42,
		Status:        StatusApproved,
		GatewayStatus: strPtr("approved"),
		Detail:        strPtr("accredited"),
	}, now)
	assert.Equal(t, "approved", *session.GatewayStatus)
	assert.Equal(t, "accredited", *session.Detail)
}

func TestApply_MonotonicStatus(t *testing.T) {
	tests := []struct {
		name           string
		stored         Status
		incoming       Status
		expectedStatus Status
		expectedRegres bool
	}{
		{"pending -> approved", StatusPending, StatusApproved, StatusApproved, false},
		{"approved -> completed", StatusApproved, StatusCompleted, StatusCompleted, false},
		{"pending -> failed", StatusPending, StatusFailed, StatusFailed, false},
		{"completed -> failed отброшен", StatusCompleted, StatusFailed, StatusCompleted, true},
		{"completed -> expired отброшен", StatusCompleted, StatusExpired, StatusCompleted, true},
		{"completed -> approved без регресса", StatusCompleted, StatusApproved, StatusCompleted, false},
		{"completed -> pending без регресса", StatusCompleted, StatusPending, StatusCompleted, false},
		{"failed -> approved", StatusFailed, StatusApproved, StatusApproved, false},
		{"expired -> completed", StatusExpired, StatusCompleted, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Now().UTC()
			session := &Session{UserID: 42, PaymentID: "pay-1", Status: tt.stored}

			regressed := session.Apply(Update{UserID: 42, Status: tt.incoming}, now)

			assert.Equal(t, tt.expectedStatus, session.Status)
			assert.Equal(t, tt.expectedRegres, regressed)
		})
	}
}

func TestApply_RegressionStillMergesFacts(t *testing.T) {
	now := time.Now().UTC()

	session := &Session{
		UserID:    42,
		PaymentID: "pay-1",
		Status:    StatusCompleted,
	}

	// Регресс статуса отброшен, но остальные факты сливаются.
	regressed := session.Apply(Update{
		UserID:        42,
		Status:        StatusFailed,
		GatewayStatus: strPtr("refunded"),
		Detail:        strPtr("by_admin"),
		Amount:        decPtr("50.00"),
	}, now)

	require.True(t, regressed)
	assert.Equal(t, StatusCompleted, session.Status)
	assert.Equal(t, "refunded", *session.GatewayStatus)
	assert.Equal(t, "by_admin", *session.Detail)
	assert.True(t, session.Amount.Equal(decimal.RequireFromString("50.00")))
}

func TestApply_LastSyncAtAlwaysAdvances(t *testing.T) {
	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)

	session := &Session{UserID: 42, PaymentID: "pay-1", Status: StatusPending}

	session.Apply(Update{UserID: 42, Status: StatusPending}, first)
	require.NotNil(t, session.LastSyncAt)
	assert.True(t, session.LastSyncAt.Equal(first))

	// Повторная доставка тех же фактов всё равно продвигает LastSyncAt.
	session.Apply(Update{UserID: 42, Status: StatusPending}, second)
	assert.True(t, session.LastSyncAt.Equal(second))
	assert.True(t, session.UpdatedAt.Equal(second))
}

// =====================================
// Тесты NewSession и Snapshot
// =====================================

func TestNewSession(t *testing.T) {
	now := time.Now().UTC()

	session := NewSession("pay-1", Update{
		UserID:        42,
		PreferenceID:  strPtr("pref-1"),
		Status:        StatusPending,
		GatewayStatus: strPtr("pending"),
		CreditsAmount: int64Ptr(500),
		Amount:        decPtr("99.90"),
	}, now)

	assert.Equal(t, "pay-1", session.PaymentID)
	assert.Equal(t, int64(42), session.UserID)
	assert.Equal(t, StatusPending, session.Status)
	require.NotNil(t, session.LastSyncAt)
	assert.True(t, session.LastSyncAt.Equal(now))
	assert.True(t, session.CreatedAt.Equal(now))
}

func TestSnapshot(t *testing.T) {
	now := time.Now().UTC()
	session := NewSession("pay-1", Update{
		UserID:        42,
		Status:        StatusApproved,
		GatewayStatus: strPtr("approved"),
		Amount:        decPtr("99.90"),
	}, now)

	snap := session.Snapshot()

	assert.Equal(t, "pay-1", snap.PaymentID)
	assert.Equal(t, StatusApproved, snap.Status)
	assert.Equal(t, "approved", *snap.GatewayStatus)
	assert.True(t, snap.Amount.Equal(decimal.RequireFromString("99.90")))
}

// =====================================
// Тесты DeriveAccessState
// =====================================

func TestDeriveAccessState(t *testing.T) {
	tests := []struct {
		name      string
		canAccess bool
		latest    *Snapshot
		expected  AccessState
	}{
		{"доступ открыт", true, nil, AccessReady},
		{"доступ открыт независимо от сессии", true, &Snapshot{Status: StatusFailed}, AccessReady},
		{"нет сессий", false, nil, AccessNeedsPayment},
		{"платёж в ожидании", false, &Snapshot{Status: StatusPending}, AccessAwaiting},
		{"платёж одобрен", false, &Snapshot{Status: StatusApproved}, AccessAwaiting},
		{"платёж отклонён", false, &Snapshot{Status: StatusFailed}, AccessFailed},
		{"платёж истёк", false, &Snapshot{Status: StatusExpired}, AccessFailed},
		// completed без кредитов и истории: аномалия, трактуем как needs_payment
		{"завершён без доступа", false, &Snapshot{Status: StatusCompleted}, AccessNeedsPayment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveAccessState(tt.canAccess, tt.latest))
		})
	}
}
