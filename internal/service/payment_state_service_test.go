// Package service содержит unit тесты для PaymentStateService.
package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/credits-platform/internal/domain"
)

// =====================================
// Моки
// =====================================

// MockSessionRepository — мок для SessionRepository.
type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Upsert(ctx context.Context, paymentID string, upd domain.Update) (*domain.Session, error) {
	args := m.Called(ctx, paymentID, upd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockSessionRepository) FindByPaymentID(ctx context.Context, paymentID string) (*domain.Session, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockSessionRepository) LatestByUserID(ctx context.Context, userID int64) (*domain.Session, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockSessionRepository) HasSuccessfulSession(ctx context.Context, userID int64) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionRepository) MarkCompleted(ctx context.Context, paymentID string, detail *string) (*domain.Session, error) {
	args := m.Called(ctx, paymentID, detail)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

// MockCreditLedger — мок для CreditLedger.
type MockCreditLedger struct {
	mock.Mock
}

func (m *MockCreditLedger) ValidCreditsBalance(ctx context.Context, userID int64) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCreditLedger) HasPurchaseHistory(ctx context.Context, userID int64) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

// =====================================
// Вспомогательные функции
// =====================================

func strPtr(s string) *string { return &s }

func newSession(userID int64, paymentID string, status domain.Status) *domain.Session {
	now := time.Now().UTC()
	return &domain.Session{
		ID:        1,
		UserID:    userID,
		PaymentID: paymentID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// setupService собирает сервис с моками и отключённым кэшем.
func setupService(t *testing.T) (PaymentStateService, *MockSessionRepository, *MockCreditLedger) {
	t.Helper()
	repo := new(MockSessionRepository)
	ledger := new(MockCreditLedger)
	svc := NewPaymentStateService(repo, ledger, nil)
	return svc, repo, ledger
}

// =====================================
// Тесты RegisterAttempt
// =====================================

func TestRegisterAttempt(t *testing.T) {
	svc, repo, _ := setupService(t)

	payload := domain.GatewayPayload{
		"id":     "pay-1",
		"status": "pending",
	}

	repo.On("Upsert", mock.Anything, "pay-1", mock.MatchedBy(func(upd domain.Update) bool {
		return upd.UserID == 42 && upd.Status == domain.StatusPending
	})).Return(newSession(42, "pay-1", domain.StatusPending), nil)

	session, err := svc.RegisterAttempt(context.Background(), 42, payload, strPtr("pref-1"))

	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "pay-1", session.PaymentID)
	repo.AssertExpectations(t)
}

func TestRegisterAttempt_MissingPaymentID(t *testing.T) {
	svc, repo, _ := setupService(t)

	// Payload без id — предусловие нарушено, в БД не ходим.
	session, err := svc.RegisterAttempt(context.Background(), 42, domain.GatewayPayload{}, nil)

	require.NoError(t, err)
	assert.Nil(t, session)
	repo.AssertNotCalled(t, "Upsert")
}

func TestRegisterAttempt_RepositoryError(t *testing.T) {
	svc, repo, _ := setupService(t)

	dbErr := errors.New("соединение потеряно")
	repo.On("Upsert", mock.Anything, "pay-1", mock.Anything).Return(nil, dbErr)

	session, err := svc.RegisterAttempt(context.Background(), 42, domain.GatewayPayload{"id": "pay-1"}, nil)

	require.Error(t, err)
	assert.Nil(t, session)
	assert.ErrorIs(t, err, dbErr)
	repo.AssertExpectations(t)
}

// =====================================
// Тесты SyncFromGateway
// =====================================

func TestSyncFromGateway(t *testing.T) {
	svc, repo, _ := setupService(t)

	payload := domain.GatewayPayload{
		"id":     "pay-1",
		"status": "approved",
		"metadata": map[string]any{
			"user_id": float64(42),
		},
	}

	repo.On("Upsert", mock.Anything, "pay-1", mock.MatchedBy(func(upd domain.Update) bool {
		return upd.UserID == 42 && upd.Status == domain.StatusApproved
	})).Return(newSession(42, "pay-1", domain.StatusApproved), nil)

	// Владелец берётся из metadata, аргумент userID не задан.
	session, err := svc.SyncFromGateway(context.Background(), "pay-1", 0, payload)

	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, domain.StatusApproved, session.Status)
	repo.AssertExpectations(t)
}

func TestSyncFromGateway_ExplicitUserWins(t *testing.T) {
	svc, repo, _ := setupService(t)

	payload := domain.GatewayPayload{
		"id":       "pay-1",
		"status":   "pending",
		"metadata": map[string]any{"user_id": float64(99)},
	}

	repo.On("Upsert", mock.Anything, "pay-1", mock.MatchedBy(func(upd domain.Update) bool {
		return upd.UserID == 42
	})).Return(newSession(42, "pay-1", domain.StatusPending), nil)

	_, err := svc.SyncFromGateway(context.Background(), "pay-1", 42, payload)

	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestSyncFromGateway_NoOwner(t *testing.T) {
	svc, repo, _ := setupService(t)

	// Ни аргумента, ни metadata.user_id — сессия-сирота не создаётся.
	session, err := svc.SyncFromGateway(context.Background(), "pay-1", 0, domain.GatewayPayload{"id": "pay-1"})

	require.NoError(t, err)
	assert.Nil(t, session)
	repo.AssertNotCalled(t, "Upsert")
}

func TestSyncFromGateway_NoPaymentID(t *testing.T) {
	svc, repo, _ := setupService(t)

	session, err := svc.SyncFromGateway(context.Background(), "", 42, domain.GatewayPayload{})

	require.NoError(t, err)
	assert.Nil(t, session)
	repo.AssertNotCalled(t, "Upsert")
}

// =====================================
// Тесты MarkCompleted
// =====================================

func TestMarkCompleted(t *testing.T) {
	svc, repo, _ := setupService(t)

	detail := strPtr("settlement confirmed")
	repo.On("MarkCompleted", mock.Anything, "pay-1", detail).
		Return(newSession(42, "pay-1", domain.StatusCompleted), nil)

	err := svc.MarkCompleted(context.Background(), "pay-1", detail)

	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestMarkCompleted_SessionNotFound(t *testing.T) {
	svc, repo, _ := setupService(t)

	// Подтверждение обогнало регистрацию: warning, но не ошибка.
	repo.On("MarkCompleted", mock.Anything, "missing", (*string)(nil)).
		Return(nil, domain.ErrSessionNotFound)

	err := svc.MarkCompleted(context.Background(), "missing", nil)

	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestMarkCompleted_DBError(t *testing.T) {
	svc, repo, _ := setupService(t)

	dbErr := errors.New("соединение потеряно")
	repo.On("MarkCompleted", mock.Anything, "pay-1", (*string)(nil)).Return(nil, dbErr)

	err := svc.MarkCompleted(context.Background(), "pay-1", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, dbErr)
	repo.AssertExpectations(t)
}

// =====================================
// Тесты LatestSession
// =====================================

func TestLatestSession(t *testing.T) {
	svc, repo, _ := setupService(t)

	repo.On("LatestByUserID", mock.Anything, int64(42)).
		Return(newSession(42, "pay-2", domain.StatusPending), nil)

	snap, err := svc.LatestSession(context.Background(), 42)

	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "pay-2", snap.PaymentID)
	repo.AssertExpectations(t)
}

func TestLatestSession_NoSessions(t *testing.T) {
	svc, repo, _ := setupService(t)

	repo.On("LatestByUserID", mock.Anything, int64(42)).
		Return(nil, domain.ErrSessionNotFound)

	snap, err := svc.LatestSession(context.Background(), 42)

	require.NoError(t, err)
	assert.Nil(t, snap)
	repo.AssertExpectations(t)
}

// =====================================
// Тесты ResolveAccess
// =====================================

func TestResolveAccess(t *testing.T) {
	tests := []struct {
		name          string
		balance       int64
		latest        *domain.Session
		latestErr     error
		hasSession    *bool // nil — проверка не ожидается
		hasPurchase   *bool
		expectedState domain.AccessState
		expectedCan   bool
	}{
		{
			name:          "кредиты есть — доступ открыт",
			balance:       10,
			latestErr:     domain.ErrSessionNotFound,
			expectedState: domain.AccessReady,
			expectedCan:   true,
		},
		{
			name:          "нет кредитов и сессий",
			balance:       0,
			latestErr:     domain.ErrSessionNotFound,
			hasSession:    boolPtr(false),
			hasPurchase:   boolPtr(false),
			expectedState: domain.AccessNeedsPayment,
			expectedCan:   false,
		},
		{
			name:          "платёж в ожидании",
			balance:       0,
			latest:        newSession(42, "pay-1", domain.StatusPending),
			hasSession:    boolPtr(false),
			hasPurchase:   boolPtr(false),
			expectedState: domain.AccessAwaiting,
			expectedCan:   false,
		},
		{
			name:          "платёж отклонён",
			balance:       0,
			latest:        newSession(42, "pay-1", domain.StatusFailed),
			hasSession:    boolPtr(false),
			hasPurchase:   boolPtr(false),
			expectedState: domain.AccessFailed,
			expectedCan:   false,
		},
		{
			name:          "кредиты потрачены, но история оплачена",
			balance:       0,
			latest:        newSession(42, "pay-1", domain.StatusCompleted),
			hasSession:    boolPtr(true),
			expectedState: domain.AccessReady,
			expectedCan:   true,
		},
		{
			name:          "оплаченная история только в кредитном учёте",
			balance:       0,
			latestErr:     domain.ErrSessionNotFound,
			hasSession:    boolPtr(false),
			hasPurchase:   boolPtr(true),
			expectedState: domain.AccessReady,
			expectedCan:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, ledger := setupService(t)

			ledger.On("ValidCreditsBalance", mock.Anything, int64(42)).Return(tt.balance, nil)

			if tt.latest != nil {
				repo.On("LatestByUserID", mock.Anything, int64(42)).Return(tt.latest, nil)
			} else {
				repo.On("LatestByUserID", mock.Anything, int64(42)).Return(nil, tt.latestErr)
			}

			if tt.hasSession != nil {
				repo.On("HasSuccessfulSession", mock.Anything, int64(42)).Return(*tt.hasSession, nil)
			}
			if tt.hasPurchase != nil {
				ledger.On("HasPurchaseHistory", mock.Anything, int64(42)).Return(*tt.hasPurchase, nil)
			}

			decision, err := svc.ResolveAccess(context.Background(), 42)

			require.NoError(t, err)
			require.NotNil(t, decision)
			assert.Equal(t, tt.expectedState, decision.State)
			assert.Equal(t, tt.expectedCan, decision.CanAccess)
			assert.Equal(t, tt.balance, decision.CreditsBalance)

			repo.AssertExpectations(t)
			ledger.AssertExpectations(t)

			// При положительном балансе в историю не ходим.
			if tt.balance > 0 {
				repo.AssertNotCalled(t, "HasSuccessfulSession")
				ledger.AssertNotCalled(t, "HasPurchaseHistory")
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }

func TestResolveAccess_LedgerError(t *testing.T) {
	svc, repo, ledger := setupService(t)

	dbErr := errors.New("соединение потеряно")
	ledger.On("ValidCreditsBalance", mock.Anything, int64(42)).Return(int64(0), dbErr)

	decision, err := svc.ResolveAccess(context.Background(), 42)

	require.Error(t, err)
	assert.Nil(t, decision)
	repo.AssertNotCalled(t, "LatestByUserID")
}

// =====================================
// Тесты кэширования решения о доступе
// =====================================

// setupServiceWithCache собирает сервис с miniredis в роли кэша.
func setupServiceWithCache(t *testing.T, ttl time.Duration) (PaymentStateService, *MockSessionRepository, *MockCreditLedger, *AccessCache) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repo := new(MockSessionRepository)
	ledger := new(MockCreditLedger)
	cache := NewAccessCache(rdb, ttl)
	svc := NewPaymentStateService(repo, ledger, cache)
	return svc, repo, ledger, cache
}

func TestResolveAccess_CachesDecision(t *testing.T) {
	svc, repo, ledger, _ := setupServiceWithCache(t, time.Minute)

	// БД отвечает ровно один раз.
	ledger.On("ValidCreditsBalance", mock.Anything, int64(42)).Return(int64(10), nil).Once()
	repo.On("LatestByUserID", mock.Anything, int64(42)).
		Return(nil, domain.ErrSessionNotFound).Once()

	first, err := svc.ResolveAccess(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, domain.AccessReady, first.State)

	// Второй вызов обслуживается кэшем.
	second, err := svc.ResolveAccess(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, domain.AccessReady, second.State)
	assert.Equal(t, int64(10), second.CreditsBalance)

	repo.AssertExpectations(t)
	ledger.AssertExpectations(t)
}

func TestResolveAccess_UpsertInvalidatesCache(t *testing.T) {
	svc, repo, ledger, _ := setupServiceWithCache(t, time.Minute)

	ledger.On("ValidCreditsBalance", mock.Anything, int64(42)).Return(int64(0), nil).Twice()
	repo.On("LatestByUserID", mock.Anything, int64(42)).
		Return(nil, domain.ErrSessionNotFound).Twice()
	repo.On("HasSuccessfulSession", mock.Anything, int64(42)).Return(false, nil).Twice()
	ledger.On("HasPurchaseHistory", mock.Anything, int64(42)).Return(false, nil).Twice()

	_, err := svc.ResolveAccess(context.Background(), 42)
	require.NoError(t, err)

	// Upsert по платежу пользователя сбрасывает кэш.
	repo.On("Upsert", mock.Anything, "pay-1", mock.Anything).
		Return(newSession(42, "pay-1", domain.StatusPending), nil)
	_, err = svc.RegisterAttempt(context.Background(), 42, domain.GatewayPayload{"id": "pay-1"}, nil)
	require.NoError(t, err)

	// Следующий ResolveAccess снова идёт в БД.
	_, err = svc.ResolveAccess(context.Background(), 42)
	require.NoError(t, err)

	repo.AssertExpectations(t)
	ledger.AssertExpectations(t)
}

func TestAccessCache_CorruptedEntryIsMiss(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := NewAccessCache(rdb, time.Minute)
	require.NoError(t, mr.Set("payment:access:user:42", "{broken json"))

	assert.Nil(t, cache.Get(context.Background(), 42))
}

func TestAccessCache_DisabledIsNoop(t *testing.T) {
	cache := NewAccessCache(nil, time.Minute)

	assert.Nil(t, cache.Get(context.Background(), 42))
	// Set и Invalidate не паникуют без клиента.
	cache.Set(context.Background(), 42, &domain.AccessDecision{State: domain.AccessReady})
	cache.Invalidate(context.Background(), 42)
}
