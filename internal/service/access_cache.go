// Package service содержит бизнес-логику сервиса выверки платежей.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/credits-platform/internal/domain"
	"example.com/credits-platform/pkg/logger"
)

// accessCacheKeyPrefix — префикс ключей кэша решения о доступе.
// Ключ привязан к пользователю: payment:access:user:<id>.
const accessCacheKeyPrefix = "payment:access:user:"

// AccessCache — кэш решения о доступе в Redis с коротким TTL.
// БД остаётся источником истины: любая ошибка Redis деградирует
// в прямое чтение, запись по каждому успешному upsert инвалидируется.
type AccessCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewAccessCache создаёт кэш решения о доступе.
// rdb == nil отключает кэширование (все операции становятся no-op).
func NewAccessCache(rdb *redis.Client, ttl time.Duration) *AccessCache {
	return &AccessCache{rdb: rdb, ttl: ttl}
}

// key возвращает ключ кэша для пользователя.
func (c *AccessCache) key(userID int64) string {
	return fmt.Sprintf("%s%d", accessCacheKeyPrefix, userID)
}

// Get возвращает закэшированное решение или nil при промахе.
// Ошибки Redis и повреждённые записи трактуются как промах.
func (c *AccessCache) Get(ctx context.Context, userID int64) *domain.AccessDecision {
	if c.rdb == nil {
		return nil
	}

	raw, err := c.rdb.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Ctx(ctx).Debug().Err(err).Int64("user_id", userID).
				Msg("Ошибка чтения кэша доступа, переходим к БД")
		}
		return nil
	}

	var decision domain.AccessDecision
	if err := json.Unmarshal(raw, &decision); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Int64("user_id", userID).
			Msg("Повреждённая запись кэша доступа, переходим к БД")
		return nil
	}

	return &decision
}

// Set сохраняет решение о доступе с TTL. Ошибки только логируются.
func (c *AccessCache) Set(ctx context.Context, userID int64, decision *domain.AccessDecision) {
	if c.rdb == nil {
		return
	}

	raw, err := json.Marshal(decision)
	if err != nil {
		logger.Ctx(ctx).Debug().Err(err).Int64("user_id", userID).
			Msg("Ошибка сериализации решения о доступе")
		return
	}

	if err := c.rdb.Set(ctx, c.key(userID), raw, c.ttl).Err(); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Int64("user_id", userID).
			Msg("Ошибка записи кэша доступа")
	}
}

// Invalidate удаляет решение пользователя из кэша.
// Вызывается после каждой успешной записи платёжной сессии.
func (c *AccessCache) Invalidate(ctx context.Context, userID int64) {
	if c.rdb == nil {
		return
	}

	if err := c.rdb.Del(ctx, c.key(userID)).Err(); err != nil {
		logger.Ctx(ctx).Debug().Err(err).Int64("user_id", userID).
			Msg("Ошибка инвалидации кэша доступа")
	}
}
