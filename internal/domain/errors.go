// Package domain содержит бизнес-сущности сервиса выверки платежей.
package domain

import "errors"

// Доменные ошибки сервиса выверки платежей.
var (
	// ErrSessionNotFound — платёжная сессия не найдена.
	ErrSessionNotFound = errors.New("платёжная сессия не найдена")

	// ErrDuplicateSession — сессия с таким payment_id уже существует.
	// Сигнал для повторного чтения и слияния, а не фатальная ошибка.
	ErrDuplicateSession = errors.New("платёжная сессия с таким payment_id уже существует")
)
