// Backfill — одноразовая утилита починки дублирующихся reference_id
// в credit_transactions. Дубликаты оставались от повторных webhook до
// введения уникального ограничения; утилита переименовывает все копии
// кроме первой, добавляя суффикс "__dup_N", после чего уникальный
// индекс можно накатить без конфликтов.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"example.com/credits-platform/internal/repository"
	"example.com/credits-platform/pkg/config"
	dbpkg "example.com/credits-platform/pkg/db"
	"example.com/credits-platform/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})

	log := logger.With().Str("service", "credit-reference-backfill").Logger()

	db, err := dbpkg.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	affected, err := repository.DedupCreditReferences(ctx, db)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка переименования дубликатов reference_id")
	}

	log.Info().
		Int64("rows_affected", affected).
		Msg("Дубликаты reference_id переименованы")
}
