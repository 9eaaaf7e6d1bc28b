package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"telegram-orchestrator/internal/app"
	"telegram-orchestrator/internal/infra/config"
	"telegram-orchestrator/internal/infra/logger"
)

func main() {
	// envPath определяет расположение .env с секретами и общими настройками.
	envPath := flag.String("env", "", "path to .env file (optional)")
	flag.Parse()

	// config.Load загружает конфигурацию из .env и окружения.
	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Init(config.Env().LogLevel)
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	// Контекст с обработкой системных сигналов (Ctrl+C/SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx)
	if err != nil {
		stop()
		logger.Fatal("app init failed", zap.Error(err))
	}

	if runErr := a.Run(ctx); runErr != nil {
		stop()
		logger.Fatal("app run failed", zap.Error(runErr))
	}
	logger.Info("graceful shutdown complete")
}
