// Package app — верхний уровень сборки оркестратора. Здесь связываются
// конфигурация, хранилища (Postgres, Redis, кеш пиров), клиент секретов,
// брокер платформы, менеджер аккаунтов и движки задач. Отсюда стартует
// жизненный цикл сервисов и обеспечивается корректный shutdown в обратном
// порядке запуска.
package app

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-orchestrator/internal/accounts"
	"telegram-orchestrator/internal/broker"
	"telegram-orchestrator/internal/engine"
	"telegram-orchestrator/internal/engine/invite"
	"telegram-orchestrator/internal/engine/parse"
	"telegram-orchestrator/internal/infra/config"
	"telegram-orchestrator/internal/infra/logger"
	"telegram-orchestrator/internal/infra/lockstore"
	"telegram-orchestrator/internal/infra/secrets"
	"telegram-orchestrator/internal/infra/statestore"
)

// App держит собранные подсистемы и управляет их жизненным циклом.
type App struct {
	env config.EnvConfig

	state      *statestore.Store
	locks      *lockstore.Store
	peers      *broker.PeerCache
	broker     *broker.Broker
	onboarding *broker.Onboarding
	accounts   *accounts.Manager
	scheduler  *engine.Scheduler
}

// New собирает приложение: подключает хранилища и связывает подсистемы.
// Конфигурация должна быть загружена до вызова.
func New(ctx context.Context) (*App, error) {
	env := config.Env()

	state, err := statestore.New(ctx, env.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "state store")
	}

	locks, err := lockstore.New(ctx, env.RedisAddr, env.RedisPassword, env.RedisDB)
	if err != nil {
		state.Close()
		return nil, errors.Wrap(err, "lock store")
	}

	peers, err := broker.OpenPeerCache(env.PeersCacheFile)
	if err != nil {
		_ = locks.Close()
		state.Close()
		return nil, errors.Wrap(err, "peer cache")
	}

	sec := secrets.New(env, secretsFetcher(env))

	idleGrace := time.Duration(env.ClientIdleGraceSec) * time.Second
	platformBroker := broker.New(sec, state, peers, idleGrace)
	onboarding := broker.NewOnboarding(sec, time.Duration(env.OnboardingTimeoutMin)*time.Minute)

	manager := accounts.NewManager(state, locks, platformBroker, env)

	scheduler := engine.NewScheduler(state,
		time.Duration(env.SchedulerPollSec)*time.Second,
		parse.New(state, manager, platformBroker),
		invite.New(state, manager, platformBroker),
	)

	return &App{
		env:        env,
		state:      state,
		locks:      locks,
		peers:      peers,
		broker:     platformBroker,
		onboarding: onboarding,
		accounts:   manager,
		scheduler:  scheduler,
	}, nil
}

// secretsFetcher выбирает транспорт секретов по режиму конфигурации.
// Статический режим читает секреты из окружения: путь a/b превращается в
// переменную SECRET_A_B.
func secretsFetcher(env config.EnvConfig) secrets.Fetcher {
	if env.SecretsMode == "token" && env.SecretsAddr != "" {
		return secrets.NewHTTPFetcher(env.SecretsAddr, env.SecretsToken)
	}
	return secrets.StaticFetcher{Lookup: func(path string) ([]byte, bool) {
		name := "SECRET_" + strings.ToUpper(strings.NewReplacer("/", "_", "-", "_").Replace(path))
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			return nil, false
		}
		return []byte(value), true
	}}
}

// Run запускает сервисы и блокируется до отмены контекста.
func (a *App) Run(ctx context.Context) error {
	a.broker.Start()
	a.onboarding.Start()
	a.accounts.StartRecovery(ctx)
	a.scheduler.Start(ctx)

	logger.Info("orchestrator started",
		zap.Int("scheduler_poll_sec", a.env.SchedulerPollSec),
		zap.Int("recovery_poll_sec", a.env.RecoveryPollSec))

	<-ctx.Done()

	a.shutdown()
	return nil
}

// shutdown останавливает сервисы в обратном порядке запуска и закрывает
// хранилища.
func (a *App) shutdown() {
	logger.Info("shutting down")

	a.scheduler.Stop()
	a.accounts.StopRecovery()
	a.onboarding.Stop()
	a.broker.Stop()

	if err := a.peers.Close(); err != nil {
		logger.Warn("peer cache close failed", zap.Error(err))
	}
	if err := a.locks.Close(); err != nil {
		logger.Warn("lock store close failed", zap.Error(err))
	}
	a.state.Close()
}

// Onboarding возвращает реестр онбординга (поверхность для внешнего API).
func (a *App) Onboarding() *broker.Onboarding { return a.onboarding }

// Scheduler возвращает диспетчер задач (pause/resume/cancel).
func (a *App) Scheduler() *engine.Scheduler { return a.scheduler }
