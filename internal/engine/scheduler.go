// Package engine — диспетчер задач. Забирает PENDING-задачи в порядке
// (приоритет, затем время создания) и отдаёт их раннерам: по одному
// логическому воркеру на задачу. Пауза, возобновление и отмена — через
// статусы в StateStore; воркеры перечитывают статус между единицами работы.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"telegram-orchestrator/internal/domain/model"
	"telegram-orchestrator/internal/infra/logger"
	"telegram-orchestrator/internal/infra/statestore"
)

// Runner исполняет одну заклеймленную задачу до конечного состояния или
// паузы. Переходы статусов задачи — ответственность раннера.
type Runner interface {
	Kind() model.TaskKind
	Run(ctx context.Context, task *model.Task)
}

// taskQueue — срез StateStore, нужный диспетчеру.
type taskQueue interface {
	ClaimNextPending(ctx context.Context, now time.Time) (*model.Task, error)
	TaskByID(ctx context.Context, id string) (*model.Task, error)
	TaskStatusOf(ctx context.Context, id string) (model.TaskStatus, error)
	SetTaskStatus(ctx context.Context, id string, status model.TaskStatus, pauseReason string, now time.Time) error
}

// Scheduler — цикл клейма и реестр раннеров по видам задач.
type Scheduler struct {
	store   taskQueue
	runners map[model.TaskKind]Runner
	poll    time.Duration
	log     *zap.Logger
	now     func() time.Time

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewScheduler собирает диспетчер с интервалом опроса poll.
func NewScheduler(store taskQueue, poll time.Duration, runners ...Runner) *Scheduler {
	byKind := make(map[model.TaskKind]Runner, len(runners))
	for _, r := range runners {
		byKind[r.Kind()] = r
	}
	return &Scheduler{
		store:   store,
		runners: byKind,
		poll:    poll,
		log:     logger.Named("scheduler"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start запускает цикл клейма. Повторные вызовы — no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.claimLoop(ctx)
	})
}

// Stop останавливает клейм и дожидается работающих воркеров.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		s.wg.Wait()
	})
}

func (s *Scheduler) claimLoop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain забирает все созревшие PENDING-задачи за один тик.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		task, err := s.store.ClaimNextPending(ctx, s.now())
		if errors.Is(err, statestore.ErrNotFound) {
			return
		}
		if err != nil {
			s.log.Error("claim failed", zap.Error(err))
			return
		}

		runner, ok := s.runners[task.Kind]
		if !ok {
			s.log.Error("no runner for task kind",
				zap.String("task_id", task.ID), zap.String("kind", string(task.Kind)))
			_ = s.store.SetTaskStatus(ctx, task.ID, model.TaskFailed, "", s.now())
			continue
		}

		s.log.Info("task claimed",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.String("priority", string(task.Priority)))

		s.wg.Add(1)
		go func(t *model.Task) {
			defer s.wg.Done()
			runner.Run(ctx, t)
		}(task)
	}
}

// Pause приостанавливает задачу по запросу владельца. Воркер замечает новый
// статус между единицами работы и выходит.
func (s *Scheduler) Pause(ctx context.Context, taskID string) error {
	status, err := s.store.TaskStatusOf(ctx, taskID)
	if err != nil {
		return err
	}
	if status.Terminal() || status == model.TaskPaused {
		return errors.Errorf("task %s cannot be paused from %s", taskID, status)
	}
	return s.store.SetTaskStatus(ctx, taskID, model.TaskPaused, "user_request", s.now())
}

// Resume возвращает приостановленную задачу в очередь.
func (s *Scheduler) Resume(ctx context.Context, taskID string) error {
	status, err := s.store.TaskStatusOf(ctx, taskID)
	if err != nil {
		return err
	}
	if status != model.TaskPaused {
		return errors.Errorf("task %s cannot be resumed from %s", taskID, status)
	}
	return s.store.SetTaskStatus(ctx, taskID, model.TaskPending, "", s.now())
}

// Cancel переводит задачу в конечный CANCELLED. Начатый платформенный вызов
// доработает, новых не будет.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) error {
	status, err := s.store.TaskStatusOf(ctx, taskID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return errors.Errorf("task %s is already terminal (%s)", taskID, status)
	}
	return s.store.SetTaskStatus(ctx, taskID, model.TaskCancelled, "", s.now())
}
