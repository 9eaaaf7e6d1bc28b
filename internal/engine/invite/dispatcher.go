// Package invite — движок инвайт-задач: доставка приглашений и личных
// сообщений под вердиктами менеджера аккаунтов. Один логический воркер на
// задачу; цели идут строго по позициям, цель после FLOOD_WAIT возвращается
// в голову очереди, а не в хвост. Проверка админ-прав обязательна для
// каждого аккаунта групповой кампании — обходного пути нет.
package invite

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"telegram-orchestrator/internal/accounts"
	"telegram-orchestrator/internal/broker"
	"telegram-orchestrator/internal/domain/model"
	"telegram-orchestrator/internal/infra/logger"
	"telegram-orchestrator/internal/infra/statestore"
	"telegram-orchestrator/internal/infra/telemetry"
)

const (
	// maxAllocAttempts — сколько аккаунтов пробуется под одну цель за заход.
	maxAllocAttempts = 5
	// transientCap — потолок повторов цели после сетевых сбоев.
	transientCap = 3
	// transientBackoffBase — база экспоненциальной паузы между повторами.
	transientBackoffBase = time.Second
	// pauseRetryFallback — пауза задачи без точного retry_after.
	pauseRetryFallback = 5 * time.Minute
)

// taskStore — срез StateStore для движка.
type taskStore interface {
	TaskByID(ctx context.Context, id string) (*model.Task, error)
	TaskStatusOf(ctx context.Context, id string) (model.TaskStatus, error)
	SetTaskStatus(ctx context.Context, id string, status model.TaskStatus, pauseReason string, now time.Time) error
	SaveTaskCounters(ctx context.Context, t *model.Task) error
	NextPendingTarget(ctx context.Context, taskID string) (*model.Target, error)
	SaveTargetOutcome(ctx context.Context, t *model.Target, now time.Time) error
	RequeueTargetHead(ctx context.Context, taskID, targetID string, now time.Time) error
	TargetTally(ctx context.Context, taskID string) (model.InviteCounters, error)
	AppendLog(ctx context.Context, entry model.ExecutionLog) error
}

// allocator — срез менеджера аккаунтов.
type allocator interface {
	Allocate(ctx context.Context, ownerUserID int64, purpose model.Purpose, channel string, exclude []string) (*accounts.Allocation, error)
	RecordAction(ctx context.Context, token string, action model.Action, key string, outcome model.Outcome) error
	HandleError(ctx context.Context, token, key string, outcome model.Outcome) error
	Release(ctx context.Context, token string) error
	ReleaseWithReport(ctx context.Context, token string, report accounts.UsageReport) error
}

// platform — срез брокера.
type platform interface {
	ResolveEntity(ctx context.Context, sess *model.Session, handle string) (broker.Entity, model.Outcome)
	VerifyAdminRights(ctx context.Context, sess *model.Session, community broker.Entity) (broker.AdminCheck, model.Outcome)
	SendInvite(ctx context.Context, sess *model.Session, community broker.Entity, target model.Identifiers) model.Outcome
	SendDirectMessage(ctx context.Context, sess *model.Session, target model.Identifiers, text string) model.Outcome
}

// Engine — раннер инвайт-задач.
type Engine struct {
	store  taskStore
	alloc  allocator
	broker platform
	log    *zap.Logger
	now    func() time.Time
	// sleep вынесен для тестов с ускоренным временем.
	sleep func(ctx context.Context, d time.Duration) error
}

// New собирает движок инвайтов.
func New(store taskStore, alloc allocator, platformBroker platform) *Engine {
	return &Engine{
		store:  store,
		alloc:  alloc,
		broker: platformBroker,
		log:    logger.Named("invite"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Kind возвращает вид обслуживаемых задач.
func (e *Engine) Kind() model.TaskKind { return model.TaskInvite }

// runState — состояние одного прохода Run. Исключённые аккаунты и
// подтверждённые права живут только внутри прохода: возобновление задачи
// перепроверяет права заново (состав админов мог измениться).
type runState struct {
	task      *model.Task
	community broker.Entity
	resolved  bool
	verified  map[string]bool
	excluded  map[string]bool
}

// excludedIDs возвращает исключённые сессии списком для аллокатора.
func (r *runState) excludedIDs() []string {
	if len(r.excluded) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.excluded))
	for id := range r.excluded {
		ids = append(ids, id)
	}
	return ids
}

// Run исполняет одну задачу до завершения, паузы или отмены.
func (e *Engine) Run(ctx context.Context, task *model.Task) {
	log := e.log.With(zap.String("task_id", task.ID))
	log.Info("invite task started", zap.String("invite_type", string(task.InviteType)))

	run := &runState{
		task:     task,
		verified: map[string]bool{},
		excluded: map[string]bool{},
	}

	for {
		if !e.taskRunning(ctx, task.ID) {
			log.Info("invite task interrupted")
			return
		}

		target, err := e.store.NextPendingTarget(ctx, task.ID)
		if errors.Is(err, statestore.ErrNotFound) {
			e.complete(ctx, task, log)
			return
		}
		if err != nil {
			log.Error("next target failed", zap.Error(err))
			_ = e.store.SetTaskStatus(ctx, task.ID, model.TaskFailed, "", e.now())
			return
		}

		if target.Identifiers.Empty() {
			// Без единого идентификатора платформу не зовём вовсе.
			e.closeTarget(ctx, target, model.TargetFailed, model.KindInvalidIdentifier, "", log)
			e.appendLog(ctx, task, target, "", model.ActionInvite, model.LogFailed,
				model.KindInvalidIdentifier, model.KindInvalidIdentifier.Human(), 0)
			continue
		}

		if stopped := e.dispatch(ctx, run, target, log); stopped {
			return
		}
	}
}

// complete фиксирует итоги и закрывает задачу.
func (e *Engine) complete(ctx context.Context, task *model.Task, log *zap.Logger) {
	tally, err := e.store.TargetTally(ctx, task.ID)
	if err == nil {
		task.Invite = tally
		if saveErr := e.store.SaveTaskCounters(ctx, task); saveErr != nil {
			log.Error("save counters failed", zap.Error(saveErr))
		}
	}
	if err := e.store.SetTaskStatus(ctx, task.ID, model.TaskCompleted, "", e.now()); err != nil {
		log.Error("complete failed", zap.Error(err))
		return
	}
	log.Info("invite task completed",
		zap.Int("completed", task.Invite.Completed),
		zap.Int("failed", task.Invite.Failed))
}

// dispatch доставляет одну цель: аренда аккаунта, проверка прав, вызов
// платформы, классифицированный исход. true — задача остановлена.
func (e *Engine) dispatch(ctx context.Context, run *runState, target *model.Target, log *zap.Logger) bool {
	task := run.task
	purpose := model.PurposeInvite
	channelKey := task.GroupID
	if task.InviteType == model.InviteDirect {
		purpose = model.PurposeDirect
		channelKey = ""
	}

	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		// Исключённые аккаунты отсекаются самим аллокатором: иначе
		// детерминированный скоринг возвращал бы один и тот же не-админ
		// снова и снова, пока пригодный аккаунт простаивает.
		alloc, err := e.alloc.Allocate(ctx, task.OwnerUserID, purpose, channelKey, run.excludedIDs())
		if err != nil {
			return e.handleAllocateFailure(ctx, task, err, log)
		}

		sess := alloc.Session()

		if task.InviteType == model.InviteGroup {
			ready, stopped := e.ensureAdmin(ctx, run, alloc, &sess, log)
			if stopped {
				return true
			}
			if !ready {
				continue // аккаунт исключён или сменился, пробуем другой
			}
		}

		start := e.now()
		var (
			outcome model.Outcome
			action  model.Action
		)
		if task.InviteType == model.InviteDirect {
			action = model.ActionMessage
			outcome = e.broker.SendDirectMessage(ctx, &sess, target.Identifiers, task.Settings.DirectMessage)
		} else {
			action = model.ActionInvite
			outcome = e.broker.SendInvite(ctx, &sess, run.community, target.Identifiers)
		}

		return e.settle(ctx, run, target, alloc, action, outcome, time.Since(start), log)
	}

	// Пригодных аккаунтов не нашлось: все исключены или заняты.
	e.pauseAndRearm(ctx, task.ID, "no_eligible_account", pauseRetryFallback, log)
	return true
}

// ensureAdmin разрешает сообщество и подтверждает право приглашать у
// арендованного аккаунта. ready=false — аккаунт не годится, аренда снята.
func (e *Engine) ensureAdmin(ctx context.Context, run *runState, alloc *accounts.Allocation, sess *model.Session, log *zap.Logger) (ready, stopped bool) {
	task := run.task

	if !run.resolved {
		entity, outcome := e.broker.ResolveEntity(ctx, sess, task.GroupID)
		if !outcome.Success() {
			_ = e.alloc.HandleError(ctx, alloc.Token, "resolve:"+task.GroupID, outcome)
			_ = e.alloc.Release(ctx, alloc.Token)
			if outcome.Kind == model.KindCancelled {
				return false, true
			}
			if outcome.Kind.AccountFault() || outcome.Kind == model.KindTransientNetwork {
				return false, false
			}
			// Сообщество недостижимо в принципе: задача не может идти.
			log.Error("group unresolvable", zap.String("error_kind", string(outcome.Kind)))
			_ = e.store.SetTaskStatus(ctx, task.ID, model.TaskFailed, "", e.now())
			return false, true
		}
		run.community = entity
		run.resolved = true
	}

	if run.verified[sess.ID] {
		return true, false
	}

	check, outcome := e.broker.VerifyAdminRights(ctx, sess, run.community)
	if !outcome.Success() {
		_ = e.alloc.HandleError(ctx, alloc.Token, "admin:"+task.GroupID, outcome)
		_ = e.alloc.Release(ctx, alloc.Token)
		if outcome.Kind == model.KindCancelled {
			return false, true
		}
		if outcome.Kind.AccountFault() || outcome.Kind == model.KindTransientNetwork {
			return false, false
		}
		// Платформа не пустила этот аккаунт к сообществу: исключаем его из
		// задачи, остальных это не касается.
		run.excluded[sess.ID] = true
		log.Warn("account excluded: admin check failed",
			zap.String("session_id", sess.ID),
			zap.String("error_kind", string(outcome.Kind)))
		return false, false
	}
	if !check.IsAdmin || !check.CanInvite {
		run.excluded[sess.ID] = true
		_ = e.alloc.Release(ctx, alloc.Token)
		log.Warn("account excluded: no invite permission", zap.String("session_id", sess.ID))
		return false, false
	}

	run.verified[sess.ID] = true
	return true, false
}

// settle применяет классифицированный исход одного вызова платформы.
func (e *Engine) settle(ctx context.Context, run *runState, target *model.Target, alloc *accounts.Allocation, action model.Action, outcome model.Outcome, took time.Duration, log *zap.Logger) bool {
	task := run.task
	key := fmt.Sprintf("%s#%d", target.ID, target.Attempts)
	target.Attempts++
	target.LastAccountID = alloc.SessionID
	durationMS := took.Milliseconds()

	if err := e.alloc.RecordAction(ctx, alloc.Token, action, key, outcome); err != nil {
		log.Error("record action failed", zap.Error(err))
	}

	defer func() {
		// Возврат с отчётом: менеджер сверяет его с учтёнными действиями.
		var report accounts.UsageReport
		if outcome.Success() {
			if action == model.ActionMessage {
				report.Messages = 1
			} else {
				report.Invites = 1
			}
		}
		if err := e.alloc.ReleaseWithReport(ctx, alloc.Token, report); err != nil {
			log.Warn("release failed", zap.Error(err))
		}
	}()

	telemetry.Emit(telemetry.EventInviteAttempt, telemetry.Event{
		TaskID:     task.ID,
		AccountID:  alloc.SessionID,
		Outcome:    outcomeLabel(outcome),
		ErrorKind:  outcome.Kind,
		DurationMS: durationMS,
	})

	switch {
	case outcome.Success():
		e.closeTarget(ctx, target, model.TargetInvited, model.KindNone, alloc.SessionID, log)
		e.appendLog(ctx, task, target, alloc.SessionID, action, model.LogSuccess, model.KindNone, "", durationMS)
		return false

	case outcome.Kind == model.KindAlreadyParticipant:
		// Цель уже внутри: терминально для цели, бюджет не тратится.
		e.closeTarget(ctx, target, model.TargetSkipped, outcome.Kind, alloc.SessionID, log)
		e.appendLog(ctx, task, target, alloc.SessionID, action, model.LogSkipped, outcome.Kind, outcome.Human, durationMS)
		return false

	case outcome.Kind.TerminalForTarget():
		e.closeTarget(ctx, target, model.TargetFailed, outcome.Kind, alloc.SessionID, log)
		e.appendLog(ctx, task, target, alloc.SessionID, action, model.LogFailed, outcome.Kind, outcome.Human, durationMS)
		return false

	case outcome.Kind == model.KindCancelled:
		// Остановка оркестратора: цель остаётся PENDING, ничего не пишем.
		return true

	case outcome.Kind == model.KindFloodWait || outcome.Kind == model.KindPeerFlood:
		// Цель не виновата: в голову очереди, аккаунт уже переведён
		// менеджером в FLOOD_WAIT/BLOCKED записью выше.
		if err := e.store.RequeueTargetHead(ctx, task.ID, target.ID, e.now()); err != nil {
			log.Error("requeue failed", zap.Error(err))
		}
		e.appendLog(ctx, task, target, alloc.SessionID, action, model.LogSystemError, outcome.Kind, outcome.Human, durationMS)
		return false

	case outcome.Kind == model.KindTransientNetwork:
		if target.Attempts >= transientCap {
			e.closeTarget(ctx, target, model.TargetFailed, outcome.Kind, alloc.SessionID, log)
			e.appendLog(ctx, task, target, alloc.SessionID, action, model.LogFailed, outcome.Kind, outcome.Human, durationMS)
			return false
		}
		target.Status = model.TargetPending
		target.LastErrorKind = outcome.Kind
		if err := e.store.SaveTargetOutcome(ctx, target, e.now()); err != nil {
			log.Error("save target failed", zap.Error(err))
		}
		e.appendLog(ctx, task, target, alloc.SessionID, action, model.LogSystemError, outcome.Kind, outcome.Human, durationMS)
		backoff := transientBackoffBase << (target.Attempts - 1)
		if err := e.sleep(ctx, backoff); err != nil {
			return true
		}
		return false

	default:
		e.closeTarget(ctx, target, model.TargetFailed, model.KindUnknownPlatform, alloc.SessionID, log)
		e.appendLog(ctx, task, target, alloc.SessionID, action, model.LogFailed, model.KindUnknownPlatform, outcome.Human, durationMS)
		return false
	}
}

// closeTarget сохраняет конечный (или возвращённый) статус цели.
func (e *Engine) closeTarget(ctx context.Context, target *model.Target, status model.TargetStatus, kind model.ErrorKind, accountID string, log *zap.Logger) {
	target.Status = status
	target.LastErrorKind = kind
	if accountID != "" {
		target.LastAccountID = accountID
	}
	if err := e.store.SaveTargetOutcome(ctx, target, e.now()); err != nil {
		log.Error("save target failed", zap.String("target_id", target.ID), zap.Error(err))
	}
}

// appendLog пишет одну append-only запись журнала исполнения.
func (e *Engine) appendLog(ctx context.Context, task *model.Task, target *model.Target, accountID string, action model.Action, logOutcome model.LogOutcome, kind model.ErrorKind, message string, durationMS int64) {
	entry := model.ExecutionLog{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		TargetID:   target.ID,
		AccountID:  accountID,
		Action:     action,
		Outcome:    logOutcome,
		ErrorKind:  kind,
		Message:    message,
		DurationMS: durationMS,
		CreatedAt:  e.now(),
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.log.Error("append log failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// handleAllocateFailure переводит задачу в паузу или фейл по исходу аллокации.
func (e *Engine) handleAllocateFailure(ctx context.Context, task *model.Task, err error, log *zap.Logger) bool {
	if errors.Is(err, accounts.ErrUserHasNoSessions) {
		log.Warn("owner has no sessions")
		_ = e.store.SetTaskStatus(ctx, task.ID, model.TaskFailed, "", e.now())
		return true
	}

	var noAcc *accounts.NoAccountError
	if errors.As(err, &noAcc) {
		switch {
		case noAcc.Reason == "no_eligible_account":
			// Все аккаунты владельца исключены (нет админ-прав): пауза с
			// автоворзвратом — права могли выдать, новый проход перепроверит.
			e.pauseAndRearm(ctx, task.ID, noAcc.Reason, pauseRetryFallback, log)
			return true
		case noAcc.Reason != "":
			// Пожизненный потолок канала: пауза без автоворзврата, решение
			// за владельцем (другой канал или другие аккаунты).
			if setErr := e.store.SetTaskStatus(ctx, task.ID, model.TaskPaused, noAcc.Reason, e.now()); setErr != nil {
				log.Error("pause failed", zap.Error(setErr))
			}
			log.Warn("task paused", zap.String("reason", noAcc.Reason))
			return true
		}
		retry := noAcc.RetryAfter
		if retry <= 0 {
			retry = pauseRetryFallback
		}
		e.pauseAndRearm(ctx, task.ID, "budget_exhausted", retry, log)
		return true
	}

	log.Error("allocate failed", zap.Error(err))
	_ = e.store.SetTaskStatus(ctx, task.ID, model.TaskFailed, "", e.now())
	return true
}

// pauseAndRearm ставит задачу на паузу и взводит возвращение в очередь
// через retryAfter (кратчайший retry_after среди отказов).
func (e *Engine) pauseAndRearm(ctx context.Context, taskID, reason string, retryAfter time.Duration, log *zap.Logger) {
	if err := e.store.SetTaskStatus(ctx, taskID, model.TaskPaused, reason, e.now()); err != nil {
		log.Error("pause failed", zap.Error(err))
		return
	}
	log.Info("task paused", zap.String("reason", reason), zap.Duration("retry_after", retryAfter))

	time.AfterFunc(retryAfter, func() {
		rearmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		current, err := e.store.TaskByID(rearmCtx, taskID)
		if err != nil || current.Status != model.TaskPaused || current.PauseReason != reason {
			return
		}
		if err := e.store.SetTaskStatus(rearmCtx, taskID, model.TaskPending, "", e.now()); err != nil {
			e.log.Error("rearm failed", zap.String("task_id", taskID), zap.Error(err))
		}
	})
}

func (e *Engine) taskRunning(ctx context.Context, taskID string) bool {
	status, err := e.store.TaskStatusOf(ctx, taskID)
	return err == nil && status == model.TaskRunning
}

func outcomeLabel(o model.Outcome) string {
	if o.Success() {
		return "success"
	}
	return "failed"
}
