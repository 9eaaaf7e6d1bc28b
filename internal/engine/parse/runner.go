// Package parse — движок парсинг-задач: превращает задачу в ограниченную
// последовательность операций брокера, монотонно двигает прогресс и
// сохраняет результаты. Источники обрабатываются по очереди, каждый — на
// отдельно арендованном аккаунте.
package parse

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"telegram-orchestrator/internal/accounts"
	"telegram-orchestrator/internal/broker"
	"telegram-orchestrator/internal/domain/model"
	"telegram-orchestrator/internal/infra/config"
	"telegram-orchestrator/internal/infra/logger"
	"telegram-orchestrator/internal/infra/telemetry"
)

// maxReallocate — сколько раз источник пробует другой аккаунт после
// платформенного сбоя, прежде чем задача уйдёт в паузу.
const maxReallocate = 3

// pauseRetryFallback — пауза задачи, когда свободных аккаунтов нет и
// точного retry_after тоже нет.
const pauseRetryFallback = 5 * time.Minute

// errTaskStopped — задача перестала быть RUNNING посреди выгрузки.
var errTaskStopped = errors.New("parse: task is no longer running")

// taskStore — срез StateStore для движка.
type taskStore interface {
	TaskByID(ctx context.Context, id string) (*model.Task, error)
	TaskStatusOf(ctx context.Context, id string) (model.TaskStatus, error)
	SetTaskStatus(ctx context.Context, id string, status model.TaskStatus, pauseReason string, now time.Time) error
	SaveTaskCounters(ctx context.Context, t *model.Task) error
	InsertParseResults(ctx context.Context, results []model.ParseResult) error
	AppendLog(ctx context.Context, entry model.ExecutionLog) error
}

// allocator — срез менеджера аккаунтов.
type allocator interface {
	Allocate(ctx context.Context, ownerUserID int64, purpose model.Purpose, channel string, exclude []string) (*accounts.Allocation, error)
	HandleError(ctx context.Context, token, key string, outcome model.Outcome) error
	Extend(ctx context.Context, token string) error
	Release(ctx context.Context, token string) error
}

// platform — срез брокера.
type platform interface {
	ResolveEntity(ctx context.Context, sess *model.Session, handle string) (broker.Entity, model.Outcome)
	CheckCommentsEnabled(ctx context.Context, sess *model.Session, community broker.Entity) (bool, model.Outcome)
	FetchHistory(ctx context.Context, sess *model.Session, community broker.Entity, settings config.SpeedSettings, withParticipants bool, sink broker.BatchSink) (model.Outcome, error)
}

// Engine — раннер парсинг-задач.
type Engine struct {
	store  taskStore
	alloc  allocator
	broker platform
	log    *zap.Logger
	now    func() time.Time
}

// New собирает движок парсинга.
func New(store taskStore, alloc allocator, platformBroker platform) *Engine {
	return &Engine{
		store:  store,
		alloc:  alloc,
		broker: platformBroker,
		log:    logger.Named("parse"),
		now:    time.Now,
	}
}

// Kind возвращает вид обслуживаемых задач.
func (e *Engine) Kind() model.TaskKind { return model.TaskParse }

// Run исполняет одну задачу до конца, паузы или отмены.
func (e *Engine) Run(ctx context.Context, task *model.Task) {
	log := e.log.With(zap.String("task_id", task.ID))
	log.Info("parse task started", zap.Int("sources", len(task.Settings.Sources)))

	for _, source := range task.Settings.Sources {
		if !e.taskRunning(ctx, task.ID) {
			log.Info("parse task interrupted")
			return
		}
		// Возобновление продолжает с первого незавершённого источника:
		// выгруженные до паузы не трогаются, дублей результатов нет.
		if task.Parse.SourceDone(source) {
			continue
		}
		if stopped := e.runSource(ctx, task, source, log); stopped {
			return
		}
	}

	if err := e.store.SetTaskStatus(ctx, task.ID, model.TaskCompleted, "", e.now()); err != nil {
		log.Error("complete failed", zap.Error(err))
		return
	}
	log.Info("parse task completed",
		zap.Int("messages", task.Parse.ProcessedMessages),
		zap.Int("media", task.Parse.ProcessedMedia),
		zap.Int("users", task.Parse.ProcessedUsers))
}

// runSource ведёт один источник: сперва планирование на короткой пробной
// аренде, затем выгрузка на парсинг-аренде. true — задача остановлена
// (пауза, отмена или фатальный сбой), оставшиеся источники не трогаем.
func (e *Engine) runSource(ctx context.Context, task *model.Task, source string, log *zap.Logger) bool {
	log = log.With(zap.String("source", source))

	entity, planned, stopped := e.planSource(ctx, task, source, log)
	if stopped {
		return true
	}
	if !planned {
		// Источник отфильтрован планированием: парсинг-аренда не берётся,
		// при возобновлении к нему не возвращаемся.
		e.markSourceDone(ctx, task, source, log)
		return false
	}

	for attempt := 0; attempt < maxReallocate; attempt++ {
		alloc, err := e.alloc.Allocate(ctx, task.OwnerUserID, model.PurposeParse, "", nil)
		if err != nil {
			return e.handleAllocateFailure(ctx, task, err, log)
		}

		sess := alloc.Session()
		done, fetchStopped := e.fetchOnAccount(ctx, task, source, entity, alloc, &sess, log)
		if fetchStopped {
			return true
		}
		if done {
			e.markSourceDone(ctx, task, source, log)
			return false
		}
		// Платформенный сбой аккаунта: следующая итерация возьмёт другой.
	}

	e.pauseAndRearm(ctx, task.ID, "accounts_exhausted", pauseRetryFallback, log)
	return true
}

// planSource разрешает источник и применяет обязательный фильтр
// комментариев на короткой пробной аренде. planned=false — источник
// терминален на этапе планирования (нерешаем или без комментариев).
func (e *Engine) planSource(ctx context.Context, task *model.Task, source string, log *zap.Logger) (entity broker.Entity, planned, stopped bool) {
	for attempt := 0; attempt < maxReallocate; attempt++ {
		alloc, err := e.alloc.Allocate(ctx, task.OwnerUserID, model.PurposeAdminProbe, "", nil)
		if err != nil {
			return broker.Entity{}, false, e.handleAllocateFailure(ctx, task, err, log)
		}
		sess := alloc.Session()
		release := func() {
			if relErr := e.alloc.Release(ctx, alloc.Token); relErr != nil {
				log.Warn("release failed", zap.Error(relErr))
			}
		}

		resolved, outcome := e.broker.ResolveEntity(ctx, &sess, source)
		if !outcome.Success() {
			_ = e.alloc.HandleError(ctx, alloc.Token, "resolve:"+source, outcome)
			release()
			if outcome.Kind == model.KindCancelled {
				return broker.Entity{}, false, true
			}
			if outcome.Kind.AccountFault() || outcome.Kind == model.KindTransientNetwork {
				continue // другой аккаунт
			}
			log.Warn("source unresolvable, skipped",
				zap.String("error_kind", string(outcome.Kind)), zap.String("reason", outcome.Human))
			e.appendSourceLog(ctx, task, alloc.SessionID, source, outcome)
			return broker.Entity{}, false, false
		}

		enabled, outcome := e.broker.CheckCommentsEnabled(ctx, &sess, resolved)
		if !outcome.Success() {
			_ = e.alloc.HandleError(ctx, alloc.Token, "comments:"+source, outcome)
			release()
			if outcome.Kind == model.KindCancelled {
				return broker.Entity{}, false, true
			}
			if outcome.Kind.AccountFault() || outcome.Kind == model.KindTransientNetwork {
				continue
			}
			e.appendSourceLog(ctx, task, alloc.SessionID, source, outcome)
			return broker.Entity{}, false, false
		}
		release()

		if !enabled {
			// Источник без работающих комментариев не даст аудиторию:
			// обязательный фильтр планирования.
			log.Info("source filtered: comments disabled")
			return broker.Entity{}, false, false
		}

		// Оценка считается один раз: возобновлённая задача не раздувает
		// EstimatedTotal повторным планированием того же источника.
		if _, estimated := task.Parse.SourceEstimates[source]; !estimated {
			if task.Parse.SourceEstimates == nil {
				task.Parse.SourceEstimates = map[string]int{}
			}
			estimate := estimateSource(source)
			task.Parse.SourceEstimates[source] = estimate
			task.Parse.EstimatedTotal += estimate
			if err := e.store.SaveTaskCounters(ctx, task); err != nil {
				log.Error("save counters failed", zap.Error(err))
			}
		}
		return resolved, true, false
	}
	e.pauseAndRearm(ctx, task.ID, "accounts_exhausted", pauseRetryFallback, log)
	return broker.Entity{}, false, true
}

// fetchOnAccount выгружает источник на одном арендованном аккаунте.
// done=true — источник завершён (успешно или терминально для источника);
// stopped=true — задача остановлена целиком.
func (e *Engine) fetchOnAccount(ctx context.Context, task *model.Task, source string, entity broker.Entity, alloc *accounts.Allocation, sess *model.Session, log *zap.Logger) (done, stopped bool) {
	release := func() {
		if err := e.alloc.Release(ctx, alloc.Token); err != nil {
			log.Warn("release failed", zap.Error(err))
		}
	}

	settings := config.Speed(task.Settings.Speed)
	outcome, sinkErr := e.broker.FetchHistory(ctx, sess, entity, settings, task.Settings.WithParticipants,
		func(batch broker.HistoryBatch) error {
			if err := e.absorbBatch(ctx, task, batch); err != nil {
				return err
			}
			// Парсинг долгий: аренда продлевается на каждой партии.
			if err := e.alloc.Extend(ctx, alloc.Token); err != nil {
				log.Warn("extend allocation failed", zap.Error(err))
			}
			return nil
		})

	if sinkErr != nil {
		release()
		if errors.Is(sinkErr, errTaskStopped) {
			log.Info("parse task interrupted mid-source")
			return false, true
		}
		log.Error("persist batch failed", zap.Error(sinkErr))
		_ = e.store.SetTaskStatus(ctx, task.ID, model.TaskFailed, "", e.now())
		return false, true
	}

	if outcome.Success() {
		release()
		log.Info("source done")
		return true, false
	}

	_ = e.alloc.HandleError(ctx, alloc.Token, "fetch:"+source, outcome)
	release()
	if outcome.Kind == model.KindCancelled {
		log.Info("parse task interrupted mid-source")
		return false, true
	}
	if outcome.Kind.AccountFault() || outcome.Kind == model.KindTransientNetwork {
		log.Info("account fault mid-source, reallocating",
			zap.String("error_kind", string(outcome.Kind)))
		return false, false
	}
	// Терминальная для источника ошибка (канал удалён и т.п.): источник
	// закрыт, новых результатов не будет.
	log.Warn("source terminated by platform", zap.String("error_kind", string(outcome.Kind)))
	e.appendSourceLog(ctx, task, alloc.SessionID, source, outcome)
	return true, false
}

// markSourceDone фиксирует завершённость источника в счётчиках задачи.
func (e *Engine) markSourceDone(ctx context.Context, task *model.Task, source string, log *zap.Logger) {
	if task.Parse.SourceDone(source) {
		return
	}
	task.Parse.DoneSources = append(task.Parse.DoneSources, source)
	if err := e.store.SaveTaskCounters(ctx, task); err != nil {
		log.Error("save counters failed", zap.Error(err))
	}
}

// appendSourceLog пишет в журнал исполнения терминальный исход источника:
// zap-логов для аудита недостаточно, след остаётся в execution_logs.
func (e *Engine) appendSourceLog(ctx context.Context, task *model.Task, accountID, source string, outcome model.Outcome) {
	entry := model.ExecutionLog{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		AccountID: accountID,
		Action:    model.ActionRead,
		Outcome:   model.LogFailed,
		ErrorKind: outcome.Kind,
		Message:   source + ": " + outcome.Human,
		CreatedAt: e.now(),
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		e.log.Error("append log failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// absorbBatch санитизирует и сохраняет партию, двигая счётчики и прогресс.
func (e *Engine) absorbBatch(ctx context.Context, task *model.Task, batch broker.HistoryBatch) error {
	if !e.taskRunning(ctx, task.ID) {
		return errTaskStopped
	}

	now := e.now()
	results := make([]model.ParseResult, 0, len(batch.Records))
	for _, record := range batch.Records {
		results = append(results, model.ParseResult{
			ID:           uuid.NewString(),
			TaskID:       task.ID,
			Kind:         record.Kind,
			PlatformKey:  record.PlatformKey,
			Payload:      sanitizePayload(record.Payload),
			DiscoveredAt: now,
		})
	}
	if err := e.store.InsertParseResults(ctx, results); err != nil {
		return err
	}

	task.Parse.ProcessedMessages += batch.Messages
	task.Parse.ProcessedMedia += batch.Media
	task.Parse.ProcessedUsers += batch.Users
	processed := task.Parse.ProcessedMessages + task.Parse.ProcessedMedia + task.Parse.ProcessedUsers
	task.Parse.ProgressPercent = progressPercent(processed, task.Parse.EstimatedTotal)

	if err := e.store.SaveTaskCounters(ctx, task); err != nil {
		return err
	}

	telemetry.Emit(telemetry.EventParseBatch, telemetry.Event{
		TaskID:  task.ID,
		Outcome: "ok",
		Extra: []zap.Field{
			zap.Int("messages", batch.Messages),
			zap.Int("media", batch.Media),
			zap.Int("users", batch.Users),
			zap.Int("progress", task.Parse.ProgressPercent),
		},
	})
	return nil
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
		retry := noAcc.RetryAfter
		if retry <= 0 {
			retry = pauseRetryFallback
		}
		e.pauseAndRearm(ctx, task.ID, "no_available_account", retry, log)
		return true
	}

	log.Error("allocate failed", zap.Error(err))
	_ = e.store.SetTaskStatus(ctx, task.ID, model.TaskFailed, "", e.now())
	return true
}

// pauseAndRearm ставит задачу на паузу и взводит автоматическое
// возвращение в очередь через retryAfter.
func (e *Engine) pauseAndRearm(ctx context.Context, taskID, reason string, retryAfter time.Duration, log *zap.Logger) {
	if err := e.store.SetTaskStatus(ctx, taskID, model.TaskPaused, reason, e.now()); err != nil {
		log.Error("pause failed", zap.Error(err))
		return
	}
	log.Info("task paused", zap.String("reason", reason), zap.Duration("retry_after", retryAfter))

	time.AfterFunc(retryAfter, func() {
		rearmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Возвращаем только свою паузу: пауза по запросу владельца
		// дожидается явного resume.
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
