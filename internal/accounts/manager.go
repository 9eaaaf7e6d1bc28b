// Package accounts — менеджер аккаунтов: выбор и аренда сессий, учёт
// бюджета, реакция на классифицированные ошибки и восстановление. Менеджер —
// единственный писатель счётчиков и статусов сессий; взаимное исключение
// между процессами обеспечивает LockStore, строка в StateStore лишь
// зеркалирует блокировку.
package accounts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"telegram-orchestrator/internal/domain/model"
	"telegram-orchestrator/internal/infra/config"
	"telegram-orchestrator/internal/infra/logger"
	"telegram-orchestrator/internal/infra/telemetry"
)

// Веса скоринга кандидата: меньше использован, меньше ошибок, дольше
// простаивал — лучше.
const (
	scoreWeightUsage  = 1.0
	scoreWeightErrors = 2.0
	scoreWeightIdle   = 0.1 // за час простоя
)

// peerFloodBlock — срок блокировки после PEER_FLOOD.
const peerFloodBlock = 24 * time.Hour

// ErrUserHasNoSessions — у владельца нет ни одной сессии вовсе.
var ErrUserHasNoSessions = errors.New("accounts: user has no sessions")

// ErrInvalidAllocation — токен аллокации неизвестен или уже отпущен.
var ErrInvalidAllocation = errors.New("accounts: invalid allocation token")

// NoAccountError — подходящей сессии нет прямо сейчас. RetryAfter подсказывает,
// когда ближайшая сессия освободит бюджет; Reason непустой, когда отказ
// системный (например, пожизненный потолок канала у всех сессий).
type NoAccountError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *NoAccountError) Error() string {
	return "accounts: no available account"
}

// stateStore — срез StateStore, нужный менеджеру. Интерфейс объявлен у
// потребителя, чтобы тесты подменяли хранилище фейком.
type stateStore interface {
	SessionByID(ctx context.Context, id string) (*model.Session, error)
	CandidateSessions(ctx context.Context, ownerUserID int64) ([]model.Session, error)
	CountSessionsOwned(ctx context.Context, ownerUserID int64) (int, error)
	SaveSessionCounters(ctx context.Context, sess *model.Session) error
	MirrorLock(ctx context.Context, sessionID, lockedBy string, expiresAt time.Time) error
	ClearLockMirror(ctx context.Context, sessionID string) error
}

// locker — срез LockStore.
type locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
	Extend(ctx context.Context, key, owner string, ttl time.Duration) error
	ScheduleRecovery(ctx context.Context, entry model.RecoveryEntry) error
	DueRecoveries(ctx context.Context, now time.Time, limit int) ([]model.RecoveryEntry, error)
	DropRecovery(ctx context.Context, accountID string, reason model.RecoveryReason) error
}

// prober — срез брокера для восстановления и эвикции клиентов.
type prober interface {
	ProbeSession(ctx context.Context, sess *model.Session) model.Outcome
	Evict(sessionID string)
}

// Allocation — аренда одной сессии под одно назначение. Токен одноразовый:
// после Release любые вызовы с ним отклоняются.
type Allocation struct {
	Token     string
	SessionID string
	Purpose   model.Purpose
	Channel   string

	// sess — авторитетная копия менеджера на время аренды.
	sess      *model.Session
	expiresAt time.Time
	// recorded — успешные действия, учтённые за время аренды; сверяется с
	// отчётом потребителя при ReleaseWithReport.
	recorded UsageReport
}

// UsageReport — отчёт потребителя об успешных действиях на аренде. Сверка с
// учтёнными действиями при возврате ловит расхождения между движком и
// менеджером: несданное действие — дыра в бюджете.
type UsageReport struct {
	Invites  int
	Messages int
	Contacts int
}

// Session возвращает снимок арендованной сессии.
func (a *Allocation) Session() model.Session {
	if a.sess == nil {
		return model.Session{ID: a.SessionID}
	}
	return *a.sess
}

// Manager реализует аллокацию и учёт.
type Manager struct {
	store  stateStore
	locks  locker
	broker prober
	limits config.LimitTable
	env    config.EnvConfig
	log    *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	live map[string]*Allocation
	// seen — ключи идемпотентности RecordAction: token|action|key.
	seen map[string]struct{}

	recoveryOnce    sync.Once
	recoveryStarted bool
	stopOnce        sync.Once
	stopCh          chan struct{}
	doneCh          chan struct{}
}

// NewManager собирает менеджер аккаунтов.
func NewManager(store stateStore, locks locker, broker prober, env config.EnvConfig) *Manager {
	return &Manager{
		store:  store,
		locks:  locks,
		broker: broker,
		limits: config.Limits(),
		env:    env,
		log:    logger.Named("accounts"),
		now:    time.Now,
		live:   map[string]*Allocation{},
		seen:   map[string]struct{}{},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// candidateScore — чем меньше, тем привлекательнее сессия.
func candidateScore(sess *model.Session, now time.Time) float64 {
	idleHours := now.Sub(sess.LastUsedAt).Hours()
	if idleHours < 0 {
		idleHours = 0
	}
	return scoreWeightUsage*float64(sess.InvitesToday+sess.MessagesToday) +
		scoreWeightErrors*float64(sess.ErrorCount) -
		scoreWeightIdle*idleHours
}

// Allocate выбирает и арендует сессию владельца под назначение. channel
// обязателен для инвайтов: бюджет проверяется в том числе поканально.
// exclude — сессии, исключённые вызывающим из рассмотрения (например,
// аккаунты без админ-прав в группе кампании): скоринг их не видит, поэтому
// детерминированный выбор не возвращает один и тот же негодный аккаунт.
func (m *Manager) Allocate(ctx context.Context, ownerUserID int64, purpose model.Purpose, channel string, exclude []string) (*Allocation, error) {
	now := m.now()

	candidates, err := m.store.CandidateSessions(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		owned, countErr := m.store.CountSessionsOwned(ctx, ownerUserID)
		if countErr != nil {
			return nil, countErr
		}
		if owned == 0 {
			return nil, ErrUserHasNoSessions
		}
		return nil, &NoAccountError{}
	}

	excluded := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	type scored struct {
		sess  *model.Session
		score float64
	}
	var (
		eligible       []scored
		minRetry       time.Duration
		haveRetry      bool
		lifetimeDenied int
		excludedCount  int
	)
	for i := range candidates {
		sess := &candidates[i]
		if _, skip := excluded[sess.ID]; skip {
			excludedCount++
			continue
		}
		normalizeDay(sess, now, m.env.CounterResetHourUTC)

		decision := checkBudget(sess, purpose, channel, m.limits, now, m.env.CounterResetHourUTC)
		if !decision.Allowed {
			if decision.Rule == RuleChannelLifetime {
				lifetimeDenied++
				continue
			}
			if !haveRetry || decision.RetryAfter < minRetry {
				minRetry = decision.RetryAfter
				haveRetry = true
			}
			continue
		}
		eligible = append(eligible, scored{sess: sess, score: candidateScore(sess, now)})
	}

	if len(eligible) == 0 {
		switch {
		case excludedCount == len(candidates):
			return nil, &NoAccountError{Reason: "no_eligible_account"}
		case !haveRetry && lifetimeDenied > 0:
			return nil, &NoAccountError{Reason: "lifetime_exhausted_channel"}
		default:
			return nil, &NoAccountError{RetryAfter: minRetry}
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score < eligible[j].score
		}
		return eligible[i].sess.ID < eligible[j].sess.ID
	})

	ttl := config.LockTTL(purpose)
	for _, cand := range eligible {
		token := uuid.NewString()
		ok, lockErr := m.locks.Acquire(ctx, cand.sess.ID, token, ttl)
		if lockErr != nil {
			return nil, lockErr
		}
		if !ok {
			continue
		}

		expiresAt := now.Add(ttl)
		if mirrorErr := m.store.MirrorLock(ctx, cand.sess.ID, token, expiresAt); mirrorErr != nil {
			m.log.Warn("mirror lock failed", zap.String("session_id", cand.sess.ID), zap.Error(mirrorErr))
		}

		alloc := &Allocation{
			Token:     token,
			SessionID: cand.sess.ID,
			Purpose:   purpose,
			Channel:   channel,
			sess:      cand.sess,
			expiresAt: expiresAt,
		}
		m.mu.Lock()
		m.live[token] = alloc
		m.mu.Unlock()

		telemetry.Emit(telemetry.EventAllocate, telemetry.Event{
			AccountID: cand.sess.ID,
			Outcome:   "ok",
			Extra:     []zap.Field{zap.String("purpose", string(purpose))},
		})
		return alloc, nil
	}

	// Все подходящие заняты другими аллокациями: короткий retry.
	return nil, &NoAccountError{RetryAfter: 30 * time.Second}
}

// lookup возвращает живую аллокацию по токену.
func (m *Manager) lookup(token string) (*Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	alloc, ok := m.live[token]
	if !ok {
		return nil, ErrInvalidAllocation
	}
	return alloc, nil
}

// RecordAction фиксирует исход действия на арендованной сессии. Вызов
// идемпотентен по тройке (токен, действие, ключ): повтор с тем же ключом не
// изменит счётчики. Неуспех, относящийся к цели, бюджет не тратит.
func (m *Manager) RecordAction(ctx context.Context, token string, action model.Action, key string, outcome model.Outcome) error {
	alloc, err := m.lookup(token)
	if err != nil {
		return err
	}

	dedupe := token + "|" + string(action) + "|" + key
	m.mu.Lock()
	if _, done := m.seen[dedupe]; done {
		m.mu.Unlock()
		return nil
	}
	m.seen[dedupe] = struct{}{}
	m.mu.Unlock()

	now := m.now()
	sess := alloc.sess
	normalizeDay(sess, now, m.env.CounterResetHourUTC)
	sess.LastUsedAt = now

	if outcome.Success() {
		m.applySuccess(sess, action, alloc.Channel, now)
		switch action {
		case model.ActionInvite:
			alloc.recorded.Invites++
		case model.ActionMessage:
			alloc.recorded.Messages++
		case model.ActionContactAdd:
			alloc.recorded.Contacts++
		}
	} else {
		m.applyFailure(ctx, sess, outcome, now)
	}

	if saveErr := m.store.SaveSessionCounters(ctx, sess); saveErr != nil {
		return saveErr
	}
	return nil
}

// HandleError фиксирует ошибку вне учётного действия (разрешение сущности,
// проверка прав): счётчики бюджета не трогаются, состояние сессии — да.
// Идемпотентен по (токен, ключ): ключ задаёт вызывающий из устойчивых
// входов попытки, повтор не удвоит ErrorCount и не продублирует расписание
// восстановления.
func (m *Manager) HandleError(ctx context.Context, token, key string, outcome model.Outcome) error {
	return m.RecordAction(ctx, token, model.ActionRead, "error:"+key, outcome)
}

// CheckLimit проверяет бюджет арендованной сессии под действие, ничего не
// списывая. scope — канал для поканальных правил инвайтов. Работает на
// копии сессии: нормализация дня не утекает мимо сохранения.
func (m *Manager) CheckLimit(token string, action model.Action, scope string) (Decision, error) {
	alloc, err := m.lookup(token)
	if err != nil {
		return Decision{}, err
	}
	now := m.now()
	sess := *alloc.sess
	if sess.Channels != nil {
		channels := make(map[string]model.ChannelUsage, len(sess.Channels))
		for channel, usage := range sess.Channels {
			channels[channel] = usage
		}
		sess.Channels = channels
	}
	normalizeDay(&sess, now, m.env.CounterResetHourUTC)
	switch action {
	case model.ActionInvite:
		return checkInvite(&sess, scope, m.limits, now, m.env.CounterResetHourUTC), nil
	case model.ActionMessage:
		return checkMessage(&sess, m.limits, now, m.env.CounterResetHourUTC), nil
	default:
		return allowed(), nil
	}
}

func (m *Manager) applySuccess(sess *model.Session, action model.Action, channel string, now time.Time) {
	switch action {
	case model.ActionInvite:
		sess.InvitesToday++
		if channel != "" {
			if sess.Channels == nil {
				sess.Channels = map[string]model.ChannelUsage{}
			}
			usage := sess.Channels[channel]
			usage.InvitesToday++
			usage.InvitesLifetime++
			sess.Channels[channel] = usage
		}
		sess.InviteTimes = append(pruneInviteTimes(sess.InviteTimes, now), now)
	case model.ActionMessage:
		sess.MessagesToday++
	case model.ActionContactAdd:
		sess.ContactsToday++
	}
}

func (m *Manager) applyFailure(ctx context.Context, sess *model.Session, outcome model.Outcome, now time.Time) {
	switch {
	case outcome.Kind == model.KindFloodWait:
		until := now.Add(outcome.FloodDuration()).Add(m.env.FloodWaitBuffer())
		sess.Status = model.SessionFloodWait
		sess.FloodWaitUntil = until
		m.scheduleRecovery(ctx, sess.ID, model.RecoveryFloodWait, until)
		telemetry.Emit(telemetry.EventSessionFlood, telemetry.Event{
			AccountID: sess.ID,
			ErrorKind: outcome.Kind,
			Extra:     []zap.Field{zap.Time("until", until)},
		})
	case outcome.Kind == model.KindPeerFlood:
		until := now.Add(peerFloodBlock)
		sess.Status = model.SessionBlocked
		sess.BlockedUntil = until
		m.scheduleRecovery(ctx, sess.ID, model.RecoveryPeerFlood, until)
	case outcome.Kind.FatalForAccount():
		sess.Status = model.SessionDisabled
		m.broker.Evict(sess.ID)
		for _, reason := range []model.RecoveryReason{model.RecoveryFloodWait, model.RecoveryPeerFlood, model.RecoveryBanReview} {
			_ = m.locks.DropRecovery(ctx, sess.ID, reason)
		}
		telemetry.Emit(telemetry.EventSessionDisabled, telemetry.Event{
			AccountID: sess.ID,
			ErrorKind: outcome.Kind,
		})
	case outcome.Kind == model.KindTransientNetwork:
		sess.ErrorCount++
	default:
		// Ошибки цели и неизвестные коды состояние сессии не меняют.
	}
}

func (m *Manager) scheduleRecovery(ctx context.Context, sessionID string, reason model.RecoveryReason, dueAt time.Time) {
	err := m.locks.ScheduleRecovery(ctx, model.RecoveryEntry{
		AccountID: sessionID,
		Reason:    reason,
		DueAt:     dueAt,
	})
	if err != nil {
		m.log.Error("schedule recovery failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Extend продлевает аренду (долгие парсинг-задачи).
func (m *Manager) Extend(ctx context.Context, token string) error {
	alloc, err := m.lookup(token)
	if err != nil {
		return err
	}
	ttl := config.LockTTL(alloc.Purpose)
	if err := m.locks.Extend(ctx, alloc.SessionID, token, ttl); err != nil {
		return err
	}
	alloc.expiresAt = m.now().Add(ttl)
	if mirrorErr := m.store.MirrorLock(ctx, alloc.SessionID, token, alloc.expiresAt); mirrorErr != nil {
		m.log.Warn("mirror lock failed", zap.String("session_id", alloc.SessionID), zap.Error(mirrorErr))
	}
	return nil
}

// Release возвращает сессию в пул без сверки отчёта. Идемпотентен:
// повторный вызов с тем же токеном — no-op.
func (m *Manager) Release(ctx context.Context, token string) error {
	return m.release(ctx, token, nil)
}

// ReleaseWithReport возвращает сессию в пул и сверяет отчёт потребителя с
// действиями, учтёнными за аренду. Расхождение фиксируется в журнале и
// телеметрии, но возврату не мешает: сессия не должна зависнуть в аренде
// из-за кривого отчёта.
func (m *Manager) ReleaseWithReport(ctx context.Context, token string, report UsageReport) error {
	return m.release(ctx, token, &report)
}

func (m *Manager) release(ctx context.Context, token string, report *UsageReport) error {
	m.mu.Lock()
	alloc, ok := m.live[token]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.live, token)
	prefix := token + "|"
	for key := range m.seen {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(m.seen, key)
		}
	}
	recorded := alloc.recorded
	m.mu.Unlock()

	outcome := "ok"
	if report != nil && *report != recorded {
		outcome = "usage_mismatch"
		m.log.Warn("usage report mismatch",
			zap.String("session_id", alloc.SessionID),
			zap.Int("reported_invites", report.Invites),
			zap.Int("recorded_invites", recorded.Invites),
			zap.Int("reported_messages", report.Messages),
			zap.Int("recorded_messages", recorded.Messages),
			zap.Int("reported_contacts", report.Contacts),
			zap.Int("recorded_contacts", recorded.Contacts))
	}

	if err := m.locks.Release(ctx, alloc.SessionID, token); err != nil {
		m.log.Warn("release lock failed", zap.String("session_id", alloc.SessionID), zap.Error(err))
	}
	if err := m.store.ClearLockMirror(ctx, alloc.SessionID); err != nil {
		m.log.Warn("clear lock mirror failed", zap.String("session_id", alloc.SessionID), zap.Error(err))
	}

	telemetry.Emit(telemetry.EventRelease, telemetry.Event{
		AccountID: alloc.SessionID,
		Outcome:   outcome,
	})
	return nil
}
