// Восстановление аккаунтов. Фоновый цикл забирает из расписания созревшие
// записи, пробует сессию лёгким вызовом и либо возвращает её в пул, либо
// откладывает следующую пробу с экспоненциальной паузой (потолок — сутки).
// После series неудачных проб аккаунт отключается насовсем.
package accounts

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"telegram-orchestrator/internal/domain/model"
	"telegram-orchestrator/internal/infra/config"
	"telegram-orchestrator/internal/infra/telemetry"
)

// recoveryBatch — сколько записей расписания обрабатывается за один тик.
const recoveryBatch = 10

// probeDelay возвращает паузу перед следующей пробой после failures подряд
// неудачных: base, 2·base, 4·base, ... с потолком в сутки.
func probeDelay(failures int, base time.Duration) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 24 * time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 0; i < failures; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

// StartRecovery запускает цикл восстановления. Повторные вызовы — no-op.
func (m *Manager) StartRecovery(ctx context.Context) {
	m.recoveryOnce.Do(func() {
		m.recoveryStarted = true
		go m.recoveryLoop(ctx)
	})
}

// StopRecovery останавливает цикл.
func (m *Manager) StopRecovery() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.recoveryStarted {
			<-m.doneCh
		}
	})
}

func (m *Manager) recoveryLoop(ctx context.Context) {
	defer close(m.doneCh)

	interval := time.Duration(m.env.RecoveryPollSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.recoverDue(ctx)
		}
	}
}

func (m *Manager) recoverDue(ctx context.Context) {
	now := m.now()
	entries, err := m.locks.DueRecoveries(ctx, now, recoveryBatch)
	if err != nil {
		m.log.Error("due recoveries failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		m.recoverOne(ctx, entry)
	}
}

// recoverOne обрабатывает одну созревшую запись расписания.
func (m *Manager) recoverOne(ctx context.Context, entry model.RecoveryEntry) {
	sess, err := m.store.SessionByID(ctx, entry.AccountID)
	if err != nil {
		m.log.Warn("recovery: session load failed",
			zap.String("session_id", entry.AccountID), zap.Error(err))
		return
	}
	if sess.Status == model.SessionDisabled || sess.Status == model.SessionActive {
		return
	}

	// Проба идёт под короткой блокировкой, чтобы не столкнуться с чужой
	// аллокацией того же аккаунта.
	token := uuid.NewString()
	locked, err := m.locks.Acquire(ctx, sess.ID, token, config.LockTTL(model.PurposeAdminProbe))
	if err != nil {
		m.log.Error("recovery: lock failed", zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	if !locked {
		// Аккаунт кем-то занят; вернёмся следующим тиком.
		m.scheduleRecovery(ctx, sess.ID, entry.Reason, m.now().Add(time.Minute))
		return
	}
	defer func() {
		_ = m.locks.Release(ctx, sess.ID, token)
	}()

	outcome := m.broker.ProbeSession(ctx, sess)
	now := m.now()

	switch {
	case outcome.Kind == model.KindCancelled:
		// Остановка оркестратора посреди пробы: не неудача аккаунта,
		// запись возвращается в расписание без счёта.
		m.scheduleRecovery(ctx, sess.ID, entry.Reason, now.Add(time.Minute))
		return

	case outcome.Success():
		sess.Status = model.SessionActive
		sess.FloodWaitUntil = time.Time{}
		sess.BlockedUntil = time.Time{}
		sess.ErrorCount = 0
		if err := m.store.SaveSessionCounters(ctx, sess); err != nil {
			m.log.Error("recovery: save failed", zap.String("session_id", sess.ID), zap.Error(err))
			return
		}
		telemetry.Emit(telemetry.EventSessionRecover, telemetry.Event{AccountID: sess.ID, Outcome: "ok"})
		m.log.Info("session recovered", zap.String("session_id", sess.ID))

	case outcome.Kind.FatalForAccount():
		sess.Status = model.SessionDisabled
		m.broker.Evict(sess.ID)
		if err := m.store.SaveSessionCounters(ctx, sess); err != nil {
			m.log.Error("recovery: save failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
		telemetry.Emit(telemetry.EventSessionDisabled, telemetry.Event{
			AccountID: sess.ID,
			ErrorKind: outcome.Kind,
		})

	default:
		sess.ErrorCount++
		if outcome.Kind == model.KindFloodWait {
			sess.FloodWaitUntil = now.Add(outcome.FloodDuration()).Add(m.env.FloodWaitBuffer())
		}
		if sess.ErrorCount >= m.env.RecoveryMaxFailures {
			sess.Status = model.SessionDisabled
			m.broker.Evict(sess.ID)
			if err := m.store.SaveSessionCounters(ctx, sess); err != nil {
				m.log.Error("recovery: save failed", zap.String("session_id", sess.ID), zap.Error(err))
			}
			telemetry.Emit(telemetry.EventSessionDisabled, telemetry.Event{
				AccountID: sess.ID,
				ErrorKind: outcome.Kind,
			})
			return
		}

		due := now.Add(probeDelay(sess.ErrorCount, time.Duration(m.env.RecoveryPollSec)*time.Second))
		if outcome.Kind == model.KindFloodWait && sess.FloodWaitUntil.After(due) {
			due = sess.FloodWaitUntil
		}
		if err := m.store.SaveSessionCounters(ctx, sess); err != nil {
			m.log.Error("recovery: save failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
		m.scheduleRecovery(ctx, sess.ID, entry.Reason, due)
		m.log.Info("session probe failed, rescheduled",
			zap.String("session_id", sess.ID),
			zap.String("error_kind", string(outcome.Kind)),
			zap.Time("due", due))
	}
}
