// Операции над задачами: диспетчерская выборка (priority-major, FIFO внутри
// полосы), переходы статусов и счётчики. Пишут сюда только движки задач.
package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"telegram-orchestrator/internal/domain/model"
)

const taskColumns = `task_id, owner_user_id, kind, platform, status, priority,
	pause_reason, invite_type, group_id, settings, counters, created_at, updated_at`

// taskCounters — jsonb-обёртка колонки counters.
type taskCounters struct {
	Parse  model.ParseCounters  `json:"parse,omitempty"`
	Invite model.InviteCounters `json:"invite,omitempty"`
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var (
		t           model.Task
		settingsRaw []byte
		countersRaw []byte
	)
	err := row.Scan(&t.ID, &t.OwnerUserID, &t.Kind, &t.Platform, &t.Status, &t.Priority,
		&t.PauseReason, &t.InviteType, &t.GroupID, &settingsRaw, &countersRaw,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan task")
	}
	if len(settingsRaw) > 0 {
		if err = json.Unmarshal(settingsRaw, &t.Settings); err != nil {
			return nil, errors.Wrap(err, "decode settings")
		}
	}
	if len(countersRaw) > 0 {
		var c taskCounters
		if err = json.Unmarshal(countersRaw, &c); err != nil {
			return nil, errors.Wrap(err, "decode counters")
		}
		t.Parse, t.Invite = c.Parse, c.Invite
	}
	return &t, nil
}

// TaskByID возвращает задачу по идентификатору.
func (s *Store) TaskByID(ctx context.Context, id string) (*model.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id=$1`, id)
	return scanTask(row)
}

// CreateTask сохраняет новую задачу в статусе PENDING.
func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	settingsRaw, err := json.Marshal(t.Settings)
	if err != nil {
		return errors.Wrap(err, "encode settings")
	}
	countersRaw, err := json.Marshal(taskCounters{Parse: t.Parse, Invite: t.Invite})
	if err != nil {
		return errors.Wrap(err, "encode counters")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (task_id, owner_user_id, kind, platform, status, priority,
			pause_reason, invite_type, group_id, settings, counters, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`,
		t.ID, t.OwnerUserID, t.Kind, t.Platform, t.Status, t.Priority,
		t.PauseReason, t.InviteType, t.GroupID, settingsRaw, countersRaw, t.CreatedAt)
	return errors.Wrap(err, "insert task")
}

// ClaimNextPending атомарно забирает следующую PENDING-задачу в работу:
// HIGH раньше NORMAL раньше LOW, FIFO внутри полосы. SKIP LOCKED исключает
// гонку двух диспетчеров. Возвращает ErrNotFound, когда очередь пуста.
func (s *Store) ClaimNextPending(ctx context.Context, now time.Time) (*model.Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks SET status=$1, updated_at=$2
		 WHERE task_id = (
			SELECT task_id FROM tasks WHERE status=$3
			ORDER BY CASE priority WHEN 'HIGH' THEN 2 WHEN 'NORMAL' THEN 1 ELSE 0 END DESC,
				created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+taskColumns,
		model.TaskRunning, now, model.TaskPending)
	return scanTask(row)
}

// SetTaskStatus переводит задачу в новый статус; причина паузы очищается
// при любом переходе, кроме PAUSED.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status model.TaskStatus, pauseReason string, now time.Time) error {
	if status != model.TaskPaused {
		pauseReason = ""
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status=$2, pause_reason=$3, updated_at=$4 WHERE task_id=$1`,
		id, status, pauseReason, now)
	if err != nil {
		return errors.Wrap(err, "set task status")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TaskStatusOf возвращает текущий статус задачи (для кооперативной отмены:
// воркер перечитывает статус между целями).
func (s *Store) TaskStatusOf(ctx context.Context, id string) (model.TaskStatus, error) {
	var status model.TaskStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE task_id=$1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "task status")
	}
	return status, nil
}

// SaveTaskCounters персистит бегущие счётчики задачи.
func (s *Store) SaveTaskCounters(ctx context.Context, t *model.Task) error {
	countersRaw, err := json.Marshal(taskCounters{Parse: t.Parse, Invite: t.Invite})
	if err != nil {
		return errors.Wrap(err, "encode counters")
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE tasks SET counters=$2, updated_at=now() WHERE task_id=$1`,
		t.ID, countersRaw)
	return errors.Wrap(err, "save task counters")
}
