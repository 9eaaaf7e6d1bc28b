// Операции над целями инвайт-задач. Порядок диспетчеризации задаёт колонка
// position; requeue после FLOOD_WAIT возвращает цель в голову очереди.
package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"telegram-orchestrator/internal/domain/model"
)

const targetColumns = `target_id, task_id, identifiers, display_name, status,
	attempts, last_error_kind, last_account_id, position, updated_at`

func scanTarget(row pgx.Row) (*model.Target, error) {
	var (
		t      model.Target
		idsRaw []byte
	)
	err := row.Scan(&t.ID, &t.TaskID, &idsRaw, &t.DisplayName, &t.Status,
		&t.Attempts, &t.LastErrorKind, &t.LastAccountID, &t.Position, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan target")
	}
	if len(idsRaw) > 0 {
		if err = json.Unmarshal(idsRaw, &t.Identifiers); err != nil {
			return nil, errors.Wrap(err, "decode identifiers")
		}
	}
	return &t, nil
}

// ImportTargets создаёт цели задачи одной партией. Цели без единого
// идентификатора отбрасываются на этапе импорта и не создаются вовсе.
// Позиции выдаются по порядку импорта.
func (s *Store) ImportTargets(ctx context.Context, targets []model.Target) (int, error) {
	imported := 0
	for _, t := range targets {
		if t.Identifiers.Empty() {
			continue
		}
		idsRaw, err := json.Marshal(t.Identifiers)
		if err != nil {
			return imported, errors.Wrap(err, "encode identifiers")
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO targets (target_id, task_id, identifiers, display_name,
				status, attempts, last_error_kind, last_account_id, position, updated_at)
			 VALUES ($1,$2,$3,$4,$5,0,'','',$6,now())`,
			t.ID, t.TaskID, idsRaw, t.DisplayName, model.TargetPending, t.Position)
		if err != nil {
			return imported, errors.Wrap(err, "insert target")
		}
		imported++
	}
	return imported, nil
}

// NextPendingTarget возвращает ближайшую PENDING-цель задачи в порядке
// позиций. ErrNotFound — очередь задачи исчерпана.
func (s *Store) NextPendingTarget(ctx context.Context, taskID string) (*model.Target, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM targets
		 WHERE task_id=$1 AND status=$2
		 ORDER BY position ASC LIMIT 1`, taskID, model.TargetPending)
	return scanTarget(row)
}

// SaveTargetOutcome фиксирует исход попытки: статус, счётчик попыток,
// последний вид ошибки и аккаунт. Прежние попытки не мутируются — история
// живёт в execution_logs.
func (s *Store) SaveTargetOutcome(ctx context.Context, t *model.Target, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE targets SET status=$2, attempts=$3, last_error_kind=$4,
			last_account_id=$5, updated_at=$6
		 WHERE target_id=$1`,
		t.ID, t.Status, t.Attempts, t.LastErrorKind, t.LastAccountID, now)
	if err != nil {
		return errors.Wrap(err, "save target outcome")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueTargetHead возвращает цель в голову PENDING-очереди её задачи:
// позиция становится меньше минимальной. Используется после FLOOD_WAIT /
// PEER_FLOOD, когда цель не виновата и должна уйти следующей.
func (s *Store) RequeueTargetHead(ctx context.Context, taskID, targetID string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE targets SET status=$3, position = (
			SELECT coalesce(min(position),0)-1 FROM targets WHERE task_id=$1
		 ), updated_at=$4
		 WHERE target_id=$2`,
		taskID, targetID, model.TargetPending, now)
	return errors.Wrap(err, "requeue target")
}

// TargetTally возвращает счётчики задачи по статусам целей.
func (s *Store) TargetTally(ctx context.Context, taskID string) (model.InviteCounters, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM targets WHERE task_id=$1 GROUP BY status`, taskID)
	if err != nil {
		return model.InviteCounters{}, errors.Wrap(err, "tally targets")
	}
	defer rows.Close()

	var out model.InviteCounters
	for rows.Next() {
		var (
			status model.TargetStatus
			n      int
		)
		if err = rows.Scan(&status, &n); err != nil {
			return out, errors.Wrap(err, "scan tally")
		}
		switch status {
		case model.TargetInvited:
			out.Completed += n
		case model.TargetFailed, model.TargetSkipped:
			out.Failed += n
		case model.TargetPending:
			out.Pending += n
		}
	}
	return out, rows.Err()
}
