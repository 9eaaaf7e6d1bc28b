// Результаты парсинга и append-only журнал исполнения.
package statestore

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"

	"telegram-orchestrator/internal/domain/model"
)

// InsertParseResults сохраняет партию результатов парсинга. Payload к этому
// моменту уже санитизирован движком (бинарные поля — в тексте).
func (s *Store) InsertParseResults(ctx context.Context, results []model.ParseResult) error {
	for i := range results {
		r := &results[i]
		payloadRaw, err := json.Marshal(r.Payload)
		if err != nil {
			return errors.Wrap(err, "encode payload")
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO parse_results (result_id, task_id, kind, platform_key, payload, discovered_at)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			r.ID, r.TaskID, r.Kind, r.PlatformKey, payloadRaw, r.DiscoveredAt)
		if err != nil {
			return errors.Wrap(err, "insert parse result")
		}
	}
	return nil
}

// AppendLog добавляет запись журнала. Журнал только растёт: одна запись на
// диспетчеризованную операцию, обновлений не бывает.
func (s *Store) AppendLog(ctx context.Context, entry model.ExecutionLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO execution_logs (log_id, task_id, target_id, account_id,
			action, outcome, error_kind, message, duration_ms, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		entry.ID, entry.TaskID, entry.TargetID, entry.AccountID,
		entry.Action, entry.Outcome, entry.ErrorKind, entry.Message,
		entry.DurationMS, entry.CreatedAt)
	return errors.Wrap(err, "append execution log")
}
