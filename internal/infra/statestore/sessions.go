// Операции над строками sessions. Счётчики и статусы пишет только менеджер
// аккаунтов; брокер обновляет лишь блоб сессии и отметку последнего
// использования. Поля locked_by/lock_expires_at — зеркало LockStore для
// наблюдаемости, взаимное исключение на них не строится.
package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"telegram-orchestrator/internal/domain/model"
)

// ErrNotFound возвращается, когда запрошенная строка отсутствует.
var ErrNotFound = errors.New("statestore: not found")

const sessionColumns = `session_id, owner_user_id, phone, session_blob, status,
	locked_by, lock_expires_at, flood_wait_until, blocked_until, error_count,
	last_used_at, counter_day, invites_today, messages_today, contacts_today,
	per_channel_map, invite_times`

// scanSession читает одну строку sessions в модель.
func scanSession(row pgx.Row) (*model.Session, error) {
	var (
		s           model.Session
		channelsRaw []byte
		timesRaw    []byte
	)
	err := row.Scan(&s.ID, &s.OwnerUserID, &s.Phone, &s.SessionBlob, &s.Status,
		&s.LockedBy, &s.LockExpiresAt, &s.FloodWaitUntil, &s.BlockedUntil, &s.ErrorCount,
		&s.LastUsedAt, &s.CounterDay, &s.InvitesToday, &s.MessagesToday, &s.ContactsToday,
		&channelsRaw, &timesRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan session")
	}
	if len(channelsRaw) > 0 {
		if err = json.Unmarshal(channelsRaw, &s.Channels); err != nil {
			return nil, errors.Wrap(err, "decode per_channel_map")
		}
	}
	if len(timesRaw) > 0 {
		if err = json.Unmarshal(timesRaw, &s.InviteTimes); err != nil {
			return nil, errors.Wrap(err, "decode invite_times")
		}
	}
	return &s, nil
}

// SessionByID возвращает сессию по идентификатору.
func (s *Store) SessionByID(ctx context.Context, id string) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id=$1`, id)
	return scanSession(row)
}

// CandidateSessions возвращает ACTIVE-сессии владельца для выбора аллокации.
// Фильтр по свободной блокировке и бюджету делает менеджер аккаунтов: ему
// нужны все кандидаты, чтобы посчитать ближайший retry_after.
func (s *Store) CandidateSessions(ctx context.Context, ownerUserID int64) ([]model.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE owner_user_id=$1 AND status=$2
		 ORDER BY session_id`, ownerUserID, model.SessionActive)
	if err != nil {
		return nil, errors.Wrap(err, "query candidates")
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// CountSessionsOwned сообщает, есть ли у владельца хоть одна сессия
// (в любом статусе) — для различения NO_AVAILABLE_ACCOUNT и
// USER_HAS_NO_SESSIONS.
func (s *Store) CountSessionsOwned(ctx context.Context, ownerUserID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM sessions WHERE owner_user_id=$1`, ownerUserID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count sessions")
	}
	return n, nil
}

// SessionsByStatus возвращает количество сессий по статусам (для телеметрии).
func (s *Store) SessionsByStatus(ctx context.Context) (map[model.SessionStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "query status counts")
	}
	defer rows.Close()

	out := map[model.SessionStatus]int64{}
	for rows.Next() {
		var (
			status model.SessionStatus
			n      int64
		)
		if err = rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scan status count")
		}
		out[status] = n
	}
	return out, rows.Err()
}

// SaveSessionCounters персистит счётчики, окна и статусные поля сессии.
// Единственный вызывающий — менеджер аккаунтов (RecordAction/HandleError).
func (s *Store) SaveSessionCounters(ctx context.Context, sess *model.Session) error {
	channelsRaw, err := json.Marshal(sess.Channels)
	if err != nil {
		return errors.Wrap(err, "encode per_channel_map")
	}
	timesRaw, err := json.Marshal(sess.InviteTimes)
	if err != nil {
		return errors.Wrap(err, "encode invite_times")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET
			status=$2, flood_wait_until=$3, blocked_until=$4, error_count=$5,
			last_used_at=$6, counter_day=$7, invites_today=$8, messages_today=$9,
			contacts_today=$10, per_channel_map=$11, invite_times=$12
		 WHERE session_id=$1`,
		sess.ID, sess.Status, sess.FloodWaitUntil, sess.BlockedUntil, sess.ErrorCount,
		sess.LastUsedAt, sess.CounterDay, sess.InvitesToday, sess.MessagesToday,
		sess.ContactsToday, channelsRaw, timesRaw)
	if err != nil {
		return errors.Wrap(err, "save session counters")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MirrorLock отражает взятую в LockStore блокировку на строке сессии.
func (s *Store) MirrorLock(ctx context.Context, sessionID, lockedBy string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET locked_by=$2, lock_expires_at=$3 WHERE session_id=$1`,
		sessionID, lockedBy, expiresAt)
	return errors.Wrap(err, "mirror lock")
}

// ClearLockMirror снимает зеркало блокировки после Release.
func (s *Store) ClearLockMirror(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET locked_by='', lock_expires_at='epoch' WHERE session_id=$1`,
		sessionID)
	return errors.Wrap(err, "clear lock mirror")
}

// SaveSessionBlob обновляет восстановимый слепок сессии (пишет брокер после
// реавторизации).
func (s *Store) SaveSessionBlob(ctx context.Context, sessionID string, blob []byte) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET session_blob=$2 WHERE session_id=$1`, sessionID, blob)
	return errors.Wrap(err, "save session blob")
}

// TouchSessionUsed обновляет отметку последнего использования (пишет брокер
// при подключении/отключении живого клиента).
func (s *Store) TouchSessionUsed(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_used_at=$2 WHERE session_id=$1`, sessionID, at)
	return errors.Wrap(err, "touch session")
}
