// Package statestore — долговременное состояние ядра в Postgres (pgx).
// Хранит сессии, задачи, цели, результаты парсинга и append-only журнал
// исполнения. Авторитетен для статусов и счётчиков; пишут сюда только
// менеджер аккаунтов (сессии) и движки задач (задачи/цели) — правило
// единственного писателя. Транзакции никогда не держатся через вызовы
// брокера.
package statestore

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store инкапсулирует пул соединений и SQL ядра.
type Store struct {
	pool *pgxpool.Pool
}

// New открывает пул, проверяет связь и приводит схему к актуальной.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open pool")
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	store := &Store{pool: pool}
	if err = store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close закрывает пул соединений.
func (s *Store) Close() {
	s.pool.Close()
}

// ensureSchema создаёт таблицы и индексы, если их ещё нет. Миграции вне
// зоны ответственности ядра; схема идемпотентна.
func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id       text PRIMARY KEY,
	owner_user_id    bigint NOT NULL,
	phone            text NOT NULL DEFAULT '',
	session_blob     bytea NOT NULL DEFAULT ''::bytea,
	status           text NOT NULL DEFAULT 'ACTIVE',
	locked_by        text NOT NULL DEFAULT '',
	lock_expires_at  timestamptz NOT NULL DEFAULT 'epoch',
	flood_wait_until timestamptz NOT NULL DEFAULT 'epoch',
	blocked_until    timestamptz NOT NULL DEFAULT 'epoch',
	error_count      int NOT NULL DEFAULT 0,
	last_used_at     timestamptz NOT NULL DEFAULT 'epoch',
	counter_day      text NOT NULL DEFAULT '',
	invites_today    int NOT NULL DEFAULT 0,
	messages_today   int NOT NULL DEFAULT 0,
	contacts_today   int NOT NULL DEFAULT 0,
	per_channel_map  jsonb NOT NULL DEFAULT '{}'::jsonb,
	invite_times     jsonb NOT NULL DEFAULT '[]'::jsonb
);
CREATE INDEX IF NOT EXISTS sessions_owner_status ON sessions (owner_user_id, status);

CREATE TABLE IF NOT EXISTS tasks (
	task_id       text PRIMARY KEY,
	owner_user_id bigint NOT NULL,
	kind          text NOT NULL,
	platform      text NOT NULL DEFAULT 'telegram',
	status        text NOT NULL DEFAULT 'PENDING',
	priority      text NOT NULL DEFAULT 'NORMAL',
	pause_reason  text NOT NULL DEFAULT '',
	invite_type   text NOT NULL DEFAULT '',
	group_id      text NOT NULL DEFAULT '',
	settings      jsonb NOT NULL DEFAULT '{}'::jsonb,
	counters      jsonb NOT NULL DEFAULT '{}'::jsonb,
	created_at    timestamptz NOT NULL DEFAULT now(),
	updated_at    timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS tasks_dispatch ON tasks (status, priority, created_at);

CREATE TABLE IF NOT EXISTS targets (
	target_id       text PRIMARY KEY,
	task_id         text NOT NULL REFERENCES tasks (task_id),
	identifiers     jsonb NOT NULL,
	display_name    text NOT NULL DEFAULT '',
	status          text NOT NULL DEFAULT 'PENDING',
	attempts        int NOT NULL DEFAULT 0,
	last_error_kind text NOT NULL DEFAULT '',
	last_account_id text NOT NULL DEFAULT '',
	position        bigint NOT NULL,
	updated_at      timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS targets_task_status ON targets (task_id, status);

CREATE TABLE IF NOT EXISTS parse_results (
	result_id     text PRIMARY KEY,
	task_id       text NOT NULL REFERENCES tasks (task_id),
	kind          text NOT NULL,
	platform_key  text NOT NULL,
	payload       jsonb NOT NULL,
	discovered_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS parse_results_task ON parse_results (task_id, discovered_at);

CREATE TABLE IF NOT EXISTS execution_logs (
	log_id      text PRIMARY KEY,
	task_id     text NOT NULL,
	target_id   text NOT NULL DEFAULT '',
	account_id  text NOT NULL DEFAULT '',
	action      text NOT NULL,
	outcome     text NOT NULL,
	error_kind  text NOT NULL DEFAULT '',
	message     text NOT NULL DEFAULT '',
	duration_ms bigint NOT NULL DEFAULT 0,
	created_at  timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS execution_logs_task ON execution_logs (task_id, created_at);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "ensure schema")
	}
	return nil
}
