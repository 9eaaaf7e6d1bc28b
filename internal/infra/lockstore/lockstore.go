// Package lockstore — распределённые блокировки аккаунтов и упорядоченная
// очередь восстановления поверх Redis. Блокировка — SET NX PX: выигрывает
// первый писатель, проигравший получает отказ без ожидания. Снятие и
// продление проверяют владельца атомарным Lua-скриптом, чтобы отставший
// держатель не снял чужую блокировку после истечения своей.
package lockstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"telegram-orchestrator/internal/domain/model"
)

// ErrNotHeld возвращается, когда блокировка не принадлежит вызывающему.
var ErrNotHeld = errors.New("lockstore: lock is not held by caller")

const (
	lockPrefix  = "orc:lock:"
	recoveryKey = "orc:recovery"
)

// releaseScript удаляет ключ, только если значение совпадает с владельцем.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript продлевает TTL, только если ключ принадлежит владельцу.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Store инкапсулирует клиент Redis.
type Store struct {
	client *redis.Client
}

// New открывает соединение с Redis и проверяет его ping-ом.
func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Store{client: client}, nil
}

// Close закрывает соединение.
func (s *Store) Close() error {
	return s.client.Close()
}

// Acquire пытается взять блокировку key для владельца owner на ttl.
// Возвращает false, если блокировку уже держит кто-то другой.
func (s *Store) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockPrefix+key, owner, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "acquire lock")
	}
	return ok, nil
}

// Release снимает блокировку, если её держит owner. Повторный Release того
// же владельца — no-op без ошибки: ключа уже нет, чужого мы не трогаем.
func (s *Store) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{lockPrefix + key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "release lock")
	}
	return nil
}

// Extend продлевает TTL блокировки владельца owner. ErrNotHeld — блокировка
// истекла или перешла к другому.
func (s *Store) Extend(ctx context.Context, key, owner string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, s.client, []string{lockPrefix + key}, owner, ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "extend lock")
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Holder возвращает текущего владельца блокировки ("" — свободна).
func (s *Store) Holder(ctx context.Context, key string) (string, error) {
	owner, err := s.client.Get(ctx, lockPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get lock holder")
	}
	return owner, nil
}

// ScheduleRecovery ставит аккаунт в очередь восстановления на момент dueAt.
// Повторная постановка того же аккаунта заменяет срок (идемпотентность
// re-enqueue при неудачной пробе).
func (s *Store) ScheduleRecovery(ctx context.Context, entry model.RecoveryEntry) error {
	member := string(entry.Reason) + "|" + entry.AccountID
	err := s.client.ZAdd(ctx, recoveryKey, redis.Z{
		Score:  float64(entry.DueAt.Unix()),
		Member: member,
	}).Err()
	return errors.Wrap(err, "schedule recovery")
}

// DueRecoveries забирает из очереди записи со сроком ≤ now (не больше limit).
// Извлечённая запись удаляется; при неудачной пробе вызывающий ставит её
// заново с новым сроком.
func (s *Store) DueRecoveries(ctx context.Context, now time.Time, limit int) ([]model.RecoveryEntry, error) {
	members, err := s.client.ZRangeByScore(ctx, recoveryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   formatScore(now),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "range recoveries")
	}
	if len(members) == 0 {
		return nil, nil
	}

	entries := make([]model.RecoveryEntry, 0, len(members))
	for _, member := range members {
		removed, zremErr := s.client.ZRem(ctx, recoveryKey, member).Result()
		if zremErr != nil {
			return entries, errors.Wrap(zremErr, "remove recovery")
		}
		if removed == 0 {
			// Запись забрал параллельный воркер.
			continue
		}
		entries = append(entries, parseMember(member, now))
	}
	return entries, nil
}

// DropRecovery убирает аккаунт из очереди (после DISABLED).
func (s *Store) DropRecovery(ctx context.Context, accountID string, reason model.RecoveryReason) error {
	err := s.client.ZRem(ctx, recoveryKey, string(reason)+"|"+accountID).Err()
	return errors.Wrap(err, "drop recovery")
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func parseMember(member string, fallback time.Time) model.RecoveryEntry {
	reason, account, found := strings.Cut(member, "|")
	if !found {
		return model.RecoveryEntry{AccountID: member, DueAt: fallback}
	}
	return model.RecoveryEntry{
		Reason:    model.RecoveryReason(reason),
		AccountID: account,
		DueAt:     fallback,
	}
}
