// Package secrets — клиент внешнего хранилища секретов. Ядро потребляет
// секреты как непрозрачные блобы через единый интерфейс Store; значения
// кешируются на время жизни короткоживущего токена (не более часа) и
// обновляются прозрачно для вызывающего кода.
package secrets

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"telegram-orchestrator/internal/infra/config"
)

// PlatformCredentials — учётные данные Telegram API.
type PlatformCredentials struct {
	APIID   int
	APIHash string
}

// Store — контракт хранилища секретов. Реализации обязаны поддерживать
// ролевые короткоживущие токены с автообновлением и статический токен
// как fallback.
type Store interface {
	GetPlatformCredentials(ctx context.Context) (PlatformCredentials, error)
	GetSessionKey(ctx context.Context, sessionID string) ([]byte, error)
	GetSigningKey(ctx context.Context, purpose string) ([]byte, error)
}

// Fetcher — низкоуровневый транспорт до бэкенда секретов. Отделён от Store,
// чтобы кеширование и обновление токена не зависели от протокола.
type Fetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
	// RenewToken обновляет токен доступа; для статического режима — no-op.
	RenewToken(ctx context.Context) (time.Duration, error)
}

// cacheEntry — закешированный секрет со сроком годности.
type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// Client реализует Store поверх Fetcher с кешом и прозрачным продлением
// токена. Потокобезопасен.
type Client struct {
	fetcher  Fetcher
	creds    PlatformCredentials
	cacheTTL time.Duration
	now      func() time.Time

	mu         sync.Mutex
	cache      map[string]cacheEntry
	tokenUntil time.Time
}

// New собирает клиента секретов по конфигурации окружения. Учётные данные
// платформы берутся из env как базовый источник; остальные секреты идут
// через Fetcher.
func New(env config.EnvConfig, fetcher Fetcher) *Client {
	ttl := time.Duration(env.SecretsCacheSec) * time.Second
	if ttl > time.Hour {
		ttl = time.Hour
	}
	return &Client{
		fetcher:  fetcher,
		creds:    PlatformCredentials{APIID: env.APIID, APIHash: env.APIHash},
		cacheTTL: ttl,
		now:      time.Now,
		cache:    map[string]cacheEntry{},
	}
}

// GetPlatformCredentials возвращает учётные данные Telegram API.
func (c *Client) GetPlatformCredentials(_ context.Context) (PlatformCredentials, error) {
	if c.creds.APIID == 0 || c.creds.APIHash == "" {
		return PlatformCredentials{}, errors.New("secrets: platform credentials are not configured")
	}
	return c.creds, nil
}

// GetSessionKey возвращает ключ шифрования блоба сессии.
func (c *Client) GetSessionKey(ctx context.Context, sessionID string) ([]byte, error) {
	return c.get(ctx, "session-keys/"+sessionID)
}

// GetSigningKey возвращает подписывающий ключ для назначения purpose.
func (c *Client) GetSigningKey(ctx context.Context, purpose string) ([]byte, error) {
	return c.get(ctx, "signing-keys/"+purpose)
}

// get обслуживает запрос из кеша либо ходит в бэкенд, предварительно
// продлив токен, если тот истёк.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	if entry, ok := c.cache[path]; ok && c.now().Before(entry.expiresAt) {
		value := entry.value
		c.mu.Unlock()
		return value, nil
	}
	needRenew := !c.now().Before(c.tokenUntil)
	c.mu.Unlock()

	if needRenew {
		ttl, err := c.fetcher.RenewToken(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "renew secrets token")
		}
		c.mu.Lock()
		c.tokenUntil = c.now().Add(ttl)
		c.mu.Unlock()
	}

	value, err := c.fetcher.Fetch(ctx, path)
	if err != nil {
		return nil, errors.Wrap(err, "fetch secret")
	}

	c.mu.Lock()
	c.cache[path] = cacheEntry{value: value, expiresAt: c.now().Add(c.cacheTTL)}
	c.mu.Unlock()
	return value, nil
}

// StaticFetcher — fallback-режим со статическим токеном: токен никогда не
// истекает, секреты читаются переданной функцией (обычно из окружения).
type StaticFetcher struct {
	Lookup func(path string) ([]byte, bool)
}

// Fetch возвращает секрет по пути или ошибку, если он не задан.
func (s StaticFetcher) Fetch(_ context.Context, path string) ([]byte, error) {
	if s.Lookup == nil {
		return nil, errors.New("secrets: static lookup is not configured")
	}
	value, ok := s.Lookup(path)
	if !ok {
		return nil, errors.Errorf("secrets: %q is not set", path)
	}
	return value, nil
}

// RenewToken для статического режима — вечный токен.
func (s StaticFetcher) RenewToken(context.Context) (time.Duration, error) {
	const effectivelyForever = 24 * 365 * time.Hour
	return effectivelyForever, nil
}
