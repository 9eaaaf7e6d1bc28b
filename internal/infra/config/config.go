// Package config отвечает за сбор и предоставление конфигурации оркестратора.
// Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. хранит единственную таблицу лимитов платформы и скоростных профилей —
//     значения лимитов нигде не дублируются по месту вызова,
//  4. предоставляет доступ к результатам через singleton.
//
// Бизнес-контекст: лимиты описывают, сколько инвайтов/сообщений может
// выполнить одна сессия (в сутки, в час, на канал, пожизненно), скоростные
// профили — темп парсинга. Конфиг среды управляет подключением к Telegram
// API, Postgres, Redis и «ручками» восстановления.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"telegram-orchestrator/internal/domain/model"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
// Значения уже проходят минимальную валидацию и нормализацию в loadConfig.
type EnvConfig struct {
	APIID   int
	APIHash string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel string

	// SecretsMode выбирает режим доступа к хранилищу секретов:
	// "token" — короткоживущие ролевые токены с автообновлением,
	// "static" — один статический токен (fallback-режим).
	SecretsMode     string
	SecretsAddr     string
	SecretsToken    string
	SecretsCacheSec int

	PeersCacheFile string

	// FloodWaitBufferSec — буфер, добавляемый к FLOOD_WAIT(s) во всех местах
	// единообразно.
	FloodWaitBufferSec int
	// CounterResetHourUTC — час UTC, на котором сбрасываются суточные счётчики.
	CounterResetHourUTC int

	RecoveryPollSec     int
	RecoveryMaxFailures int

	SchedulerPollSec     int
	OnboardingTimeoutMin int
	ClientIdleGraceSec   int
}

// Config хранит конфигурацию среды и накопленные предупреждения.
type Config struct {
	Env      EnvConfig
	warnings []string
}

// Значения по умолчанию для параметров окружения.
const (
	defaultLogLevel            = "info"
	defaultRedisAddr           = "127.0.0.1:6379"
	defaultSecretsMode         = "static"
	defaultSecretsCacheSec     = 3600
	defaultPeersCacheFile      = "data/peers_cache.bbolt"
	defaultFloodWaitBufferSec  = 60
	defaultCounterResetHourUTC = 0
	defaultRecoveryPollSec     = 30
	defaultRecoveryMaxFailures = 5
	defaultSchedulerPollSec    = 5
	defaultOnboardingTimeout   = 5
	defaultClientIdleGraceSec  = 300
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации.
// Повторный вызов запрещён, чтобы избежать гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки
// глобального состояния. Удобно для тестов.
func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		return nil, errors.New("env DATABASE_URL must be set")
	}

	var warnings []string

	env := EnvConfig{
		APIID:       apiID,
		APIHash:     apiHash,
		DatabaseURL: dbURL,

		RedisAddr:     sanitizeValue("REDIS_ADDR", os.Getenv("REDIS_ADDR"), defaultRedisAddr, &warnings),
		RedisPassword: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		RedisDB:       parseIntDefault("REDIS_DB", 0, nonNegative, &warnings),

		LogLevel: sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),

		SecretsMode:     sanitizeSecretsMode(os.Getenv("SECRETS_MODE"), &warnings),
		SecretsAddr:     strings.TrimSpace(os.Getenv("SECRETS_ADDR")),
		SecretsToken:    strings.TrimSpace(os.Getenv("SECRETS_TOKEN")),
		SecretsCacheSec: parseIntDefault("SECRETS_CACHE_SEC", defaultSecretsCacheSec, greaterThanZero, &warnings),

		PeersCacheFile: sanitizeValue("PEERS_CACHE_FILE", os.Getenv("PEERS_CACHE_FILE"), defaultPeersCacheFile, &warnings),

		FloodWaitBufferSec:  parseIntDefault("FLOOD_WAIT_BUFFER_SEC", defaultFloodWaitBufferSec, nonNegative, &warnings),
		CounterResetHourUTC: parseIntDefault("COUNTER_RESET_HOUR_UTC", defaultCounterResetHourUTC, validHour, &warnings),

		RecoveryPollSec:     parseIntDefault("RECOVERY_POLL_SEC", defaultRecoveryPollSec, greaterThanZero, &warnings),
		RecoveryMaxFailures: parseIntDefault("RECOVERY_MAX_FAILURES", defaultRecoveryMaxFailures, greaterThanZero, &warnings),

		SchedulerPollSec:     parseIntDefault("SCHEDULER_POLL_SEC", defaultSchedulerPollSec, greaterThanZero, &warnings),
		OnboardingTimeoutMin: parseIntDefault("ONBOARDING_TIMEOUT_MIN", defaultOnboardingTimeout, greaterThanZero, &warnings),
		ClientIdleGraceSec:   parseIntDefault("CLIENT_IDLE_GRACE_SEC", defaultClientIdleGraceSec, greaterThanZero, &warnings),
	}

	if env.OnboardingTimeoutMin < defaultOnboardingTimeout {
		// Таймаут онбординга не может быть короче пяти минут: живой клиент
		// должен дождаться ввода 2FA-пароля.
		appendWarningf(&warnings, "ONBOARDING_TIMEOUT_MIN %d raised to %d", env.OnboardingTimeoutMin, defaultOnboardingTimeout)
		env.OnboardingTimeoutMin = defaultOnboardingTimeout
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения загрузки .env. Копия.
func Warnings() []string {
	if cfgInstance == nil {
		return nil
	}
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton — неизменяемый снимок
// на момент загрузки.
func Env() EnvConfig {
	return cfgInstance.Env
}

// FloodWaitBuffer — буфер FLOOD_WAIT как Duration.
func (e EnvConfig) FloodWaitBuffer() time.Duration {
	return time.Duration(e.FloodWaitBufferSec) * time.Second
}

// parseRequiredInt читает обязательную целочисленную переменную окружения.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }
func validHour(v int) bool       { return v >= 0 && v < 24 }

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}.
func sanitizeLogLevel(level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeSecretsMode приводит SECRETS_MODE к {token, static}.
func sanitizeSecretsMode(value string, warnings *[]string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	switch v {
	case "":
		return defaultSecretsMode
	case "token", "static":
		return v
	default:
		appendWarningf(warnings, "env SECRETS_MODE value %q is invalid; using default %q", value, defaultSecretsMode)
		return defaultSecretsMode
	}
}

// sanitizeValue возвращает значение или fallback, если переменная пуста.
func sanitizeValue(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	_ = name
	return v
}

// SpeedSettings — кортеж задержек/размеров, применяемый к каждому исходящему
// вызову парсинг-задачи. При конфликте эффективной скорости и бюджета
// побеждает более строгая (длинная) задержка.
type SpeedSettings struct {
	PerMessageDelay time.Duration
	PerUserDelay    time.Duration
	BatchSize       int
	BudgetPerMinute int
}

// Speed возвращает настройки скоростного профиля; неизвестные имена
// трактуются как SAFE.
func Speed(profile model.SpeedProfile) SpeedSettings {
	switch profile {
	case model.SpeedFast:
		return SpeedSettings{
			PerMessageDelay: 200 * time.Millisecond,
			PerUserDelay:    500 * time.Millisecond,
			BatchSize:       50,
			BudgetPerMinute: 90,
		}
	case model.SpeedMedium:
		return SpeedSettings{
			PerMessageDelay: 800 * time.Millisecond,
			PerUserDelay:    1500 * time.Millisecond,
			BatchSize:       25,
			BudgetPerMinute: 40,
		}
	default:
		return SpeedSettings{
			PerMessageDelay: 2 * time.Second,
			PerUserDelay:    3 * time.Second,
			BatchSize:       10,
			BudgetPerMinute: 20,
		}
	}
}

// LimitTable — авторитетные лимиты платформы для одной сессии.
// Единственное место, где эти значения определены.
type LimitTable struct {
	// InviteDaily — инвайтов на аккаунт в сутки (UTC).
	InviteDaily int
	// InviteChannelDaily — инвайтов на (аккаунт, канал) в сутки.
	InviteChannelDaily int
	// InviteChannelLifetime — пожизненный потолок на (аккаунт, канал).
	// После него аккаунт никогда не приглашает в этот канал.
	InviteChannelLifetime int
	// InviteHourly — инвайтов в скользящее 60-минутное окно.
	InviteHourly int
	// InviteCooldown — минимальный разрыв между инвайтами на аккаунте.
	InviteCooldown time.Duration
	// BurstMax — максимум последовательных инвайтов без burst-паузы.
	BurstMax int
	// BurstCooldown — пауза, разрывающая burst-серию.
	BurstCooldown time.Duration
	// MessageDaily — сообщений на аккаунт в сутки.
	MessageDaily int
}

// Limits возвращает таблицу лимитов Telegram.
func Limits() LimitTable {
	return LimitTable{
		InviteDaily:           30,
		InviteChannelDaily:    15,
		InviteChannelLifetime: 200,
		InviteHourly:          2,
		InviteCooldown:        15 * time.Minute,
		BurstMax:              3,
		BurstCooldown:         30 * time.Minute,
		MessageDaily:          40,
	}
}

// LockTTL возвращает TTL блокировки аккаунта для назначения аллокации:
// парсинг держит аккаунт до часа с периодическим продлением, инвайт — на
// время одной операции.
func LockTTL(purpose model.Purpose) time.Duration {
	switch purpose {
	case model.PurposeParse:
		return time.Hour
	case model.PurposeAdminProbe:
		return time.Minute
	default:
		return 5 * time.Minute
	}
}
