// Package telemetry — контракт эмиссии событий ядра. На каждый значимый
// переход пишется одно структурированное JSON-событие со стабильной строкой
// event; счётчики агрегируются в памяти и доступны снапшотом для экспорта.
// Транспорт (шипинг логов, скрейп метрик) — вне зоны ответственности ядра.
package telemetry

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"telegram-orchestrator/internal/domain/model"
)

// Стабильные имена событий. Новые события добавляются только сюда.
const (
	EventAllocate        = "allocate"
	EventRelease         = "release"
	EventInviteAttempt   = "invite_attempt"
	EventParseBatch      = "parse_batch"
	EventSessionFlood    = "session_flood_wait"
	EventSessionRecover  = "session_recovered"
	EventSessionDisabled = "session_disabled"
)

var (
	mu      sync.Mutex
	emitter *zap.Logger

	countersMu sync.Mutex
	counters   = map[string]int64{}
)

// jsonEncoderConfig — encoder событий: JSON, время в RFC-3339, без caller.
func jsonEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		MessageKey:     "event",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
}

// logger лениво создаёт выделенный JSON-логгер событий. События пишутся в
// stdout отдельным ядром, чтобы не смешиваться с консольными логами уровня.
func logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if emitter == nil {
		core := zapcore.NewCore(
			zapcore.NewJSONEncoder(jsonEncoderConfig()),
			zapcore.Lock(zapcore.AddSync(os.Stdout)),
			zapcore.InfoLevel,
		)
		emitter = zap.New(core)
	}
	return emitter
}

// Event — одно телеметрическое событие. Пустые поля опускаются.
type Event struct {
	TaskID     string
	AccountID  string
	Outcome    string
	ErrorKind  model.ErrorKind
	DurationMS int64
	Extra      []zap.Field
}

// Emit пишет событие name и инкрементирует его счётчик.
func Emit(name string, ev Event) {
	fields := make([]zap.Field, 0, 6+len(ev.Extra))
	if ev.TaskID != "" {
		fields = append(fields, zap.String("task_id", ev.TaskID))
	}
	if ev.AccountID != "" {
		fields = append(fields, zap.String("account_id", ev.AccountID))
	}
	if ev.Outcome != "" {
		fields = append(fields, zap.String("outcome", ev.Outcome))
	}
	if ev.ErrorKind != model.KindNone {
		fields = append(fields, zap.String("error_kind", string(ev.ErrorKind)))
	}
	if ev.DurationMS > 0 {
		fields = append(fields, zap.Int64("duration_ms", ev.DurationMS))
	}
	fields = append(fields, ev.Extra...)
	logger().Info(name, fields...)

	Count(name, 1)
	if ev.Outcome != "" {
		Count(name+":"+ev.Outcome, 1)
	}
	if ev.ErrorKind != model.KindNone {
		Count(name+":"+string(ev.ErrorKind), 1)
	}
}

// Count инкрементирует именованный счётчик.
func Count(name string, delta int64) {
	countersMu.Lock()
	counters[name] += delta
	countersMu.Unlock()
}

// Gauge выставляет абсолютное значение (активные сессии по статусам и т.п.).
func Gauge(name string, value int64) {
	countersMu.Lock()
	counters[name] = value
	countersMu.Unlock()
}

// Snapshot возвращает копию всех счётчиков для экспорта.
func Snapshot() map[string]int64 {
	countersMu.Lock()
	defer countersMu.Unlock()
	out := make(map[string]int64, len(counters))
	for k, v := range counters {
		out[k] = v
	}
	return out
}

// Took переводит начало операции в длительность для события.
func Took(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
