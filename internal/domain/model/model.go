// Package model — общий словарь предметной области оркестратора:
// сессии Telegram-аккаунтов, задачи (парсинг/инвайты), цели, результаты
// парсинга, журнал исполнения и расписание восстановления. Все компоненты
// ядра (брокер, менеджер аккаунтов, движки задач) обмениваются только этими
// типами; платформенные объекты gotd не выходят за пределы брокера.
package model

import "time"

// SessionStatus — состояние сессии в терминах менеджера аккаунтов.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionFloodWait SessionStatus = "FLOOD_WAIT"
	SessionBlocked   SessionStatus = "BLOCKED"
	SessionDisabled  SessionStatus = "DISABLED"
)

// ChannelUsage — счётчики инвайтов одной сессии в один канал.
// InvitesLifetime никогда не сбрасывается.
type ChannelUsage struct {
	InvitesToday    int `json:"invites_today"`
	InvitesLifetime int `json:"invites_lifetime"`
}

// Session — одна Telegram-сессия одного владельца. Строка в StateStore
// авторитетна для статуса и счётчиков; поле LockedBy лишь зеркалирует
// LockStore для наблюдаемости и не используется для взаимного исключения.
type Session struct {
	ID          string
	OwnerUserID int64
	Phone       string
	// SessionBlob — непрозрачный восстановимый слепок MTProto-сессии,
	// зашифрованный at rest. Ядро его не интерпретирует.
	SessionBlob []byte

	Status         SessionStatus
	LockedBy       string
	LockExpiresAt  time.Time
	FloodWaitUntil time.Time
	BlockedUntil   time.Time
	ErrorCount     int
	LastUsedAt     time.Time

	// Суточные счётчики. CounterDay хранит UTC-день, к которому они
	// относятся; при смене дня счётчики считаются нулевыми.
	CounterDay    string
	InvitesToday  int
	MessagesToday int
	ContactsToday int

	// Channels — карта канал → использование (суточное и пожизненное).
	Channels map[string]ChannelUsage

	// InviteTimes — отметки успешных инвайтов за последний час: по ним
	// вычисляются часовое окно, кулдаун и burst-guard. Окна считаются от
	// таймстампов и не чистятся никакой job-ой.
	InviteTimes []time.Time
}

// ChannelUsageFor возвращает использование канала (нулевое, если канала нет).
func (s *Session) ChannelUsageFor(channel string) ChannelUsage {
	if s.Channels == nil {
		return ChannelUsage{}
	}
	return s.Channels[channel]
}

// TaskKind — вид задачи.
type TaskKind string

const (
	TaskParse  TaskKind = "PARSE"
	TaskInvite TaskKind = "INVITE"
)

// TaskStatus — жизненный цикл задачи.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskPaused    TaskStatus = "PAUSED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal сообщает, достигла ли задача конечного состояния.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Priority — приоритет задачи. Диспетчеризация идёт по (priority DESC,
// created_at ASC): HIGH раньше NORMAL раньше LOW, FIFO внутри полосы.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// Rank возвращает числовой ранг приоритета для сортировки.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// InviteType — тип инвайт-задачи: добавление в группу или личное сообщение.
type InviteType string

const (
	InviteGroup  InviteType = "GROUP_INVITE"
	InviteDirect InviteType = "DIRECT_MESSAGE"
)

// SpeedProfile — имя скоростного профиля парсинга.
type SpeedProfile string

const (
	SpeedSafe   SpeedProfile = "SAFE"
	SpeedMedium SpeedProfile = "MEDIUM"
	SpeedFast   SpeedProfile = "FAST"
)

// ParseSettings — настройки парсинг-задачи.
type ParseSettings struct {
	Sources []string     `json:"sources"`
	Speed   SpeedProfile `json:"speed"`
	// WithParticipants включает выгрузку участников помимо сообщений.
	WithParticipants bool `json:"with_participants"`
	// DirectMessage — текст для инвайт-задач типа DIRECT_MESSAGE.
	DirectMessage string `json:"direct_message,omitempty"`
}

// ParseCounters — бегущие счётчики парсинг-задачи. Поисточниковое состояние
// (оценки и завершённость) персистится вместе со счётчиками, чтобы
// возобновлённая задача продолжала с первого незавершённого источника, а не
// выгружала всё заново.
type ParseCounters struct {
	ProcessedMessages int `json:"processed_messages"`
	ProcessedMedia    int `json:"processed_media"`
	ProcessedUsers    int `json:"processed_users"`
	EstimatedTotal    int `json:"estimated_total"`
	ProgressPercent   int `json:"progress_percent"`

	// SourceEstimates — оценка объёма по источникам; считается один раз на
	// источник и не пересчитывается при возобновлении.
	SourceEstimates map[string]int `json:"source_estimates,omitempty"`
	// DoneSources — источники, доведённые до конца (успешно, отфильтрованные
	// или закрытые платформой); при возобновлении пропускаются.
	DoneSources []string `json:"done_sources,omitempty"`
}

// SourceDone — true, если источник уже доведён до конца.
func (c ParseCounters) SourceDone(source string) bool {
	for _, s := range c.DoneSources {
		if s == source {
			return true
		}
	}
	return false
}

// InviteCounters — итоги инвайт-задачи.
type InviteCounters struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// Task — одна пользовательская задача. OwnerUserID неизменяем.
type Task struct {
	ID          string
	OwnerUserID int64
	Kind        TaskKind
	Platform    string
	Status      TaskStatus
	Priority    Priority
	// PauseReason заполняется, когда задача приостановлена системой
	// (например, lifetime_exhausted_channel).
	PauseReason string

	Settings   ParseSettings
	InviteType InviteType
	GroupID    string

	Parse  ParseCounters
	Invite InviteCounters

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TargetStatus — состояние одной цели инвайт-задачи.
type TargetStatus string

const (
	TargetPending TargetStatus = "PENDING"
	TargetInvited TargetStatus = "INVITED"
	TargetFailed  TargetStatus = "FAILED"
	TargetSkipped TargetStatus = "SKIPPED"
)

// Terminal сообщает, достигла ли цель конечного статуса. Конечные статусы
// «липкие»: снимаются только явным ретраем задачи.
func (s TargetStatus) Terminal() bool {
	return s == TargetInvited || s == TargetFailed || s == TargetSkipped
}

// Identifiers — идентификаторы цели; хотя бы один обязателен.
type Identifiers struct {
	Username       string `json:"username,omitempty"`
	Phone          string `json:"phone,omitempty"`
	PlatformUserID int64  `json:"platform_user_id,omitempty"`
}

// Empty — true, если не задан ни один идентификатор.
func (i Identifiers) Empty() bool {
	return i.Username == "" && i.Phone == "" && i.PlatformUserID == 0
}

// Target — одна запланированная единица работы внутри инвайт-задачи.
type Target struct {
	ID            string
	TaskID        string
	Identifiers   Identifiers
	DisplayName   string
	Status        TargetStatus
	Attempts      int
	LastErrorKind ErrorKind
	LastAccountID string
	// Position задаёт порядок диспетчеризации внутри задачи; requeue после
	// FLOOD_WAIT возвращает цель в голову, а не в хвост.
	Position  int
	UpdatedAt time.Time
}

// ResultKind — вид извлечённой при парсинге записи.
type ResultKind string

const (
	ResultMessage     ResultKind = "MESSAGE"
	ResultMedia       ResultKind = "MEDIA"
	ResultParticipant ResultKind = "PARTICIPANT"
	ResultCommunity   ResultKind = "COMMUNITY"
)

// ParseResult — одна извлечённая запись. Payload всегда JSON-кодируем:
// бинарные поля переводятся в текст до сохранения.
type ParseResult struct {
	ID           string
	TaskID       string
	Kind         ResultKind
	PlatformKey  string
	Payload      map[string]any
	DiscoveredAt time.Time
}

// LogOutcome — исход одной диспетчеризованной операции.
type LogOutcome string

const (
	LogSuccess     LogOutcome = "SUCCESS"
	LogFailed      LogOutcome = "FAILED"
	LogSkipped     LogOutcome = "SKIPPED"
	LogSystemError LogOutcome = "SYSTEM_ERROR"
)

// ExecutionLog — append-only запись аудита: одна на операцию, никогда не
// обновляется.
type ExecutionLog struct {
	ID         string
	TaskID     string
	TargetID   string
	AccountID  string
	Action     Action
	Outcome    LogOutcome
	ErrorKind  ErrorKind
	Message    string
	DurationMS int64
	CreatedAt  time.Time
}

// Action — учётная категория действия для лимитов и журнала.
type Action string

const (
	ActionInvite     Action = "INVITE"
	ActionMessage    Action = "MESSAGE"
	ActionContactAdd Action = "CONTACT_ADD"
	ActionRead       Action = "READ"
)

// Purpose — назначение аллокации аккаунта; от него зависит TTL блокировки.
type Purpose string

const (
	PurposeParse      Purpose = "PARSE"
	PurposeInvite     Purpose = "INVITE_CAMPAIGN"
	PurposeDirect     Purpose = "DIRECT_MESSAGE"
	PurposeAdminProbe Purpose = "ADMIN_PROBE"
)

// RecoveryReason — причина, по которой аккаунт ждёт восстановления.
type RecoveryReason string

const (
	RecoveryFloodWait RecoveryReason = "FLOOD_WAIT"
	RecoveryPeerFlood RecoveryReason = "PEER_FLOOD"
	RecoveryBanReview RecoveryReason = "BAN_REVIEW"
)

// RecoveryEntry — отложенное пробуждение аккаунта в расписании восстановления.
type RecoveryEntry struct {
	AccountID string
	DueAt     time.Time
	Reason    RecoveryReason
}
