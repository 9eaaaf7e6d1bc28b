// Таксономия ошибок платформы. Классификация выполняется ровно один раз —
// на границе брокера; выше по стеку виды ошибок путешествуют как данные.
// Каждый исход несёт машинный вид и человеческую фразу: пользователю всегда
// показывается фраза, а не сырая строка платформы.
package model

import (
	"fmt"
	"time"
)

// ErrorKind — закрытый набор машинных видов ошибок платформы.
type ErrorKind string

const (
	KindNone ErrorKind = ""

	KindFloodWait       ErrorKind = "FLOOD_WAIT"
	KindPeerFlood       ErrorKind = "PEER_FLOOD"
	KindPhoneBanned     ErrorKind = "PHONE_BANNED"
	KindUserDeactivated ErrorKind = "USER_DEACTIVATED"
	KindAuthKeyError    ErrorKind = "AUTH_KEY_ERROR"

	KindPrivacyRestricted  ErrorKind = "PRIVACY_RESTRICTED"
	KindUserNotFound       ErrorKind = "USER_NOT_FOUND"
	KindInvalidIdentifier  ErrorKind = "INVALID_IDENTIFIER"
	KindAlreadyParticipant ErrorKind = "ALREADY_PARTICIPANT"
	KindNotMutualContact   ErrorKind = "NOT_MUTUAL_CONTACT"
	KindTargetChannelLimit ErrorKind = "TARGET_CHANNEL_LIMIT"
	KindGroupRestriction   ErrorKind = "GROUP_RESTRICTION"

	KindTransientNetwork ErrorKind = "TRANSIENT_NETWORK"
	KindUnknownPlatform  ErrorKind = "UNKNOWN_PLATFORM_ERROR"

	// KindCancelled — операция прервана самим оркестратором (остановка,
	// отмена задачи). Не ошибка аккаунта и не ошибка цели: движки
	// останавливаются, ничего не записывая ни сессии, ни цели.
	KindCancelled ErrorKind = "CANCELLED"
)

// FatalForAccount — ошибки, после которых сессия непригодна навсегда.
func (k ErrorKind) FatalForAccount() bool {
	switch k {
	case KindPhoneBanned, KindUserDeactivated, KindAuthKeyError:
		return true
	}
	return false
}

// RecoverableForAccount — ошибки аккаунта, проходящие через восстановление.
func (k ErrorKind) RecoverableForAccount() bool {
	switch k {
	case KindFloodWait, KindPeerFlood, KindTransientNetwork:
		return true
	}
	return false
}

// TerminalForTarget — ошибки, закрывающие одну цель, не трогая аккаунт.
func (k ErrorKind) TerminalForTarget() bool {
	switch k {
	case KindUserNotFound, KindPrivacyRestricted, KindNotMutualContact,
		KindAlreadyParticipant, KindTargetChannelLimit, KindInvalidIdentifier:
		return true
	}
	return false
}

// AccountFault — true, если ошибка относится к аккаунту (а не к цели):
// такие исходы не списывают суточный бюджет, но меняют состояние сессии.
func (k ErrorKind) AccountFault() bool {
	return k.FatalForAccount() || k == KindFloodWait || k == KindPeerFlood
}

// Human возвращает человеческую фразу для вида ошибки. Фразы объясняют
// причину в терминах домена, а не эхо платформенной строки.
func (k ErrorKind) Human() string {
	switch k {
	case KindFloodWait:
		return "платформа требует паузу для этой сессии"
	case KindPeerFlood:
		return "платформа временно ограничила активность сессии (обычно на 24 часа)"
	case KindPhoneBanned:
		return "номер телефона заблокирован платформой"
	case KindUserDeactivated:
		return "аккаунт деактивирован платформой"
	case KindAuthKeyError:
		return "ключ авторизации сессии недействителен"
	case KindPrivacyRestricted:
		return "настройки приватности пользователя запрещают это действие"
	case KindUserNotFound:
		return "пользователь не найден"
	case KindInvalidIdentifier:
		return "идентификатор пользователя некорректен"
	case KindAlreadyParticipant:
		return "пользователь уже состоит в группе"
	case KindNotMutualContact:
		return "действие требует взаимного контакта с пользователем"
	case KindTargetChannelLimit:
		return "пользователь состоит в слишком большом количестве каналов/групп"
	case KindGroupRestriction:
		return "группа запрещает приглашение"
	case KindTransientNetwork:
		return "временная сетевая ошибка"
	case KindUnknownPlatform:
		return "неизвестная ошибка платформы"
	case KindCancelled:
		return "операция прервана"
	}
	return ""
}

// Outcome — классифицированный исход одной операции брокера.
// Kind==KindNone означает успех. FloodSeconds заполняется только для
// FLOOD_WAIT (без буфера: буфер добавляет менеджер аккаунтов).
type Outcome struct {
	Kind         ErrorKind
	Human        string
	FloodSeconds int
	// Err хранит исходную ошибку для журнала; наружу не показывается.
	Err error
}

// OK — успешный исход.
func OK() Outcome { return Outcome{} }

// Success — true для успешного исхода.
func (o Outcome) Success() bool { return o.Kind == KindNone }

// FloodWait конструирует исход FLOOD_WAIT c длительностью паузы.
func FloodWait(seconds int, err error) Outcome {
	return Outcome{
		Kind:         KindFloodWait,
		Human:        fmt.Sprintf("платформа требует паузу %d с для этой сессии", seconds),
		FloodSeconds: seconds,
		Err:          err,
	}
}

// Failure конструирует исход с видом kind и его стандартной фразой.
func Failure(kind ErrorKind, err error) Outcome {
	return Outcome{Kind: kind, Human: kind.Human(), Err: err}
}

// FloodDuration — пауза FLOOD_WAIT как Duration.
func (o Outcome) FloodDuration() time.Duration {
	return time.Duration(o.FloodSeconds) * time.Second
}
