// Единственная точка перевода ошибок платформы в машинные виды. Выше
// брокера сырые строки gotd/MTProto не поднимаются: менеджер аккаунтов и
// движки задач видят только model.Outcome.
package broker

import (
	"context"
	"net"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"

	"telegram-orchestrator/internal/domain/model"
)

// rpcKinds — точные коды платформы → машинный вид.
var rpcKinds = map[string]model.ErrorKind{
	"PEER_FLOOD": model.KindPeerFlood,

	"PHONE_NUMBER_BANNED":  model.KindPhoneBanned,
	"USER_DEACTIVATED_BAN": model.KindPhoneBanned,
	"USER_DEACTIVATED":     model.KindUserDeactivated,

	"AUTH_KEY_UNREGISTERED": model.KindAuthKeyError,
	"AUTH_KEY_INVALID":      model.KindAuthKeyError,
	"AUTH_KEY_DUPLICATED":   model.KindAuthKeyError,
	"SESSION_REVOKED":       model.KindAuthKeyError,
	"SESSION_EXPIRED":       model.KindAuthKeyError,

	"USER_PRIVACY_RESTRICTED": model.KindPrivacyRestricted,
	"USER_BLOCKED":            model.KindPrivacyRestricted,

	"USERNAME_NOT_OCCUPIED": model.KindUserNotFound,
	"PHONE_NOT_OCCUPIED":    model.KindUserNotFound,
	"CONTACT_ID_INVALID":    model.KindUserNotFound,

	"USERNAME_INVALID":     model.KindInvalidIdentifier,
	"USER_ID_INVALID":      model.KindInvalidIdentifier,
	"PEER_ID_INVALID":      model.KindInvalidIdentifier,
	"PHONE_NUMBER_INVALID": model.KindInvalidIdentifier,

	"USER_ALREADY_PARTICIPANT": model.KindAlreadyParticipant,
	"USER_NOT_MUTUAL_CONTACT":  model.KindNotMutualContact,
	"USER_CHANNELS_TOO_MUCH":   model.KindTargetChannelLimit,

	"CHAT_ADMIN_REQUIRED":    model.KindGroupRestriction,
	"CHAT_WRITE_FORBIDDEN":   model.KindGroupRestriction,
	"USER_BANNED_IN_CHANNEL": model.KindGroupRestriction,
	"USERS_TOO_MUCH":         model.KindGroupRestriction,
	"CHANNEL_PRIVATE":        model.KindGroupRestriction,
	"CHAT_ID_INVALID":        model.KindGroupRestriction,
}

// Classify сворачивает ошибку платформы в исход. nil → успех. Неизвестные
// коды платформы не гадаются: UNKNOWN_PLATFORM_ERROR, цель закрывается, а
// аккаунт остаётся нетронутым.
func Classify(err error) model.Outcome {
	if err == nil {
		return model.OK()
	}
	// Отмена — сигнал остановки самого оркестратора, а не сбой платформы:
	// она не должна книжиться на аккаунт и запускать переаллокацию.
	if errors.Is(err, context.Canceled) {
		return model.Failure(model.KindCancelled, err)
	}
	if errors.Is(err, errMissingInvitee) {
		return model.Failure(model.KindPrivacyRestricted, err)
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return model.FloodWait(int(wait.Seconds()), err)
	}
	if rpc, ok := tgerr.As(err); ok {
		if kind, known := rpcKinds[rpc.Type]; known {
			return model.Failure(kind, err)
		}
		// Семейства с переменным суффиксом (SESSION_PASSWORD_NEEDED и
		// прочие AUTH_* сюда не относятся).
		if strings.HasPrefix(rpc.Type, "PHONE_NUMBER_BANNED") {
			return model.Failure(model.KindPhoneBanned, err)
		}
		return model.Failure(model.KindUnknownPlatform, err)
	}
	if isTransient(err) {
		return model.Failure(model.KindTransientNetwork, err)
	}
	return model.Failure(model.KindUnknownPlatform, err)
}

// isTransient распознаёт сетевые и дедлайновые сбои, которые имеет смысл
// повторить на той же или другой сессии.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
