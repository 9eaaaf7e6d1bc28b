// Классификация платформенных сущностей. Сущность разбирается ровно один
// раз в теговый вариант (пользователь / вещательный канал / мегагруппа /
// малая группа); дальше весь код ветвится по варианту, а не по типам gotd.
package broker

import (
	"strings"

	"github.com/gotd/td/tg"
)

// EntityKind — теговый вариант сущности платформы.
type EntityKind string

const (
	EntityUser      EntityKind = "user"
	EntityBroadcast EntityKind = "broadcast"
	EntityMegagroup EntityKind = "megagroup"
	EntityGroup     EntityKind = "group"
)

// Entity — дескриптор разрешённой сущности: достаточно для построения
// любых input-пиров без повторного обращения к платформе.
type Entity struct {
	Kind       EntityKind
	ID         int64
	AccessHash int64
	Title      string
	Username   string
}

// IsChannelLike — true для сущностей, живущих в channels.* API.
func (e Entity) IsChannelLike() bool {
	return e.Kind == EntityBroadcast || e.Kind == EntityMegagroup
}

// InputPeer строит tg.InputPeerClass для вызовов messages.*.
func (e Entity) InputPeer() tg.InputPeerClass {
	switch e.Kind {
	case EntityUser:
		return &tg.InputPeerUser{UserID: e.ID, AccessHash: e.AccessHash}
	case EntityGroup:
		return &tg.InputPeerChat{ChatID: e.ID}
	default:
		return &tg.InputPeerChannel{ChannelID: e.ID, AccessHash: e.AccessHash}
	}
}

// InputChannel строит tg.InputChannelClass для вызовов channels.*.
func (e Entity) InputChannel() tg.InputChannelClass {
	return &tg.InputChannel{ChannelID: e.ID, AccessHash: e.AccessHash}
}

// InputUser строит tg.InputUserClass (только для Kind==user).
func (e Entity) InputUser() tg.InputUserClass {
	return &tg.InputUser{UserID: e.ID, AccessHash: e.AccessHash}
}

// classifyUser сворачивает tg.User в дескриптор.
func classifyUser(u *tg.User) Entity {
	return Entity{
		Kind:       EntityUser,
		ID:         u.ID,
		AccessHash: u.AccessHash,
		Title:      strings.TrimSpace(u.FirstName + " " + u.LastName),
		Username:   u.Username,
	}
}

// classifyChat сворачивает произвольный tg.ChatClass в дескриптор.
// Возвращает ok=false для forbidden/deactivated сущностей.
func classifyChat(c tg.ChatClass) (Entity, bool) {
	switch chat := c.(type) {
	case *tg.Chat:
		if chat.Deactivated {
			return Entity{}, false
		}
		return Entity{Kind: EntityGroup, ID: chat.ID, Title: chat.Title}, true
	case *tg.Channel:
		kind := EntityBroadcast
		if chat.Megagroup {
			kind = EntityMegagroup
		}
		return Entity{
			Kind:       kind,
			ID:         chat.ID,
			AccessHash: chat.AccessHash,
			Title:      chat.Title,
			Username:   chat.Username,
		}, true
	default:
		return Entity{}, false
	}
}

// normalizeHandle приводит ссылку/идентификатор к каноническому виду:
// @username, t.me/username, https://t.me/username → "username";
// телефон остаётся с ведущим "+"; числовые id — как есть.
func normalizeHandle(handle string) string {
	h := strings.TrimSpace(handle)
	for _, prefix := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if strings.HasPrefix(h, prefix) {
			h = strings.TrimPrefix(h, prefix)
			break
		}
	}
	h = strings.TrimPrefix(h, "@")
	if i := strings.IndexAny(h, "/?"); i >= 0 {
		h = h[:i]
	}
	return h
}

// isPhoneHandle — эвристика телефона: плюс и только цифры.
func isPhoneHandle(h string) bool {
	if !strings.HasPrefix(h, "+") || len(h) < 8 {
		return false
	}
	for _, r := range h[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
