// Package broker — единственный слой, говорящий с Telegram. Наружу выходят
// только доменные типы и классифицированные исходы: сырые объекты gotd и
// строки ошибок платформы за пределы пакета не поднимаются. Один живой
// клиент на сессию, один RPC-вызов на сессию за раз.
package broker

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"telegram-orchestrator/internal/domain/model"
	"telegram-orchestrator/internal/infra/config"
	"telegram-orchestrator/internal/infra/logger"
	"telegram-orchestrator/internal/infra/secrets"
)

// opTimeout — потолок одного RPC-вызова; превышение классифицируется как
// временная сетевая ошибка.
const opTimeout = 30 * time.Second

// commentsProbeDepth — сколько последних постов канала просматривается при
// проверке включённых комментариев.
const commentsProbeDepth = 15

// Broker реализует операции платформы поверх реестра живых клиентов.
type Broker struct {
	registry *Registry
	peers    *PeerCache
	log      *zap.Logger
}

// New собирает брокера.
func New(sec secrets.Store, sink BlobSink, peers *PeerCache, idleGrace time.Duration) *Broker {
	return &Broker{
		registry: NewRegistry(sec, sink, idleGrace),
		peers:    peers,
		log:      logger.Named("broker"),
	}
}

// Start запускает фоновые части брокера (уборщик реестра).
func (b *Broker) Start() { b.registry.Start() }

// Stop закрывает все живые клиенты.
func (b *Broker) Stop() { b.registry.Stop() }

// Evict принудительно закрывает клиента сессии.
func (b *Broker) Evict(sessionID string) { b.registry.Evict(sessionID) }

// classifyDial переводит ошибку подключения в исход.
func classifyDial(err error) model.Outcome {
	if errors.Is(err, errNotAuthorized) {
		return model.Failure(model.KindAuthKeyError, err)
	}
	return Classify(err)
}

// withClient выполняет fn на живом клиенте сессии, сериализуя вызовы одной
// сессии. Ошибка fn классифицируется здесь — единожды.
func (b *Broker) withClient(ctx context.Context, sess *model.Session, fn func(ctx context.Context, lc *liveClient) error) model.Outcome {
	lc, err := b.registry.acquire(ctx, sess)
	if err != nil {
		return classifyDial(err)
	}
	defer b.registry.release(ctx, lc)

	lc.opMu.Lock()
	defer lc.opMu.Unlock()

	return Classify(fn(ctx, lc))
}

// call оборачивает один RPC потолком времени.
func call(ctx context.Context, fn func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return fn(opCtx)
}

// ProbeSession проверяет живость сессии лёгким вызовом (профиль самого
// аккаунта). Используется восстановлением и при онбординге.
func (b *Broker) ProbeSession(ctx context.Context, sess *model.Session) model.Outcome {
	return b.withClient(ctx, sess, func(ctx context.Context, lc *liveClient) error {
		return call(ctx, func(ctx context.Context) error {
			_, err := lc.client.Self(ctx)
			return err
		})
	})
}

// ResolveEntity разрешает ссылку/идентификатор в дескриптор сущности.
// Успешные разрешения username кешируются в PeerCache.
func (b *Broker) ResolveEntity(ctx context.Context, sess *model.Session, handle string) (Entity, model.Outcome) {
	var entity Entity
	outcome := b.withClient(ctx, sess, func(ctx context.Context, lc *liveClient) error {
		e, err := b.resolve(ctx, lc, handle)
		if err != nil {
			return err
		}
		entity = e
		return nil
	})
	return entity, outcome
}

// resolve — внутреннее разрешение на уже захваченном клиенте.
func (b *Broker) resolve(ctx context.Context, lc *liveClient, handle string) (Entity, error) {
	h := normalizeHandle(handle)
	if h == "" {
		return Entity{}, errors.New("empty handle")
	}

	if isPhoneHandle(h) {
		return b.resolveByPhone(ctx, lc, h)
	}
	if id, err := strconv.ParseInt(h, 10, 64); err == nil && id > 0 {
		// Голый числовой id: access_hash неизвестен, вызов сработает только
		// для уже встречавшихся платформе пар.
		return Entity{Kind: EntityUser, ID: id}, nil
	}

	if b.peers != nil {
		if e, ok := b.peers.Get(h); ok {
			return e, nil
		}
	}

	var resolved *tg.ContactsResolvedPeer
	err := call(ctx, func(ctx context.Context) error {
		var rpcErr error
		resolved, rpcErr = lc.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: h})
		return rpcErr
	})
	if err != nil {
		return Entity{}, err
	}

	entity, ok := entityFromResolved(resolved)
	if !ok {
		return Entity{}, errors.Errorf("handle %q resolved to unsupported peer", h)
	}
	if b.peers != nil {
		if err := b.peers.Put(h, entity); err != nil {
			b.log.Warn("peer cache put failed", zap.String("handle", h), zap.Error(err))
		}
	}
	return entity, nil
}

// resolveByPhone импортирует номер во временный контакт и возвращает
// пользователя. Платформа требует контакта для действий по телефону.
func (b *Broker) resolveByPhone(ctx context.Context, lc *liveClient, phone string) (Entity, error) {
	var imported *tg.ContactsImportedContacts
	err := call(ctx, func(ctx context.Context) error {
		var rpcErr error
		imported, rpcErr = lc.api.ContactsImportContacts(ctx, []tg.InputPhoneContact{{
			ClientID:  time.Now().UnixNano(),
			Phone:     phone,
			FirstName: "Contact",
		}})
		return rpcErr
	})
	if err != nil {
		return Entity{}, err
	}
	for _, u := range imported.Users {
		if user, ok := u.(*tg.User); ok {
			return classifyUser(user), nil
		}
	}
	// Платформа не нашла аккаунт за этим номером.
	return Entity{}, tgerr.New(400, "PHONE_NOT_OCCUPIED")
}

// entityFromResolved сопоставляет peer из ответа resolve с объектом из
// приложенных users/chats.
func entityFromResolved(r *tg.ContactsResolvedPeer) (Entity, bool) {
	switch peer := r.Peer.(type) {
	case *tg.PeerUser:
		for _, u := range r.Users {
			if user, ok := u.(*tg.User); ok && user.ID == peer.UserID {
				return classifyUser(user), true
			}
		}
	case *tg.PeerChannel:
		for _, c := range r.Chats {
			if ch, ok := c.(*tg.Channel); ok && ch.ID == peer.ChannelID {
				return classifyChat(ch)
			}
		}
	case *tg.PeerChat:
		for _, c := range r.Chats {
			if ch, ok := c.(*tg.Chat); ok && ch.ID == peer.ChatID {
				return classifyChat(ch)
			}
		}
	}
	return Entity{}, false
}

// AdminCheck — результат проверки административных прав сессии в сообществе.
type AdminCheck struct {
	IsAdmin   bool
	CanInvite bool
}

// VerifyAdminRights проверяет, что сессия — администратор сообщества с
// правом приглашать. Проверка обязательна: кампания без подтверждённых прав
// не стартует.
func (b *Broker) VerifyAdminRights(ctx context.Context, sess *model.Session, community Entity) (AdminCheck, model.Outcome) {
	var check AdminCheck
	outcome := b.withClient(ctx, sess, func(ctx context.Context, lc *liveClient) error {
		if community.IsChannelLike() {
			return call(ctx, func(ctx context.Context) error {
				res, err := lc.api.ChannelsGetParticipant(ctx, &tg.ChannelsGetParticipantRequest{
					Channel:     community.InputChannel(),
					Participant: &tg.InputPeerSelf{},
				})
				if err != nil {
					return err
				}
				check = adminFromChannelParticipant(res.Participant)
				return nil
			})
		}
		return call(ctx, func(ctx context.Context) error {
			self, err := lc.client.Self(ctx)
			if err != nil {
				return err
			}
			full, err := lc.api.MessagesGetFullChat(ctx, community.ID)
			if err != nil {
				return err
			}
			check = adminFromChatFull(full, self.ID)
			return nil
		})
	})
	return check, outcome
}

func adminFromChannelParticipant(p tg.ChannelParticipantClass) AdminCheck {
	switch participant := p.(type) {
	case *tg.ChannelParticipantCreator:
		return AdminCheck{IsAdmin: true, CanInvite: true}
	case *tg.ChannelParticipantAdmin:
		return AdminCheck{IsAdmin: true, CanInvite: participant.AdminRights.InviteUsers}
	}
	return AdminCheck{}
}

func adminFromChatFull(full *tg.MessagesChatFull, selfID int64) AdminCheck {
	chatFull, ok := full.FullChat.(*tg.ChatFull)
	if !ok {
		return AdminCheck{}
	}
	participants, ok := chatFull.Participants.(*tg.ChatParticipants)
	if !ok {
		return AdminCheck{}
	}
	for _, p := range participants.Participants {
		switch participant := p.(type) {
		case *tg.ChatParticipantCreator:
			if participant.UserID == selfID {
				return AdminCheck{IsAdmin: true, CanInvite: true}
			}
		case *tg.ChatParticipantAdmin:
			if participant.UserID == selfID {
				// В малых группах право приглашать входит в админство.
				return AdminCheck{IsAdmin: true, CanInvite: true}
			}
		}
	}
	return AdminCheck{}
}

// CheckCommentsEnabled сообщает, открыты ли комментарии у вещательного
// канала: среди последних постов должен найтись хотя бы один с ненулевым
// числом ответов. Для групп и мегагрупп проверка тривиально истинна.
func (b *Broker) CheckCommentsEnabled(ctx context.Context, sess *model.Session, community Entity) (bool, model.Outcome) {
	if community.Kind != EntityBroadcast {
		return true, model.OK()
	}

	enabled := false
	outcome := b.withClient(ctx, sess, func(ctx context.Context, lc *liveClient) error {
		return call(ctx, func(ctx context.Context) error {
			res, err := lc.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
				Peer:  community.InputPeer(),
				Limit: commentsProbeDepth,
			})
			if err != nil {
				return err
			}
			for _, m := range historyMessages(res) {
				msg, ok := m.(*tg.Message)
				if !ok {
					continue
				}
				if replies, has := msg.GetReplies(); has && replies.Comments && replies.Replies > 0 {
					enabled = true
					return nil
				}
			}
			return nil
		})
	})
	return enabled, outcome
}

// historyMessages достаёт список сообщений из любого варианта ответа
// messages.getHistory.
func historyMessages(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch h := res.(type) {
	case *tg.MessagesMessages:
		return h.Messages
	case *tg.MessagesMessagesSlice:
		return h.Messages
	case *tg.MessagesChannelMessages:
		return h.Messages
	}
	return nil
}

// Record — одна извлечённая при парсинге запись до санитизации.
type Record struct {
	Kind        model.ResultKind
	PlatformKey string
	Payload     map[string]any
}

// HistoryBatch — партия записей и её счётчики для прогресса.
type HistoryBatch struct {
	Records  []Record
	Messages int
	Media    int
	Users    int
}

// BatchSink получает партии по мере выгрузки. Ошибка sink останавливает
// выгрузку и поднимается как локальная (не платформенная).
type BatchSink func(batch HistoryBatch) error

// FetchHistory выгружает историю сообщества партиями под скоростным
// профилем, опционально дополняя её участниками. Возвращает платформенный
// исход и локальную ошибку sink-а раздельно.
func (b *Broker) FetchHistory(ctx context.Context, sess *model.Session, community Entity, settings config.SpeedSettings, withParticipants bool, sink BatchSink) (model.Outcome, error) {
	var sinkErr error
	outcome := b.withClient(ctx, sess, func(ctx context.Context, lc *liveClient) error {
		pace := newPacer(settings)

		if err := b.fetchMessages(ctx, lc, community, settings, pace, sink, &sinkErr); err != nil {
			return err
		}
		if sinkErr != nil {
			return nil
		}
		if withParticipants && community.IsChannelLike() {
			return b.fetchParticipants(ctx, lc, community, settings, pace, sink, &sinkErr)
		}
		return nil
	})
	if sinkErr != nil {
		return model.OK(), sinkErr
	}
	return outcome, nil
}

func (b *Broker) fetchMessages(ctx context.Context, lc *liveClient, community Entity, settings config.SpeedSettings, pace *pacer, sink BatchSink, sinkErr *error) error {
	offsetID := 0
	for {
		if err := pace.waitMessage(ctx); err != nil {
			return err
		}

		var res tg.MessagesMessagesClass
		err := call(ctx, func(ctx context.Context) error {
			var rpcErr error
			res, rpcErr = lc.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
				Peer:     community.InputPeer(),
				OffsetID: offsetID,
				Limit:    settings.BatchSize,
			})
			return rpcErr
		})
		if err != nil {
			return err
		}

		messages := historyMessages(res)
		if len(messages) == 0 {
			return nil
		}

		batch := HistoryBatch{}
		for _, m := range messages {
			msg, ok := m.(*tg.Message)
			if !ok {
				continue
			}
			if msg.ID < offsetID || offsetID == 0 {
				offsetID = msg.ID
			}
			batch.Records = append(batch.Records, messageRecord(community, msg))
			batch.Messages++
			if msg.Media != nil {
				batch.Records = append(batch.Records, mediaRecord(community, msg))
				batch.Media++
			}
		}

		if len(batch.Records) > 0 {
			if err := sink(batch); err != nil {
				*sinkErr = err
				return nil
			}
		}
		if len(messages) < settings.BatchSize {
			return nil
		}
	}
}

func (b *Broker) fetchParticipants(ctx context.Context, lc *liveClient, community Entity, settings config.SpeedSettings, pace *pacer, sink BatchSink, sinkErr *error) error {
	offset := 0
	for {
		if err := pace.waitUser(ctx); err != nil {
			return err
		}

		var page *tg.ChannelsChannelParticipants
		err := call(ctx, func(ctx context.Context) error {
			res, rpcErr := lc.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
				Channel: community.InputChannel(),
				Filter:  &tg.ChannelParticipantsRecent{},
				Offset:  offset,
				Limit:   settings.BatchSize,
			})
			if rpcErr != nil {
				return rpcErr
			}
			page, _ = res.(*tg.ChannelsChannelParticipants)
			return nil
		})
		if err != nil {
			return err
		}
		if page == nil || len(page.Participants) == 0 {
			return nil
		}

		batch := HistoryBatch{}
		for _, u := range page.Users {
			user, ok := u.(*tg.User)
			if !ok || user.Bot {
				continue
			}
			batch.Records = append(batch.Records, participantRecord(community, user))
			batch.Users++
		}
		if len(batch.Records) > 0 {
			if err := sink(batch); err != nil {
				*sinkErr = err
				return nil
			}
		}

		offset += len(page.Participants)
		if len(page.Participants) < settings.BatchSize {
			return nil
		}
	}
}

// messageRecord строит запись сообщения. Payload несёт и бинарный слепок TL
// для восстановимости: санитизацией до текста занимается движок.
func messageRecord(community Entity, msg *tg.Message) Record {
	payload := map[string]any{
		"message_id": msg.ID,
		"date":       time.Unix(int64(msg.Date), 0).UTC(),
		"text":       msg.Message,
		"views":      msg.Views,
		"has_media":  msg.Media != nil,
	}
	var buf bin.Buffer
	if err := msg.Encode(&buf); err == nil {
		payload["raw_tl"] = buf.Buf
	}
	return Record{
		Kind:        model.ResultMessage,
		PlatformKey: community.Username + "/" + strconv.Itoa(msg.ID),
		Payload:     payload,
	}
}

func mediaRecord(community Entity, msg *tg.Message) Record {
	return Record{
		Kind:        model.ResultMedia,
		PlatformKey: community.Username + "/" + strconv.Itoa(msg.ID) + "/media",
		Payload: map[string]any{
			"message_id": msg.ID,
			"media_type": msg.Media.TypeName(),
			"date":       time.Unix(int64(msg.Date), 0).UTC(),
		},
	}
}

func participantRecord(community Entity, user *tg.User) Record {
	return Record{
		Kind:        model.ResultParticipant,
		PlatformKey: community.Username + "/user/" + strconv.FormatInt(user.ID, 10),
		Payload: map[string]any{
			"user_id":    user.ID,
			"username":   user.Username,
			"first_name": user.FirstName,
			"last_name":  user.LastName,
			"phone":      user.Phone,
			"premium":    user.Premium,
		},
	}
}

// SendInvite приглашает цель в сообщество. Для каналов/мегагрупп —
// channels.inviteToChannel, для малых групп — messages.addChatUser.
// Молчаливый отказ платформы (missing_invitees) трактуется как запрет
// приватности: инвайт не состоялся.
func (b *Broker) SendInvite(ctx context.Context, sess *model.Session, community Entity, target model.Identifiers) model.Outcome {
	return b.withClient(ctx, sess, func(ctx context.Context, lc *liveClient) error {
		user, err := b.resolveTarget(ctx, lc, target)
		if err != nil {
			return err
		}

		var invited *tg.MessagesInvitedUsers
		if community.IsChannelLike() {
			err = call(ctx, func(ctx context.Context) error {
				var rpcErr error
				invited, rpcErr = lc.api.ChannelsInviteToChannel(ctx, &tg.ChannelsInviteToChannelRequest{
					Channel: community.InputChannel(),
					Users:   []tg.InputUserClass{user.InputUser()},
				})
				return rpcErr
			})
		} else {
			err = call(ctx, func(ctx context.Context) error {
				var rpcErr error
				invited, rpcErr = lc.api.MessagesAddChatUser(ctx, &tg.MessagesAddChatUserRequest{
					ChatID: community.ID,
					UserID: user.InputUser(),
				})
				return rpcErr
			})
		}
		if err != nil {
			return err
		}
		if invited != nil && len(invited.MissingInvitees) > 0 {
			return errMissingInvitee
		}
		return nil
	})
}

// errMissingInvitee — платформа приняла вызов, но не пригласила цель.
var errMissingInvitee = errors.New("broker: invitee rejected by privacy settings")

// SendDirectMessage отправляет цели личное сообщение.
func (b *Broker) SendDirectMessage(ctx context.Context, sess *model.Session, target model.Identifiers, text string) model.Outcome {
	return b.withClient(ctx, sess, func(ctx context.Context, lc *liveClient) error {
		user, err := b.resolveTarget(ctx, lc, target)
		if err != nil {
			return err
		}
		randomID, err := lc.client.RandInt64()
		if err != nil {
			return errors.Wrap(err, "random id")
		}
		return call(ctx, func(ctx context.Context) error {
			_, rpcErr := lc.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
				Peer:     user.InputPeer(),
				Message:  text,
				RandomID: randomID,
			})
			return rpcErr
		})
	})
}

// resolveTarget превращает идентификаторы цели в пользователя. Порядок
// предпочтения: username → телефон → голый platform id.
func (b *Broker) resolveTarget(ctx context.Context, lc *liveClient, target model.Identifiers) (Entity, error) {
	switch {
	case target.Username != "":
		e, err := b.resolve(ctx, lc, target.Username)
		if err != nil {
			return Entity{}, err
		}
		if e.Kind != EntityUser {
			return Entity{}, errors.Errorf("handle %q is not a user", target.Username)
		}
		return e, nil
	case target.Phone != "":
		return b.resolveByPhone(ctx, lc, target.Phone)
	case target.PlatformUserID > 0:
		return Entity{Kind: EntityUser, ID: target.PlatformUserID}, nil
	}
	return Entity{}, errors.New("target has no identifiers")
}
