// Реестр живых MTProto-клиентов. На сессию поднимается не более одного
// клиента; подключение ленивое, ссылки считаются по аллокациям, а фоновой
// уборщик закрывает простаивающие соединения после льготного периода.
// Глобальных мутабельных карт нет: весь разделяемый стейт живёт здесь под
// одним мьютексом.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/bg"
	"github.com/gotd/contrib/middleware/ratelimit"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"telegram-orchestrator/internal/domain/model"
	"telegram-orchestrator/internal/infra/logger"
	"telegram-orchestrator/internal/infra/secrets"
)

// errNotAuthorized — слепок сессии не прошёл авторизацию при подключении.
var errNotAuthorized = errors.New("broker: session is not authorized")

// BlobSink — персист обновлённого слепка сессии и отметки использования.
// Реализуется StateStore; в тестах подменяется фейком.
type BlobSink interface {
	SaveSessionBlob(ctx context.Context, sessionID string, blob []byte) error
	TouchSessionUsed(ctx context.Context, sessionID string, at time.Time) error
}

// liveClient — один подключённый клиент и его учёт в реестре.
// refs и lastUsed защищены мьютексом реестра; opMu сериализует RPC-вызовы
// одной сессии (одна сессия — один вызов за раз).
type liveClient struct {
	sessionID string
	client    *telegram.Client
	api       *tg.Client
	storage   *session.StorageMemory
	stop      bg.StopFunc

	opMu     sync.Mutex
	refs     int
	lastUsed time.Time
}

// Registry управляет жизненным циклом живых клиентов.
type Registry struct {
	secrets secrets.Store
	sink    BlobSink
	idle    time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	clients map[string]*liveClient

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}

	// dial подменяется в тестах, чтобы не поднимать настоящий клиент.
	dial func(ctx context.Context, sess *model.Session) (*liveClient, error)
}

// NewRegistry собирает реестр. idleGrace — сколько клиент живёт без
// аллокаций перед закрытием.
func NewRegistry(sec secrets.Store, sink BlobSink, idleGrace time.Duration) *Registry {
	r := &Registry{
		secrets: sec,
		sink:    sink,
		idle:    idleGrace,
		log:     logger.Named("registry"),
		clients: map[string]*liveClient{},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	r.dial = r.dialTelegram
	return r
}

// Start запускает уборщика простаивающих клиентов. Повторные вызовы — no-op.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		go r.janitorLoop()
	})
}

// Stop останавливает уборщика и закрывает все живые клиенты.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh

		r.mu.Lock()
		clients := r.clients
		r.clients = map[string]*liveClient{}
		r.mu.Unlock()

		for _, lc := range clients {
			r.closeClient(lc)
		}
	})
}

// acquire возвращает живого клиента сессии, при необходимости подключая его.
// Счётчик ссылок растёт на единицу; парная release обязательна.
func (r *Registry) acquire(ctx context.Context, sess *model.Session) (*liveClient, error) {
	r.mu.Lock()
	if lc, ok := r.clients[sess.ID]; ok {
		lc.refs++
		r.mu.Unlock()
		return lc, nil
	}
	r.mu.Unlock()

	lc, err := r.dial(ctx, sess)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.clients[sess.ID]; ok {
		// Параллельный acquire успел подключиться первым.
		existing.refs++
		r.mu.Unlock()
		r.closeClient(lc)
		return existing, nil
	}
	lc.refs = 1
	lc.lastUsed = time.Now()
	r.clients[sess.ID] = lc
	r.mu.Unlock()

	r.log.Info("client connected", zap.String("session_id", sess.ID))
	return lc, nil
}

// release отпускает ссылку; клиент остаётся подключённым до истечения
// льготного периода простоя.
func (r *Registry) release(ctx context.Context, lc *liveClient) {
	now := time.Now()
	r.mu.Lock()
	if lc.refs > 0 {
		lc.refs--
	}
	lc.lastUsed = now
	r.mu.Unlock()

	if err := r.sink.TouchSessionUsed(ctx, lc.sessionID, now); err != nil {
		r.log.Warn("touch session failed", zap.String("session_id", lc.sessionID), zap.Error(err))
	}
}

// Evict принудительно закрывает клиента сессии (после фатальной ошибки
// аккаунта дальнейшие вызовы бессмысленны).
func (r *Registry) Evict(sessionID string) {
	r.mu.Lock()
	lc, ok := r.clients[sessionID]
	if ok {
		delete(r.clients, sessionID)
	}
	r.mu.Unlock()
	if ok {
		r.closeClient(lc)
	}
}

// janitorLoop закрывает клиентов без ссылок, простоявших дольше idle.
func (r *Registry) janitorLoop() {
	defer close(r.doneCh)

	interval := r.idle / 2
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			for _, lc := range r.collectIdle(now) {
				r.log.Info("closing idle client", zap.String("session_id", lc.sessionID))
				r.closeClient(lc)
			}
		}
	}
}

func (r *Registry) collectIdle(now time.Time) []*liveClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idle []*liveClient
	for id, lc := range r.clients {
		if lc.refs == 0 && now.Sub(lc.lastUsed) >= r.idle {
			idle = append(idle, lc)
			delete(r.clients, id)
		}
	}
	return idle
}

// closeClient останавливает клиента и персистит обновлённый слепок сессии:
// MTProto мог перевыпустить соль/ключи с момента подключения.
func (r *Registry) closeClient(lc *liveClient) {
	if lc.stop != nil {
		if err := lc.stop(); err != nil {
			r.log.Warn("client stop failed", zap.String("session_id", lc.sessionID), zap.Error(err))
		}
	}
	if lc.storage == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	blob, err := lc.storage.LoadSession(ctx)
	if err != nil || len(blob) == 0 {
		return
	}
	if err := r.sink.SaveSessionBlob(ctx, lc.sessionID, blob); err != nil {
		r.log.Warn("save session blob failed", zap.String("session_id", lc.sessionID), zap.Error(err))
	}
}

// dialTelegram подключает настоящего MTProto-клиента из слепка сессии.
func (r *Registry) dialTelegram(ctx context.Context, sess *model.Session) (*liveClient, error) {
	creds, err := r.secrets.GetPlatformCredentials(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "platform credentials")
	}

	storage := new(session.StorageMemory)
	if len(sess.SessionBlob) > 0 {
		if err := storage.StoreSession(ctx, sess.SessionBlob); err != nil {
			return nil, errors.Wrap(err, "seed session storage")
		}
	}

	client := telegram.NewClient(creds.APIID, creds.APIHash, telegram.Options{
		SessionStorage: storage,
		Logger:         r.log.Named("mtproto").WithOptions(zap.IncreaseLevel(zap.WarnLevel)),
		Middlewares: []telegram.Middleware{
			ratelimit.New(rate.Every(100*time.Millisecond), 5),
		},
	})

	stop, err := bg.Connect(client, bg.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "connect client")
	}

	status, err := client.Auth().Status(ctx)
	if err != nil {
		_ = stop()
		return nil, errors.Wrap(err, "auth status")
	}
	if !status.Authorized {
		_ = stop()
		return nil, errNotAuthorized
	}

	return &liveClient{
		sessionID: sess.ID,
		client:    client,
		api:       client.API(),
		storage:   storage,
		stop:      stop,
	}, nil
}
