// Онбординг новых сессий. Подключённый клиент обязан пережить весь диалог
// входа: код из SMS и 2FA-пароль должны прийти на то же соединение, где был
// запрошен код. Клиент живёт в реестре ожидания до успеха, отмены или
// таймаута.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/bg"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"telegram-orchestrator/internal/infra/logger"
	"telegram-orchestrator/internal/infra/secrets"
)

// LoginState — фаза диалога входа.
type LoginState string

const (
	LoginAwaitCode     LoginState = "AWAIT_CODE"
	LoginAwaitPassword LoginState = "AWAIT_PASSWORD"
	LoginDone          LoginState = "DONE"
)

// ErrLoginNotFound — диалог не существует или уже истёк.
var ErrLoginNotFound = errors.New("broker: login flow not found")

// pendingLogin — один живой диалог входа.
type pendingLogin struct {
	id        string
	phone     string
	client    *telegram.Client
	storage   *session.StorageMemory
	stop      bg.StopFunc
	codeHash  string
	startedAt time.Time
}

// Onboarding держит реестр живых диалогов входа.
type Onboarding struct {
	secrets secrets.Store
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingLogin

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewOnboarding собирает реестр онбординга. timeout — сколько диалог ждёт
// ввода пользователя, прежде чем соединение будет закрыто.
func NewOnboarding(sec secrets.Store, timeout time.Duration) *Onboarding {
	return &Onboarding{
		secrets: sec,
		timeout: timeout,
		log:     logger.Named("onboarding"),
		pending: map[string]*pendingLogin{},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start запускает уборщика истёкших диалогов.
func (o *Onboarding) Start() {
	o.startOnce.Do(func() {
		go o.expireLoop()
	})
}

// Stop закрывает все живые диалоги.
func (o *Onboarding) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		<-o.doneCh

		o.mu.Lock()
		pending := o.pending
		o.pending = map[string]*pendingLogin{}
		o.mu.Unlock()

		for _, p := range pending {
			o.closeLogin(p)
		}
	})
}

// StartLogin открывает диалог входа: подключает клиента и запрашивает код.
func (o *Onboarding) StartLogin(ctx context.Context, id, phone string) (LoginState, error) {
	creds, err := o.secrets.GetPlatformCredentials(ctx)
	if err != nil {
		return "", errors.Wrap(err, "platform credentials")
	}

	storage := new(session.StorageMemory)
	client := telegram.NewClient(creds.APIID, creds.APIHash, telegram.Options{
		SessionStorage: storage,
		Logger:         o.log.Named("mtproto").WithOptions(zap.IncreaseLevel(zap.WarnLevel)),
	})
	stop, err := bg.Connect(client, bg.WithContext(ctx))
	if err != nil {
		return "", errors.Wrap(err, "connect client")
	}

	sent, err := client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		_ = stop()
		return "", errors.Wrap(err, "send code")
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		_ = stop()
		return "", errors.Errorf("unexpected sent code type %T", sent)
	}

	p := &pendingLogin{
		id:        id,
		phone:     phone,
		client:    client,
		storage:   storage,
		stop:      stop,
		codeHash:  code.PhoneCodeHash,
		startedAt: time.Now(),
	}

	o.mu.Lock()
	if old, exists := o.pending[id]; exists {
		o.mu.Unlock()
		o.closeLogin(old)
		o.mu.Lock()
	}
	o.pending[id] = p
	o.mu.Unlock()

	o.log.Info("login started", zap.String("login_id", id))
	return LoginAwaitCode, nil
}

// SubmitCode передаёт код подтверждения. При включённой 2FA диалог остаётся
// живым и ждёт пароль; при успехе возвращается готовый слепок сессии.
func (o *Onboarding) SubmitCode(ctx context.Context, id, code string) (LoginState, []byte, error) {
	p, err := o.lookup(id)
	if err != nil {
		return "", nil, err
	}

	_, err = p.client.Auth().SignIn(ctx, p.phone, code, p.codeHash)
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return LoginAwaitPassword, nil, nil
	}
	if err != nil {
		return "", nil, errors.Wrap(err, "sign in")
	}
	return o.finishLogin(ctx, p)
}

// SubmitPassword передаёт 2FA-пароль и завершает вход.
func (o *Onboarding) SubmitPassword(ctx context.Context, id, password string) (LoginState, []byte, error) {
	p, err := o.lookup(id)
	if err != nil {
		return "", nil, err
	}
	if _, err := p.client.Auth().Password(ctx, password); err != nil {
		return "", nil, errors.Wrap(err, "check password")
	}
	return o.finishLogin(ctx, p)
}

// Cancel прерывает диалог и закрывает соединение.
func (o *Onboarding) Cancel(id string) {
	o.mu.Lock()
	p, ok := o.pending[id]
	if ok {
		delete(o.pending, id)
	}
	o.mu.Unlock()
	if ok {
		o.closeLogin(p)
	}
}

func (o *Onboarding) lookup(id string) (*pendingLogin, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pending[id]
	if !ok {
		return nil, ErrLoginNotFound
	}
	return p, nil
}

// finishLogin снимает слепок авторизованной сессии и закрывает диалог.
func (o *Onboarding) finishLogin(ctx context.Context, p *pendingLogin) (LoginState, []byte, error) {
	blob, err := p.storage.LoadSession(ctx)
	if err != nil {
		return "", nil, errors.Wrap(err, "load session blob")
	}

	o.mu.Lock()
	delete(o.pending, p.id)
	o.mu.Unlock()
	o.closeLogin(p)

	o.log.Info("login finished", zap.String("login_id", p.id))
	return LoginDone, blob, nil
}

func (o *Onboarding) closeLogin(p *pendingLogin) {
	if p.stop == nil {
		return
	}
	if err := p.stop(); err != nil {
		o.log.Warn("login stop failed", zap.String("login_id", p.id), zap.Error(err))
	}
}

// expireLoop закрывает диалоги, не дождавшиеся ввода за отведённое время.
func (o *Onboarding) expireLoop() {
	defer close(o.doneCh)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case now := <-ticker.C:
			var expired []*pendingLogin
			o.mu.Lock()
			for id, p := range o.pending {
				if now.Sub(p.startedAt) >= o.timeout {
					expired = append(expired, p)
					delete(o.pending, id)
				}
			}
			o.mu.Unlock()

			for _, p := range expired {
				o.log.Info("login expired", zap.String("login_id", p.id))
				o.closeLogin(p)
			}
		}
	}
}
