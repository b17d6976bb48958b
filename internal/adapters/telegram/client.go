package telegram

import (
	"context"
	"sync"
	"time"

	"spectra/internal/domain/gateway"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/storage"
	"spectra/internal/infra/throttle"
	"spectra/internal/support/version"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
)

const (
	// maxAbsorbedFloodWait — порог, до которого FLOOD_WAIT изменяющих вызовов
	// поглощается middleware. Более длинные паузы всплывают классифицированной
	// ошибкой, чтобы пул успел переключить аккаунт.
	maxAbsorbedFloodWait = 30 * time.Second
	floodWaitRetries     = 3

	// gateMaxRetries — лимит повторов временных сбоев в воротах читающих
	// вызовов.
	gateMaxRetries = 5

	rateBurstFactor = 2
)

// lazyUpdateHandler откладывает установку реального обработчика апдейтов:
// клиент gotd требует обработчик при создании, а цепочка хуков пиров
// собирается только после него.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(real telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = real
}

// updateSink — терминальный обработчик апдейтов. Движок не реагирует на
// живые события, но цепочка хуков перед ним пополняет кэш пиров access
// hash-ами из каждого пришедшего апдейта.
type updateSink struct{}

func (updateSink) Handle(context.Context, tg.UpdatesClass) error { return nil }

// connState — индикатор доступности соединения аккаунта для статуса CLI.
type connState struct {
	mu     sync.RWMutex
	online bool
	since  time.Time
}

func (s *connState) markUp() {
	s.mu.Lock()
	if !s.online {
		s.online = true
		s.since = time.Now()
	}
	s.mu.Unlock()
}

func (s *connState) markDown() {
	s.mu.Lock()
	if s.online {
		s.online = false
		s.since = time.Now()
	}
	s.mu.Unlock()
}

func (s *connState) snapshot() (online bool, since time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online, s.since
}

// Client — один аккаунт MTProto: клиент gotd, персистентный кэш пиров и
// ворота запросов. Реализует gateway.Gateway; методы операций разнесены по
// файлам resolve.go, history.go, send.go, topics.go и download.go.
type Client struct {
	name  string
	phone string

	tgc    *telegram.Client
	api    *tg.Client
	peers  *peerCache
	waiter *floodwait.Waiter
	gate   *throttle.Gate
	state  *connState

	selfMu sync.RWMutex
	self   gateway.Entity

	readyOnce sync.Once
	ready     chan error
}

var _ gateway.Gateway = (*Client)(nil)

// newClient собирает клиента аккаунта: файловую сессию, middleware с лимитом
// частоты и обработкой FLOOD_WAIT, кэш пиров и цепочку хуков апдейтов.
// Сетевых вызовов не делает; соединение устанавливает run.
func newClient(cfg *config.Config, account config.AccountConfig) (*Client, error) {
	c := &Client{
		name:  account.SessionName,
		phone: account.Phone,
		state: &connState{},
		ready: make(chan error, 1),
		gate: throttle.New(cfg.RateLimitRPS,
			throttle.WithMaxRetries(gateMaxRetries),
			throttle.WithWaitExtractors(floodWaitExtractor()),
		),
	}
	c.waiter = floodwait.NewWaiter().
		WithMaxWait(maxAbsorbedFloodWait).
		WithMaxRetries(floodWaitRetries)

	sessionPath := cfg.SessionFile(account.SessionName)
	if err := storage.EnsureDir(sessionPath); err != nil {
		return nil, errors.Wrap(err, "ensure sessions dir")
	}

	lazyHandler := &lazyUpdateHandler{}
	options := telegram.Options{
		SessionStorage: &fileSession{path: sessionPath},
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			c.waiter,
			ratelimit.New(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitRPS*rateBurstFactor),
		},
		OnDead: c.state.markDown,
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    version.Version,
		},
	}

	if cfg.Proxy.Enabled {
		resolver, err := proxyResolver(cfg.Proxy)
		if err != nil {
			return nil, errors.Wrap(err, "proxy resolver")
		}
		options.Resolver = resolver
	}

	c.tgc = telegram.NewClient(account.APIID, account.APIHash, options)
	c.api = c.tgc.API()

	cache, err := newPeerCache(c.api, cfg.PeersCacheFile(account.SessionName))
	if err != nil {
		return nil, errors.Wrapf(err, "peer cache for %s", account.SessionName)
	}
	c.peers = cache

	// Каждый пришедший апдейт проходит через хук менеджера пиров и
	// персистентный хук contrib: access hash оседают в bbolt.
	lazyHandler.set(contribstorage.UpdateHook(cache.mgr.UpdateHook(updateSink{}), cache.store))
	return c, nil
}

// proxyResolver строит DC-резолвер, ведущий все соединения через SOCKS5.
func proxyResolver(p config.ProxyConfig) (dcs.Resolver, error) {
	var auth *proxy.Auth
	if p.Username != "" || p.Password != "" {
		auth = &proxy.Auth{User: p.Username, Password: p.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", p.Addr(), auth, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "socks5 dialer")
	}
	ctxDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support context")
	}
	return dcs.Plain(dcs.PlainOptions{Dial: ctxDialer.DialContext}), nil
}

// run ведёт жизненный цикл аккаунта: соединение, авторизация, прогрев кэша
// пиров, затем блокировка до отмены ctx. Готовность или фатальная ошибка
// старта сигналится один раз через ready.
func (c *Client) run(ctx context.Context) error {
	err := c.waiter.Run(ctx, func(ctx context.Context) error {
		return c.tgc.Run(ctx, func(ctx context.Context) error {
			if err := c.authorize(ctx); err != nil {
				return errors.Wrap(err, "authorize")
			}
			if err := c.warmup(ctx); err != nil {
				return errors.Wrap(err, "warmup peers")
			}

			c.state.markUp()
			c.signalReady(nil)
			logger.Infof("account %s: connected", c.name)

			<-ctx.Done()
			return ctx.Err()
		})
	})
	c.state.markDown()
	if err != nil {
		c.signalReady(err)
	}
	return err
}

// authorize проводит интерактивный логин при отсутствии сессии и
// захватывает self.
func (c *Client) authorize(ctx context.Context) error {
	flow := auth.NewFlow(
		terminalAuthenticator{Account: c.name, PhoneNumber: c.phone},
		auth.SendCodeOptions{},
	)
	if err := c.tgc.Auth().IfNecessary(ctx, flow); err != nil {
		return classifyError(err)
	}

	self, err := c.tgc.Self(ctx)
	if err != nil {
		return classifyError(err)
	}
	c.setSelf(entityFromUser(self))

	logger.Logger().Info("account logged in",
		zap.String("account", c.name),
		zap.String("username", self.Username),
		zap.Int64("id", self.ID),
	)
	return nil
}

// warmup инициализирует менеджер пиров и прогружает сохранённый кэш.
// Непрочитанный кэш не фатален: access hash доберутся из диалогов.
func (c *Client) warmup(ctx context.Context) error {
	if err := c.peers.mgr.Init(ctx); err != nil {
		return errors.Wrap(err, "init peers manager")
	}
	if err := c.peers.loadFromStorage(ctx); err != nil {
		logger.Warnf("account %s: load peers cache: %v", c.name, err)
	}
	return nil
}

func (c *Client) signalReady(err error) {
	c.readyOnce.Do(func() { c.ready <- err })
}

// waitReady блокируется до готовности аккаунта либо его фатальной ошибки
// старта.
func (c *Client) waitReady(ctx context.Context) error {
	select {
	case err := <-c.ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close освобождает ресурсы, переживающие run (bbolt-кэш пиров).
func (c *Client) close() error {
	return c.peers.close()
}

func (c *Client) setSelf(ent gateway.Entity) {
	c.selfMu.Lock()
	c.self = ent
	c.selfMu.Unlock()
}

// Self возвращает владельца сессии, захваченного при логине.
func (c *Client) Self(_ context.Context) (gateway.Entity, error) {
	c.selfMu.RLock()
	defer c.selfMu.RUnlock()
	if c.self.ID == 0 {
		return gateway.Entity{}, &classed{class: gateway.ErrAuthInvalid, cause: errors.New("self is not captured yet")}
	}
	return c.self, nil
}

// readRPC выполняет читающий вызов через ворота: токен-бакет, поглощение
// FLOOD_WAIT, повтор временных сбоев с бэкофом. Возвращает
// классифицированную ошибку.
func (c *Client) readRPC(ctx context.Context, fn func(ctx context.Context) error) error {
	err := c.gate.Do(ctx, func() error {
		return gateOutcome(fn(ctx))
	})
	if err == nil {
		c.state.markUp()
		return nil
	}
	return unwrapStopRetry(err)
}

// writeRPC выполняет изменяющий вызов без повторов на уровне адаптера:
// короткий FLOOD_WAIT поглощает middleware, длинный и прочие ошибки уходят
// классифицированными, чтобы решение о паузе или смене аккаунта принимал
// вызывающий код.
func (c *Client) writeRPC(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := classifyError(fn(ctx)); err != nil {
		return err
	}
	c.state.markUp()
	return nil
}
