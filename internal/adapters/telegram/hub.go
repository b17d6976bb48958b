// Package telegram — адаптер MTProto на базе gotd. Hub держит по клиенту на
// каждый аккаунт из конфигурации и реализует gateway.Provider; каждый клиент
// несёт собственную файловую сессию, bbolt-кэш пиров и ворота запросов.
// Доменные компоненты получают gateway.Gateway по имени аккаунта и не знают
// про устройство соединения.
package telegram

import (
	"context"
	"sync"
	"time"

	"spectra/internal/domain/accounts"
	"spectra/internal/domain/gateway"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"

	"github.com/go-faster/errors"
)

// AccountStatus — снимок состояния соединения аккаунта для консоли.
type AccountStatus struct {
	Name   string
	Online bool
	Since  time.Time
}

// Hub владеет клиентами всех аккаунтов. Падение одного аккаунта не роняет
// остальные: сбойный помечается в пуле и выбывает из ротации, хаб продолжает
// обслуживать живых.
type Hub struct {
	pool *accounts.Pool

	clients map[string]*Client
	order   []string

	mu        sync.Mutex
	started   bool
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

var _ gateway.Provider = (*Hub)(nil)

// NewHub собирает клиентов для всех аккаунтов конфигурации. Сетевых вызовов
// не делает; соединения устанавливает Start.
func NewHub(cfg *config.Config, pool *accounts.Pool) (*Hub, error) {
	h := &Hub{
		pool:    pool,
		clients: make(map[string]*Client, len(cfg.Accounts)),
		order:   make([]string, 0, len(cfg.Accounts)),
	}
	for _, acc := range cfg.Accounts {
		cl, err := newClient(cfg, acc)
		if err != nil {
			for _, made := range h.clients {
				_ = made.close()
			}
			return nil, errors.Wrapf(err, "account %s", acc.SessionName)
		}
		h.clients[acc.SessionName] = cl
		h.order = append(h.order, acc.SessionName)
	}
	return h, nil
}

// Start запускает все аккаунты и дожидается их готовности. Аккаунт, не
// сумевший стартовать, помечается в пуле и пропускается; ошибка возвращается
// только если не поднялся ни один. ctx ограничивает ожидание готовности, но
// не время жизни соединений — их гасит Stop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return errors.New("hub already started")
	}
	h.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	h.runCancel = cancel
	h.mu.Unlock()

	for _, name := range h.order {
		cl := h.clients[name]
		h.wg.Go(func() {
			h.runAccount(runCtx, cl)
		})
	}

	ready := 0
	for _, name := range h.order {
		if err := h.clients[name].waitReady(ctx); err != nil {
			logger.Errorf("account %s: start failed: %v", name, err)
			h.markPool(name, err)
			continue
		}
		ready++
	}
	if ready == 0 {
		h.Stop()
		return errors.New("no telegram account became ready")
	}
	logger.Infof("telegram hub: %d/%d accounts ready", ready, len(h.order))
	return nil
}

// runAccount держит жизненный цикл одного аккаунта до отмены runCtx.
func (h *Hub) runAccount(ctx context.Context, cl *Client) {
	err := cl.run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("account %s: connection finished: %v", cl.name, err)
		h.markPool(cl.name, err)
		return
	}
	logger.Debugf("account %s: connection finished", cl.name)
}

// markPool отражает фатальную ошибку аккаунта в пуле, чтобы ротация его
// обходила. Временные сбои пул не интересуют: клиент переподключается сам.
func (h *Hub) markPool(name string, err error) {
	if h.pool == nil {
		return
	}
	ctx := context.Background()
	switch {
	case errors.Is(err, gateway.ErrAuthInvalid):
		_ = h.pool.MarkAuthInvalid(ctx, name, err.Error())
	case errors.Is(err, gateway.ErrUserBanned):
		_ = h.pool.MarkBanned(ctx, name, err.Error())
	}
}

// Stop гасит соединения, дожидается горутин аккаунтов и закрывает кэши
// пиров. Повторные вызовы безопасны.
func (h *Hub) Stop() {
	h.mu.Lock()
	cancel := h.runCancel
	h.runCancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	h.wg.Wait()

	for _, name := range h.order {
		if err := h.clients[name].close(); err != nil {
			logger.Errorf("account %s: close peer cache: %v", name, err)
		}
	}
}

// Gateway возвращает шлюз аккаунта по имени из конфигурации.
func (h *Hub) Gateway(account string) (gateway.Gateway, error) {
	cl, ok := h.clients[account]
	if !ok {
		return nil, errors.Errorf("unknown account %q", account)
	}
	return cl, nil
}

// Status возвращает состояние соединений всех аккаунтов в порядке
// конфигурации.
func (h *Hub) Status() []AccountStatus {
	out := make([]AccountStatus, 0, len(h.order))
	for _, name := range h.order {
		online, since := h.clients[name].state.snapshot()
		out = append(out, AccountStatus{Name: name, Online: online, Since: since})
	}
	return out
}
