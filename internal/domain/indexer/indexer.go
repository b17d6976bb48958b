// Package indexer — карта доступности каналов. Обходит аккаунты пула,
// перечисляет их диалоги и складывает пары (аккаунт, канал) в базу.
// Прогон идемпотентен: повторный запуск лишь освежает last_seen_at.
package indexer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spectra/internal/domain/accounts"
	"spectra/internal/domain/gateway"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/store"
)

// DefaultConcurrency — сколько аккаунтов сканируется одновременно.
const DefaultConcurrency = 4

// Summary — итог одного прогона.
type Summary struct {
	Scanned  int // аккаунтов опрошено
	Skipped  int // аккаунтов пропущено (кулдаун, бан, слетевшая сессия)
	Channels int // строк доступа записано
	Failed   int // аккаунтов, у которых опрос не удался
}

// Option — настройка индексатора.
type Option func(*Indexer)

// WithConcurrency ограничивает параллелизм обхода аккаунтов.
func WithConcurrency(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.concurrency = n
		}
	}
}

// WithNow подменяет источник времени (для тестов).
func WithNow(fn func() time.Time) Option {
	return func(ix *Indexer) { ix.now = fn }
}

// Indexer обновляет таблицу channel_access по диалогам аккаунтов.
type Indexer struct {
	pool        *accounts.Pool
	provider    gateway.Provider
	st          *store.Store
	concurrency int
	now         func() time.Time
}

// New создаёт индексатор поверх пула и фабрики шлюзов.
func New(pool *accounts.Pool, provider gateway.Provider, st *store.Store, opts ...Option) *Indexer {
	ix := &Indexer{
		pool:        pool,
		provider:    provider,
		st:          st,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// UpdateAccess опрашивает все пригодные аккаунты и обновляет карту доступа.
// Ошибка отдельного аккаунта не прерывает остальных; ошибка возвращается,
// только если не удался ни один опрос.
func (ix *Indexer) UpdateAccess(ctx context.Context) (Summary, error) {
	now := ix.now()
	var sum Summary

	eligible := make([]accounts.Info, 0, ix.pool.Len())
	for _, info := range ix.pool.Stats() {
		if !usable(info, now) {
			sum.Skipped++
			logger.Debug("indexer: account skipped",
				zap.String("account", info.Name),
				zap.String("status", string(info.Status)))
			continue
		}
		eligible = append(eligible, info)
	}
	if len(eligible) == 0 {
		logger.Warn("indexer: no usable accounts")
		return sum, nil
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.concurrency)
	for _, info := range eligible {
		info := info
		g.Go(func() error {
			n, err := ix.scanAccount(gctx, info.Name, now)
			mu.Lock()
			defer mu.Unlock()
			sum.Scanned++
			sum.Channels += n
			if err != nil {
				sum.Failed++
				if firstErr == nil {
					firstErr = err
				}
				logger.Warn("indexer: account scan failed",
					zap.String("account", info.Name),
					zap.Error(err))
			}
			// Контекст всей группы рвём только по отмене, не по ошибке
			// одного аккаунта.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	if sum.Failed == sum.Scanned && firstErr != nil {
		return sum, firstErr
	}
	logger.Info("indexer: access map updated",
		zap.Int("accounts", sum.Scanned),
		zap.Int("skipped", sum.Skipped),
		zap.Int("channels", sum.Channels),
		zap.Int("failed", sum.Failed))
	return sum, nil
}

// scanAccount перечисляет диалоги одного аккаунта и пишет строки доступа.
func (ix *Indexer) scanAccount(ctx context.Context, account string, at time.Time) (int, error) {
	gw, err := ix.provider.Gateway(account)
	if err != nil {
		return 0, err
	}
	dialogs, err := gw.ListDialogs(ctx)
	if err != nil {
		return 0, err
	}
	written := 0
	for _, d := range dialogs {
		if d.Kind != gateway.KindChannel {
			continue
		}
		if err := ix.st.UpsertChannelAccess(ctx, account, d.ID, d.Title, at); err != nil {
			return written, err
		}
		written++
	}
	logger.Debug("indexer: account scanned",
		zap.String("account", account),
		zap.Int("channels", written))
	return written, nil
}

// usable отсеивает аккаунты, которым сейчас нельзя ходить в API.
func usable(info accounts.Info, now time.Time) bool {
	switch info.Status {
	case accounts.StatusActive:
		return true
	case accounts.StatusFloodWait:
		return !now.Before(info.CooldownUntil)
	default:
		return false
	}
}
