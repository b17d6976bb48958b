// Package throttle — ворота перед внешним API: лимитер частоты плюс
// стратегия повторных попыток. Частоту выравнивает token bucket из
// golang.org/x/time/rate; повторы идут с экспоненциальным бэкофом и
// джиттером. Серверные указания подождать (retry_after, FLOOD_WAIT)
// распознаются цепочкой WaitExtractor и отрабатываются без расхода
// попыток. Ошибки с интерфейсом StopRetryer прекращают повторы сразу.
package throttle

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/time/rate"
)

// Держим запас токенов на кратный rps, чтобы короткая серия вызовов
// не упиралась в лимитер.
const defaultBurstFactor = 2

// Бэкоф: 2^attempt секунд, не более backoffCeil, умноженные на джиттер
// из [jitterFloor .. jitterFloor+jitterSpan).
const (
	backoffCeil = 60 * time.Second
	jitterFloor = 0.85
	jitterSpan  = 0.3
)

// WaitExtractor распознаёт в ошибке серверное указание подождать и
// возвращает требуемую паузу. Второе значение — признак того, что
// экстрактор понял формат ошибки. Экстракторы опрашиваются в порядке
// регистрации, пауза берётся у первого совпавшего.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer помечает ошибки, после которых повторять вызов бессмысленно.
// Такая ошибка возвращается вызывающему коду немедленно.
type StopRetryer interface {
	StopRetry() bool
}

// Option настраивает ворота при создании.
type Option func(*Gate)

// WithMaxRetries ограничивает число повторных попыток. Значение <= 0
// означает «без ограничения».
func WithMaxRetries(n int) Option {
	return func(g *Gate) { g.maxRetries = n }
}

// WithBurst переопределяет ёмкость бакета. Значение <= 0 оставляет
// значение по умолчанию.
func WithBurst(burst int) Option {
	return func(g *Gate) {
		if burst > 0 {
			g.burst = burst
		}
	}
}

// WithWaitExtractors добавляет экстракторы серверных пауз.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(g *Gate) {
		g.extractors = append(g.extractors, extractors...)
	}
}

// WithJitter подменяет источник джиттера. Нужен детерминированным тестам.
func WithJitter(fn func() float64) Option {
	return func(g *Gate) {
		if fn != nil {
			g.jitter = fn
		}
	}
}

// Gate выравнивает частоту вызовов и повторяет временные сбои.
// Потокобезопасен: Do можно звать из нескольких горутин.
type Gate struct {
	limiter    *rate.Limiter
	burst      int
	extractors []WaitExtractor
	maxRetries int
	jitter     func() float64

	// Пауза между попытками; в тестах подменяется на запись без сна.
	sleep func(ctx context.Context, d time.Duration) error
}

// New создаёт ворота на rps операций в секунду. Запас по умолчанию —
// 2*rps токенов; повторы не ограничены, пока не задан WithMaxRetries.
func New(rps int, opts ...Option) *Gate {
	if rps < 1 {
		rps = 1
	}
	g := &Gate{
		maxRetries: -1,
		jitter:     rand.Float64,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.burst < 1 {
		g.burst = rps * defaultBurstFactor
	}
	g.limiter = rate.NewLimiter(rate.Limit(rps), g.burst)
	return g
}

// Do выполняет fn под лимитером с повторами:
//
//  1. ждём токен (с уважением к ctx);
//  2. зовём fn; успех — выходим;
//  3. StopRetryer либо сорванный контекст — возвращаем ошибку как есть;
//  4. экстрактор дал паузу — ждём её и повторяем, не расходуя попытку;
//  5. иначе бэкоф с джиттером; при исчерпании лимита попыток возвращаем
//     последнюю ошибку.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for attempt := 0; ; {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		wait, hasWait := g.serverWait(callErr)

		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr

		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return callErr

		case hasWait:
			if err := g.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if g.maxRetries > 0 && attempt >= g.maxRetries {
			return errors.Wrapf(callErr, "throttle: max retries reached (%d)", g.maxRetries)
		}
		pause := g.backoff(attempt)
		attempt++
		if err := g.sleep(ctx, pause); err != nil {
			return err
		}
	}
}

// serverWait прогоняет ошибку по цепочке экстракторов.
func (g *Gate) serverWait(err error) (time.Duration, bool) {
	for _, extract := range g.extractors {
		if extract == nil {
			continue
		}
		if wait, ok := extract(err); ok {
			return wait, true
		}
	}
	return 0, false
}

// backoff считает паузу перед попыткой attempt: удвоение от секунды,
// потолок backoffCeil, джиттер размывает синхронные повторы соседних
// вызовов.
func (g *Gate) backoff(attempt int) time.Duration {
	base := backoffCeil
	// 2^6 секунд уже выше потолка, дальше степень не считаем.
	if attempt < 6 {
		base = time.Duration(1<<uint(attempt)) * time.Second
	}
	factor := jitterFloor + jitterSpan*g.jitter()
	return time.Duration(float64(base) * factor)
}

// sleepCtx ждёт d либо отмену контекста.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
