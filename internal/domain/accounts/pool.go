// Package accounts — пул Telegram-аккаунтов. Пул выдаёт аккаунты в аренду
// строго по одному запросу на аккаунт, ротирует их по кругу, уважает
// кулдауны после FLOOD_WAIT и навсегда выводит из ротации забаненные и
// разлогиненные сессии. Пул сам никогда не спит и не повторяет запросы:
// решение «ждать или сменить аккаунт» принимает вызывающий.
package accounts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"spectra/internal/infra/logger"
	"spectra/internal/infra/store"
)

// Status — состояние аккаунта в пуле.
type Status string

const (
	StatusActive      Status = "active"
	StatusFloodWait   Status = "flood_wait"
	StatusBanned      Status = "banned"
	StatusAuthInvalid Status = "auth_invalid"
)

var (
	// ErrNoAccounts — в пуле нет ни одного аккаунта.
	ErrNoAccounts = errors.New("no accounts registered")
	// ErrNoAccountAvailable — все аккаунты в кулдауне либо выведены из строя.
	ErrNoAccountAvailable = errors.New("no account available")
	// ErrUnknownAccount — аккаунт с таким именем не регистрировался.
	ErrUnknownAccount = errors.New("unknown account")
	// ErrAccountAuthInvalid — сессия именованного аккаунта слетела; нужна
	// переавторизация, подменять его другим аккаунтом нельзя.
	ErrAccountAuthInvalid = errors.New("account authorization invalid")
)

// account — приватное состояние; все поля под мьютексом пула, кроме busy.
type account struct {
	name          string
	phone         string
	status        Status
	cooldownUntil time.Time
	usage         int
	lastError     string
	busy          chan struct{} // семафор ёмкости 1: аккаунт держит максимум один запрос
}

// Info — снимок состояния аккаунта для консоли и логов.
type Info struct {
	Name          string
	Phone         string
	Status        Status
	CooldownUntil time.Time
	Usage         int
	LastError     string
	Busy          bool
}

// Option — настройка пула.
type Option func(*Pool)

// WithNow подменяет источник времени (для тестов).
func WithNow(fn func() time.Time) Option {
	return func(p *Pool) { p.now = fn }
}

// Pool — реестр аккаунтов с ротацией и взаимным исключением.
type Pool struct {
	mu       sync.Mutex
	accounts []*account
	byName   map[string]*account
	next     int // курсор round-robin

	released chan struct{} // толчок ожидающим Select после Release
	st       *store.Store  // зеркало статусов; nil допустим
	now      func() time.Time
}

// NewPool создаёт пустой пул. st может быть nil: тогда статусы живут только
// в памяти.
func NewPool(st *store.Store, opts ...Option) *Pool {
	p := &Pool{
		byName:   map[string]*account{},
		released: make(chan struct{}, 1),
		st:       st,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register добавляет аккаунт в ротацию. Порядок регистрации определяет
// порядок обхода.
func (p *Pool) Register(name, phone string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.byName[name]; dup {
		return errors.Errorf("account %q already registered", name)
	}
	acc := &account{
		name:   name,
		phone:  phone,
		status: StatusActive,
		busy:   make(chan struct{}, 1),
	}
	p.accounts = append(p.accounts, acc)
	p.byName[name] = acc
	return nil
}

// Len — число зарегистрированных аккаунтов.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// Names — имена аккаунтов в порядке ротации.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.accounts))
	for _, acc := range p.accounts {
		out = append(out, acc.name)
	}
	return out
}

// Lease — аренда аккаунта. Пока аренда не освобождена, Select не выдаст
// этот аккаунт никому другому. Release безопасно звать многократно.
type Lease struct {
	p    *Pool
	acc  *account
	once sync.Once
}

// Name — имя арендованного аккаунта.
func (l *Lease) Name() string { return l.acc.name }

// Release возвращает аккаунт в ротацию.
func (l *Lease) Release() {
	l.once.Do(func() {
		<-l.acc.busy
		select {
		case l.p.released <- struct{}{}:
		default:
		}
	})
}

// Select выдаёт здоровый свободный аккаунт. preferred, если он здоров,
// пробуется первым; дальше обход идёт по кругу от курсора ротации.
// Когда все здоровые аккаунты заняты, Select ждёт освобождения; когда
// здоровых нет вовсе — сразу возвращает ErrNoAccountAvailable.
func (p *Pool) Select(ctx context.Context, preferred string) (*Lease, error) {
	for {
		lease, healthy, err := p.tryAcquire(preferred)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			p.persistUsage(ctx, lease.acc.name)
			return lease, nil
		}
		if healthy == 0 {
			return nil, ErrNoAccountAvailable
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.released:
		}
	}
}

// Acquire арендует строго именованный аккаунт — без подмены здоровым
// соседом, как делает Select. Нездоровый аккаунт отклоняется сразу с
// типизированной причиной; занятый — ожидается до освобождения или отмены
// контекста. Нужен командам, адресующим конкретную сессию (accounts test).
func (p *Pool) Acquire(ctx context.Context, name string) (*Lease, error) {
	acc, err := p.vetted(name)
	if err != nil {
		return nil, err
	}
	select {
	case acc.busy <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// Пока ждали семафор, статус мог перемениться.
	if _, err := p.vetted(name); err != nil {
		<-acc.busy
		return nil, err
	}
	p.mu.Lock()
	acc.usage++
	p.mu.Unlock()
	p.persistUsage(ctx, name)
	return &Lease{p: p, acc: acc}, nil
}

// vetted возвращает именованный аккаунт, если тот существует и пригоден.
func (p *Pool) vetted(name string) (*account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc, ok := p.byName[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAccount, "%q", name)
	}
	switch {
	case acc.status == StatusAuthInvalid:
		return nil, errors.Wrapf(ErrAccountAuthInvalid, "%q", name)
	case !p.healthyLocked(acc, p.now()):
		return nil, errors.Wrapf(ErrNoAccountAvailable, "%q is %s", name, acc.status)
	}
	return acc, nil
}

func (p *Pool) tryAcquire(preferred string) (*Lease, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.accounts) == 0 {
		return nil, 0, ErrNoAccounts
	}
	now := p.now()

	order := make([]*account, 0, len(p.accounts)+1)
	if preferred != "" {
		if acc, ok := p.byName[preferred]; ok {
			order = append(order, acc)
		}
	}
	for i := 0; i < len(p.accounts); i++ {
		acc := p.accounts[(p.next+i)%len(p.accounts)]
		if acc.name == preferred {
			continue
		}
		order = append(order, acc)
	}

	healthy := 0
	for _, acc := range order {
		if !p.healthyLocked(acc, now) {
			continue
		}
		healthy++
		select {
		case acc.busy <- struct{}{}:
			p.advanceCursorLocked(acc)
			acc.usage++
			return &Lease{p: p, acc: acc}, healthy, nil
		default:
			// занят — пробуем следующий
		}
	}
	return nil, healthy, nil
}

// healthyLocked проверяет пригодность аккаунта; истёкший кулдаун
// возвращает аккаунт в строй на месте.
func (p *Pool) healthyLocked(acc *account, now time.Time) bool {
	switch acc.status {
	case StatusActive:
		return true
	case StatusFloodWait:
		if now.Before(acc.cooldownUntil) {
			return false
		}
		acc.status = StatusActive
		acc.cooldownUntil = time.Time{}
		logger.Debug("accounts: cooldown expired", zap.String("account", acc.name))
		return true
	default:
		return false
	}
}

func (p *Pool) advanceCursorLocked(acc *account) {
	for i, a := range p.accounts {
		if a == acc {
			p.next = (i + 1) % len(p.accounts)
			return
		}
	}
}

// MarkFloodWait выводит аккаунт в кулдаун на seconds секунд.
func (p *Pool) MarkFloodWait(ctx context.Context, name string, seconds int) error {
	until := p.now().Add(time.Duration(seconds) * time.Second)
	reason := fmt.Sprintf("FLOOD_WAIT_%d", seconds)
	return p.setStatus(ctx, name, StatusFloodWait, until, reason)
}

// MarkBanned навсегда выводит аккаунт из ротации.
func (p *Pool) MarkBanned(ctx context.Context, name, reason string) error {
	return p.setStatus(ctx, name, StatusBanned, time.Time{}, reason)
}

// MarkAuthInvalid помечает сессию недействительной (нужна переавторизация).
func (p *Pool) MarkAuthInvalid(ctx context.Context, name, reason string) error {
	return p.setStatus(ctx, name, StatusAuthInvalid, time.Time{}, reason)
}

func (p *Pool) setStatus(ctx context.Context, name string, status Status, until time.Time, reason string) error {
	p.mu.Lock()
	acc, ok := p.byName[name]
	if !ok {
		p.mu.Unlock()
		return errors.Wrapf(ErrUnknownAccount, "%q", name)
	}
	acc.status = status
	acc.cooldownUntil = until
	acc.lastError = reason
	p.mu.Unlock()

	logger.Warn("accounts: status changed",
		zap.String("account", name),
		zap.String("status", string(status)),
		zap.String("reason", reason))
	if p.st != nil {
		if err := p.st.UpdateAccountStatus(ctx, name, string(status), until, reason, p.now()); err != nil {
			logger.Warn("accounts: status not persisted", zap.Error(err))
		}
	}
	return nil
}

// ResetUsage обнуляет счётчики и кулдауны: flood_wait-аккаунты возвращаются
// в строй, баны и слетевшие сессии остаются как есть.
func (p *Pool) ResetUsage(ctx context.Context) {
	p.mu.Lock()
	for _, acc := range p.accounts {
		acc.usage = 0
		if acc.status == StatusFloodWait {
			acc.status = StatusActive
			acc.cooldownUntil = time.Time{}
			acc.lastError = ""
		}
	}
	p.mu.Unlock()

	if p.st != nil {
		if err := p.st.ResetAccountUsage(ctx, p.now()); err != nil {
			logger.Warn("accounts: usage reset not persisted", zap.Error(err))
		}
	}
}

// Stats — снимок пула в порядке ротации.
func (p *Pool) Stats() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.accounts))
	for _, acc := range p.accounts {
		out = append(out, Info{
			Name:          acc.name,
			Phone:         acc.phone,
			Status:        acc.status,
			CooldownUntil: acc.cooldownUntil,
			Usage:         acc.usage,
			LastError:     acc.lastError,
			Busy:          len(acc.busy) > 0,
		})
	}
	return out
}

func (p *Pool) persistUsage(ctx context.Context, name string) {
	if p.st == nil {
		return
	}
	if err := p.st.BumpAccountUsage(ctx, name, p.now()); err != nil {
		logger.Warn("accounts: usage bump not persisted", zap.Error(err))
	}
}
