// Package lifecycle ведёт дерево подсистем приложения: регистрацию с
// зависимостями, запуск в детерминированном порядке и остановку в
// обратном. Каждая подсистема получает контекст, отменяемый вместе с
// родительским, поэтому Shutdown гасит фоновую работу сверху вниз без
// ручной разводки каналов.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"spectra/internal/infra/logger"
)

// StartFunc поднимает подсистему. Возвращённый контекст (если не nil)
// становится контекстом подсистемы и родителем её детей; менеджер
// привязывает его отмену к собственной. Ошибка переводит подсистему в
// состояние failed.
type StartFunc func(ctx context.Context) (context.Context, error)

// StopFunc гасит подсистему. К моменту вызова контекст подсистемы уже
// отменён; хук обязан дождаться своих горутин и освободить ресурсы.
type StopFunc func(ctx context.Context) error

// rootName зарезервировано за неявным корнем дерева.
const rootName = "root"

type state int

const (
	stateIdle state = iota
	stateStarting
	stateRunning
	stateStopping
	stateStopped
	stateFailed
)

// unit — одна управляемая подсистема. Пустой parent означает корень.
type unit struct {
	name   string
	parent string
	deps   []string

	start StartFunc
	stop  StopFunc

	state  state
	ctx    context.Context
	cancel context.CancelFunc
	err    error
}

// Manager регистрирует подсистемы и управляет их жизненным циклом.
// Методы потокобезопасны.
type Manager struct {
	mu      sync.Mutex
	rootCtx context.Context
	units   map[string]*unit
	started []string // фактический порядок запуска, основа обратной остановки
}

// New создаёт менеджер над rootCtx; nil трактуется как context.Background().
// Отмена rootCtx каскадно гасит контексты всех подсистем.
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{
		rootCtx: rootCtx,
		units:   make(map[string]*unit),
	}
}

// Register добавляет подсистему name. Пустой parent (или rootName)
// подвешивает её к корню. deps перечисляет подсистемы, которые обязаны
// подняться раньше; дубликаты, родитель и корень из списка выбрасываются,
// зависимость от самого себя — ошибка регистрации.
func (m *Manager) Register(name, parent string, deps []string, start StartFunc, stop StopFunc) error {
	if name == "" || name == rootName {
		return fmt.Errorf("lifecycle: invalid unit name %q", name)
	}
	if parent == rootName {
		parent = ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.units[name]; dup {
		return fmt.Errorf("lifecycle: unit %q already registered", name)
	}
	if parent != "" {
		if _, ok := m.units[parent]; !ok {
			return fmt.Errorf("lifecycle: unknown parent %q for unit %q", parent, name)
		}
	}

	seen := make(map[string]bool, len(deps))
	cleaned := make([]string, 0, len(deps))
	for _, dep := range deps {
		if dep == name {
			return fmt.Errorf("lifecycle: unit %q cannot depend on itself", name)
		}
		if dep == "" || dep == rootName || dep == parent || seen[dep] {
			continue
		}
		seen[dep] = true
		cleaned = append(cleaned, dep)
	}

	m.units[name] = &unit{
		name:   name,
		parent: parent,
		deps:   cleaned,
		start:  start,
		stop:   stop,
	}
	return nil
}

// StartAll поднимает все подсистемы. Внешний проход идёт по именам в
// алфавитном порядке, зависимости и родители поднимаются рекурсивно до
// зависимого узла. Ошибки отдельных подсистем копятся и возвращаются
// одной объединённой ошибкой; остальные подсистемы при этом стартуют.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := slices.Sorted(maps.Keys(m.units))
	m.mu.Unlock()

	var errs error
	for _, name := range names {
		if err := m.ensureUp(name); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	m.mu.Lock()
	logger.Debugf("lifecycle: start order %v", m.started)
	m.mu.Unlock()
	return errs
}

// ensureUp доводит подсистему до stateRunning, предварительно подняв
// родителя и зависимости. Повторный вход в stateStarting означает цикл
// зависимостей; упавшая зависимость не перезапускается, а сразу валит
// зависимого сохранённой ошибкой.
func (m *Manager) ensureUp(name string) error {
	m.mu.Lock()
	u, ok := m.units[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: unit %q not registered", name)
	}
	switch u.state {
	case stateRunning:
		m.mu.Unlock()
		return nil
	case stateStarting:
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: dependency cycle through %q", name)
	case stateFailed:
		err := u.err
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: dependency %q failed: %w", name, err)
	case stateIdle, stateStopping, stateStopped:
	}
	u.state = stateStarting
	parent, deps := u.parent, u.deps
	m.mu.Unlock()

	logger.Debugf("lifecycle: starting %s", name)

	if parent != "" {
		if err := m.ensureUp(parent); err != nil {
			m.fail(name, err)
			logger.Errorf("lifecycle: %s not started: %v", name, err)
			return err
		}
	}
	for _, dep := range deps {
		if err := m.ensureUp(dep); err != nil {
			m.fail(name, err)
			logger.Errorf("lifecycle: %s not started: %v", name, err)
			return err
		}
	}

	if err := m.launch(u); err != nil {
		m.fail(name, err)
		logger.Errorf("lifecycle: %s not started: %v", name, err)
		return err
	}
	logger.Debugf("lifecycle: %s is up", name)
	return nil
}

// launch выделяет подсистеме контекст, зовёт StartFunc и фиксирует её в
// порядке запуска. Производный контекст из StartFunc мостится к нашему,
// чтобы отмена менеджера доставала и его.
func (m *Manager) launch(u *unit) error {
	parentCtx, err := m.contextOf(u.parent)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(parentCtx)
	if u.start != nil {
		derived, err := u.start(runCtx)
		if err != nil {
			cancel()
			return err
		}
		if derived != nil && derived != runCtx {
			runCtx, cancel = bridge(runCtx, cancel, derived)
		}
	}

	m.mu.Lock()
	u.ctx = runCtx
	u.cancel = cancel
	u.state = stateRunning
	u.err = nil
	if !slices.Contains(m.started, u.name) {
		m.started = append(m.started, u.name)
	}
	m.mu.Unlock()
	return nil
}

// contextOf отдаёт контекст родителя; пустое имя — корневой контекст.
func (m *Manager) contextOf(name string) (context.Context, error) {
	if name == "" {
		return m.rootCtx, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.units[name]
	if !ok || u.ctx == nil {
		return nil, fmt.Errorf("lifecycle: parent %q is not running", name)
	}
	return u.ctx, nil
}

// bridge оборачивает производный контекст так, чтобы отмена базового
// гасила и его. Возвращает обёртку и cancel, закрывающий обе ветки.
func bridge(base context.Context, baseCancel context.CancelFunc, derived context.Context) (context.Context, context.CancelFunc) {
	wrapped, wrappedCancel := context.WithCancel(derived)
	detach := context.AfterFunc(base, wrappedCancel)
	cancel := func() {
		baseCancel()
		detach()
		wrappedCancel()
	}
	return wrapped, cancel
}

// Shutdown гасит запущенные подсистемы в порядке, обратном фактическому
// старту: дети раньше родителей. Ошибки stop-хуков объединяются.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	order := slices.Clone(m.started)
	m.mu.Unlock()

	logger.Debugf("lifecycle: stopping %v in reverse", order)

	var errs error
	for _, name := range slices.Backward(order) {
		if err := m.stopUnit(name); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// stopUnit останавливает работающую подсистему: сперва отменяет её
// контекст, затем зовёт StopFunc. Подсистемы в иных состояниях
// пропускаются молча.
func (m *Manager) stopUnit(name string) error {
	m.mu.Lock()
	u, ok := m.units[name]
	if !ok || u.state != stateRunning {
		m.mu.Unlock()
		return nil
	}
	u.state = stateStopping
	cancel, stop, unitCtx := u.cancel, u.stop, u.ctx
	m.mu.Unlock()

	logger.Debugf("lifecycle: stopping %s", name)

	// Отмена контекста — сигнал горутинам подсистемы свернуться до того,
	// как stop-хук начнёт их ждать.
	if cancel != nil {
		cancel()
	}

	var err error
	if stop != nil {
		err = stop(unitCtx)
	}

	m.mu.Lock()
	if err != nil {
		u.state = stateFailed
		u.err = err
	} else {
		u.state = stateStopped
		u.err = nil
	}
	m.mu.Unlock()

	if err != nil {
		logger.Errorf("lifecycle: %s stopped with error: %v", name, err)
		return err
	}
	logger.Debugf("lifecycle: %s stopped", name)
	return nil
}

// fail переводит подсистему в stateFailed с сохранением причины.
func (m *Manager) fail(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.units[name]; ok {
		u.state = stateFailed
		u.err = err
	}
}
