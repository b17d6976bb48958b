// Package app — верхний уровень сборки приложения. Здесь связываются
// конфигурация, хранилище состояния, пул аккаунтов, хаб MTProto-клиентов и
// доменные сервисы: форвардер, индексатор доступа, файловая очередь,
// планировщик и операторская консоль. Порядок запуска и graceful shutdown —
// в runner.go.
package app

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"spectra/internal/adapters/cli"
	"spectra/internal/adapters/telegram"
	"spectra/internal/domain/accounts"
	"spectra/internal/domain/dedup"
	"spectra/internal/domain/forwarder"
	"spectra/internal/domain/indexer"
	"spectra/internal/domain/queue"
	"spectra/internal/domain/schedule"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/store"
)

// App агрегирует подсистемы приложения. Init собирает их в порядке
// зависимостей, не открывая сетевых соединений: соединения появляются при
// старте узла hub внутри Runner. mainCancel останавливает всё приложение и
// передаётся консоли как реализация команды exit.
type App struct {
	cfg        *config.Config
	mainCtx    context.Context
	mainCancel context.CancelFunc

	st     *store.Store
	pool   *accounts.Pool
	hub    *telegram.Hub
	dd     *dedup.Deduplicator
	fwd    *forwarder.Forwarder
	idx    *indexer.Indexer
	worker *queue.Worker
	sched  *schedule.Scheduler // nil, если планировщик выключен конфигом
	cli    *cli.Service
	runner *Runner
}

// NewApp создаёт каркас приложения; сборка подсистем выполняется в Init.
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc, cfg *config.Config) *App {
	return &App{cfg: cfg, mainCtx: mainCtx, mainCancel: mainCancel}
}

// Init собирает подсистемы. Ошибка на любом шаге оставляет приложение в
// непригодном состоянии; уже открытое хранилище закрывает вызывающий через
// Close.
func (a *App) Init() error {
	logger.Info("initializing subsystems...")

	st, err := store.Open(a.mainCtx, a.cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	a.st = st

	a.pool = accounts.NewPool(st)
	if err = a.registerAccounts(); err != nil {
		return err
	}

	hub, err := telegram.NewHub(a.cfg, a.pool)
	if err != nil {
		return errors.Wrap(err, "build telegram hub")
	}
	a.hub = hub

	a.dd = dedup.New(st)
	a.fwd = forwarder.New(a.cfg, a.pool, hub, st, a.dd, logger.Logger())
	a.idx = indexer.New(a.pool, hub, st)
	a.worker = queue.NewWorker(st, a.pool, hub, a.dd, a.cfg.MediaDir,
		queue.WithBandwidthLimit(a.cfg.Scheduler.BandwidthLimitKbps))

	if a.cfg.Scheduler.Enabled {
		jobs := schedule.NewJobs(a.fwd, st, a.pool, hub)
		a.sched = schedule.New(st, jobs.Handlers(), a.cfg.Location(), a.cfg.Scheduler.StateFile)
	} else {
		logger.Info("scheduler disabled by config")
	}

	a.cli = cli.NewService(cli.Deps{
		Cfg:   a.cfg,
		St:    st,
		Pool:  a.pool,
		Hub:   hub,
		Fwd:   a.fwd,
		Idx:   a.idx,
		Queue: a.worker,
		Sched: a.sched,
		Dedup: a.dd,
	}, a.mainCancel)

	a.runner = NewRunner(a)
	logger.Infof("subsystems ready: %d account(s), scheduler=%v", a.pool.Len(), a.cfg.Scheduler.Enabled)
	return nil
}

// Run передаёт управление Runner и блокируется до полной остановки.
func (a *App) Run() error {
	return a.runner.Run()
}

// Close освобождает ресурсы, если Runner не запускался (ошибка Init либо
// ранний выход). После успешного Run вызывать не нужно: хранилище закрывает
// узел store при shutdown.
func (a *App) Close() {
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			logger.Warnf("close store: %v", err)
		}
	}
}

// registerAccounts наполняет пул из конфигурации, зеркалит реестр аккаунтов
// в хранилище и восстанавливает сохранённые статусы, чтобы кулдауны и баны
// переживали перезапуск процесса.
func (a *App) registerAccounts() error {
	if len(a.cfg.Accounts) == 0 {
		return errors.New("no accounts configured")
	}
	now := time.Now()
	for i := range a.cfg.Accounts {
		acc := &a.cfg.Accounts[i]
		if err := a.pool.Register(acc.SessionName, acc.Phone); err != nil {
			return errors.Wrapf(err, "register account %q", acc.SessionName)
		}
		row := store.AccountRow{
			SessionName: acc.SessionName,
			APIID:       acc.APIID,
			Phone:       acc.Phone,
			UpdatedAt:   now,
		}
		if err := a.st.UpsertAccount(a.mainCtx, row); err != nil {
			return errors.Wrapf(err, "persist account %q", acc.SessionName)
		}
	}
	a.restoreAccountStatuses(now)
	return nil
}

// restoreAccountStatuses применяет к пулу статусы из хранилища: бан и
// слетевшая авторизация бессрочны, flood wait — только если срок ещё не
// вышел. Аккаунты, пропавшие из конфига, пропускаются.
func (a *App) restoreAccountStatuses(now time.Time) {
	rows, err := a.st.ListAccounts(a.mainCtx)
	if err != nil {
		logger.Warnf("restore account statuses: %v", err)
		return
	}
	known := make(map[string]bool)
	for _, name := range a.pool.Names() {
		known[name] = true
	}
	for _, row := range rows {
		if !known[row.SessionName] {
			continue
		}
		switch accounts.Status(row.Status) {
		case accounts.StatusBanned:
			if err := a.pool.MarkBanned(a.mainCtx, row.SessionName, row.LastError); err != nil {
				logger.Warnf("restore %s: %v", row.SessionName, err)
			}
		case accounts.StatusAuthInvalid:
			if err := a.pool.MarkAuthInvalid(a.mainCtx, row.SessionName, row.LastError); err != nil {
				logger.Warnf("restore %s: %v", row.SessionName, err)
			}
		case accounts.StatusFloodWait:
			if row.CooldownUntil.After(now) {
				seconds := int(time.Until(row.CooldownUntil).Seconds()) + 1
				if err := a.pool.MarkFloodWait(a.mainCtx, row.SessionName, seconds); err != nil {
					logger.Warnf("restore %s: %v", row.SessionName, err)
				}
				logger.Infof("account %s still in flood wait for %ds", row.SessionName, seconds)
			}
		}
	}
}
