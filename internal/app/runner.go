// runner.go — оркестрация жизненного цикла. Подсистемы регистрируются как
// узлы менеджера lifecycle с явными зависимостями: хранилище поднимается
// первым, хаб соединений — после него, фоновые обработчики — после хаба,
// консоль — последней. Остановка идёт в обратном фактическому старту
// порядке, поэтому очередь и планировщик дорабатывают текущий тик раньше,
// чем гаснут соединения и закрывается база.
package app

import (
	"context"
	"sync"

	"github.com/go-faster/errors"

	"spectra/internal/infra/lifecycle"
	"spectra/internal/infra/logger"
	"spectra/internal/support/version"
)

// Runner запускает собранные подсистемы и блокируется до отмены mainCtx.
// Отмена приходит либо от сигнала ОС, либо от команды exit консоли, либо от
// таймаута прогона — во всех случаях выполняется один и тот же shutdown.
type Runner struct {
	app *App
	mgr *lifecycle.Manager

	queueWG sync.WaitGroup
	schedWG sync.WaitGroup
}

// NewRunner подготавливает Runner поверх собранного приложения.
func NewRunner(a *App) *Runner {
	return &Runner{app: a}
}

// Run регистрирует узлы, стартует их и ждёт сигнала остановки. Ошибка
// старта гасит уже запущенные узлы и возвращается наружу.
func (r *Runner) Run() error {
	r.mgr = lifecycle.New(r.app.mainCtx)
	if err := r.register(); err != nil {
		return errors.Wrap(err, "register lifecycle nodes")
	}

	if err := r.mgr.StartAll(); err != nil {
		logger.Errorf("startup failed: %v", err)
		if stopErr := r.mgr.Shutdown(); stopErr != nil {
			logger.Errorf("shutdown after failed start: %v", stopErr)
		}
		return err
	}

	logger.Infof("%s is running", version.Name)
	<-r.app.mainCtx.Done()
	logger.Info("shutdown requested")
	return r.mgr.Shutdown()
}

// register описывает граф узлов. Контекст каждого узла — потомок mainCtx,
// поэтому фоновые горутины завершаются и по общей отмене, и по стопу
// собственного узла.
func (r *Runner) register() error {
	a := r.app

	err := r.mgr.Register("store", "", nil, nil, func(context.Context) error {
		return a.st.Close()
	})
	if err != nil {
		return err
	}

	// Хаб держит соединения на собственном фоновом контексте; ctx узла
	// ограничивает только ожидание готовности аккаунтов.
	err = r.mgr.Register("hub", "", []string{"store"},
		func(ctx context.Context) (context.Context, error) {
			return nil, a.hub.Start(ctx)
		},
		func(context.Context) error {
			a.hub.Stop()
			return nil
		})
	if err != nil {
		return err
	}

	err = r.mgr.Register("dedup", "", []string{"store"},
		func(ctx context.Context) (context.Context, error) {
			if err := a.dd.Warm(ctx); err != nil {
				return nil, errors.Wrap(err, "warm dedup inventory")
			}
			return nil, nil
		}, nil)
	if err != nil {
		return err
	}

	err = r.mgr.Register("queue", "", []string{"hub", "dedup"},
		func(ctx context.Context) (context.Context, error) {
			r.queueWG.Go(func() {
				if err := a.worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Errorf("queue worker stopped: %v", err)
				}
			})
			return nil, nil
		},
		func(context.Context) error {
			r.queueWG.Wait()
			return nil
		})
	if err != nil {
		return err
	}

	cliDeps := []string{"hub", "queue"}
	if a.sched != nil {
		err = r.mgr.Register("scheduler", "", []string{"hub", "queue"},
			func(ctx context.Context) (context.Context, error) {
				r.schedWG.Go(func() {
					if err := a.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Errorf("scheduler stopped: %v", err)
					}
				})
				return nil, nil
			},
			func(context.Context) error {
				r.schedWG.Wait()
				return nil
			})
		if err != nil {
			return err
		}
		cliDeps = append(cliDeps, "scheduler")
	}

	return r.mgr.Register("cli", "", cliDeps,
		func(ctx context.Context) (context.Context, error) {
			a.cli.Start(ctx)
			return nil, nil
		},
		func(context.Context) error {
			a.cli.Stop()
			return nil
		})
}
