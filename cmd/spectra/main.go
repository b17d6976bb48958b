package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"spectra/internal/app"
	"spectra/internal/infra/concurrency"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/pr"
	"spectra/internal/support/version"
)

// Коды выхода процесса.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := pr.Init(); err != nil {
		logger.Error("failed to assign stdout and stderr", zap.Error(err))
		return exitFailure
	}

	// envPath указывает на необязательный .env с bootstrap-переменными
	// (SPECTRA_CONFIG, SPECTRA_LOG_LEVEL, SPECTRA_RUN_TIMEOUT).
	envPath := flag.String("env", ".env", "path to optional .env bootstrap file")
	configPath := flag.String("config", "config.json", "path to JSON config file")
	flag.Parse()

	boot := config.LoadBootstrap(*envPath)
	path := *configPath
	if boot.ConfigPath != "" {
		path = boot.ConfigPath
	}

	cfg, warnings, err := config.Load(path)
	if err != nil {
		logger.Init("info")
		logger.Error("failed to load config", zap.Error(err))
		return exitFailure
	}

	// Уровень из .env перекрывает уровень из конфига. SetWriters направляет
	// консольный вывод через подсистему pr, чтобы логи не рвали строку
	// ввода readline.
	level := cfg.Log.Level
	if boot.LogLevel != "" {
		level = boot.LogLevel
	}
	logger.Init(level)
	logger.SetWriters(pr.Stdout(), pr.Stderr())
	if cfg.Log.File != "" {
		logger.SetFileOutput(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays)
	}
	for _, msg := range warnings {
		logger.Warn(msg)
	}
	logger.Info("starting", zap.String("version", version.Full()), zap.String("config", path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Таймаут всего прогона для скриптовых запусков: по его истечении
	// приложение останавливается штатно, с кодом успеха.
	concurrency.StartTimeoutTimer(ctx, boot.RunTimeoutSec, cancel)

	// Сигналы ОС учитываются отдельно от общей отмены: код 130 положен
	// только прерванному прогону, а не команде exit из консоли.
	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case s := <-sigCh:
			interrupted.Store(true)
			logger.Infof("received %s, shutting down", s)
			cancel()
		case <-ctx.Done():
		}
	}()

	a := app.NewApp(ctx, cancel, cfg)
	if err := a.Init(); err != nil {
		a.Close()
		logger.Error("app init failed", zap.Error(err))
		return exitFailure
	}
	if err := a.Run(); err != nil {
		logger.Error("app run failed", zap.Error(err))
		return exitFailure
	}

	logger.Info("graceful shutdown complete")
	if interrupted.Load() {
		return exitInterrupted
	}
	return exitOK
}
