package concurrency

import (
	"context"
	"time"

	"go.uber.org/zap"

	"spectra/internal/infra/logger"
)

// StartTimeoutTimer запускает горутину, которая вызовет cancelFunc через
// timeout секунд. Применяется для автоматического graceful shutdown в
// скриптовых сценариях: разовый прогон пересылки по cron хоста или запуск
// с ограниченным временем работы (SPECTRA_RUN_TIMEOUT).
//
// Функция завершается немедленно. При timeout <= 0 или nil cancelFunc
// таймер не ставится; отмена ctx снимает таймер без вызова cancelFunc.
func StartTimeoutTimer(ctx context.Context, timeout int, cancelFunc context.CancelFunc) {
	if timeout <= 0 || cancelFunc == nil {
		return
	}

	duration := time.Duration(timeout) * time.Second

	go func() {
		logger.Info("auto-shutdown timer started", zap.Duration("timeout", duration))

		timer := time.NewTimer(duration)
		defer timer.Stop()

		select {
		case <-timer.C:
			logger.Info("auto-shutdown timeout reached, initiating graceful shutdown")
			cancelFunc()
		case <-ctx.Done():
			logger.Debug("auto-shutdown timer cancelled")
		}
	}()
}
