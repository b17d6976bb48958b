// Package logger — общий для приложения логгер поверх zap. Уровень
// меняется на лету через zap.AtomicLevel, целевые потоки подменяются в
// рантайме (консоль уводится в буферы readline), записи опционально
// дублируются в ротируемый файл. Глобальное состояние под мьютексом.

package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu sync.Mutex
	// Текущий экземпляр; пересобирается при смене уровня, потоков или файла.
	log *zap.Logger
	// Уровень живёт отдельно от ядра, чтобы менять его без пересборки.
	logLevel   = zap.NewAtomicLevelAt(zap.InfoLevel)
	encoderCfg = defaultEncoderConfig()
	// Потоки по умолчанию; SetWriters уводит их в буферы консоли.
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	// Файловый приёмник (lumberjack); nil, пока файл не настроен.
	fileWriter zapcore.WriteSyncer
)

// defaultEncoderConfig — консольный формат: цветной уровень, короткий
// caller, время до секунды.
func defaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// fileEncoderConfig повторяет консольный формат, но без ANSI-цветов: файл читают grep'ом.
func fileEncoderConfig() zapcore.EncoderConfig {
	cfg := defaultEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// rebuildLoggerLocked собирает логгер из текущих потоков и уровня; зовётся
// строго под mu. AddCallerSkip(1) прячет обёртки пакета из caller.
// Старый экземпляр перед заменой синкается.
func rebuildLoggerLocked() {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), stdoutWriter, logLevel)
	if fileWriter != nil {
		fileCore := zapcore.NewCore(zapcore.NewConsoleEncoder(fileEncoderConfig()), fileWriter, logLevel)
		core = zapcore.NewTee(core, fileCore)
	}
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(stderrWriter))
}

// Init выставляет уровень по строке из конфига или окружения: debug,
// warn, error; всё прочее трактуется как info. Регистр не важен.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(level) {
	case "debug":
		logLevel.SetLevel(zap.DebugLevel)
	case "warn":
		logLevel.SetLevel(zap.WarnLevel)
	case "error":
		logLevel.SetLevel(zap.ErrorLevel)
	default:
		logLevel.SetLevel(zap.InfoLevel)
	}

	encoderCfg = defaultEncoderConfig()
	rebuildLoggerLocked()
}

// SetWriters переводит вывод на другие потоки; так логи уходят в буферы
// readline и не рвут строку ввода. Nil возвращает стандартный поток.
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if stdout == nil {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	} else {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(stdout))
	}
	if stderr == nil {
		stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		stderrWriter = zapcore.Lock(zapcore.AddSync(stderr))
	}

	rebuildLoggerLocked()
}

// SetFileOutput включает дублирование логов в файл с ротацией (lumberjack).
// Пустой path выключает файловый приёмник. Размер — в мегабайтах, возраст — в днях.
// Потокобезопасно; закрытием и ротацией файла управляет сам ротатор.
func SetFileOutput(path string, maxSizeMB, maxBackups, maxAgeDays int) {
	mu.Lock()
	defer mu.Unlock()

	if path == "" {
		fileWriter = nil
		rebuildLoggerLocked()
		return
	}
	fileWriter = zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	})
	rebuildLoggerLocked()
}

// Logger отдаёт текущий zap.Logger, лениво собирая его при первом
// обращении. API сырое, не Sugared.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if log == nil {
		rebuildLoggerLocked()
	}
	return log
}

// Структурированные обёртки по уровням.

func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { Logger().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { Logger().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Printf-обёртки для мест, где собирать zap.Field неоправданно.
// Форматирование аллоцирует, в горячих путях предпочтительны поля.

func Debugf(msg string, a ...any) { Logger().Debug(fmt.Sprintf(msg, a...)) }

func Infof(msg string, a ...any) { Logger().Info(fmt.Sprintf(msg, a...)) }

func Warnf(msg string, a ...any) { Logger().Warn(fmt.Sprintf(msg, a...)) }

func Errorf(msg string, a ...any) { Logger().Error(fmt.Sprintf(msg, a...)) }
