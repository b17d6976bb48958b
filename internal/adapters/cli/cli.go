// Package cli — интерактивная операторская консоль. Сервис стартует фоном,
// читает команды из readline и дёргает остальные подсистемы: форвардер,
// реестр топиков, планировщик, файловую очередь, пул аккаунтов и индексатор
// доступа. Команды разбираются на позиционные аргументы и опции key=value;
// кавычки группируют слова (нужно для cron-выражений). Start/Stop
// идемпотентны и корректно встраиваются в lifecycle.
package cli

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"spectra/internal/adapters/telegram"
	"spectra/internal/domain/accounts"
	"spectra/internal/domain/dedup"
	"spectra/internal/domain/forwarder"
	"spectra/internal/domain/indexer"
	"spectra/internal/domain/queue"
	"spectra/internal/domain/schedule"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/pr"
	"spectra/internal/infra/store"
	versioninfo "spectra/internal/support/version"
)

// commandDescriptor описывает одну CLI-команду: имя и краткое описание для help.
type commandDescriptor struct {
	name        string
	description string
}

// commandDescriptors — реестр доступных команд. Рендерится в help и подсказки.
// Важно: имена должны совпадать с кейсами в handleCommand().
var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Show accounts, queue and scheduler state at a glance"},
	{name: "archive", description: "Archive a channel into the default destination: archive <source> [key=value...]"},
	{name: "forward", description: "Forward a channel to an explicit destination: forward <source> <dest> [key=value...]"},
	{name: "migrate", description: "Mirror a channel 1:1 with resume: migrate <source> <dest> [key=value...]"},
	{name: "rollback", description: "Delete previously mirrored messages: rollback <source> <dest>"},
	{name: "topics", description: "Forum topics: list|create|update|delete|stats|report|config|cleanup"},
	{name: "schedule", description: "Cron jobs: add|add-channel-forward|add-file-forward|list|enable|remove|run|report"},
	{name: "accounts", description: "Account pool: list|reset|test|import"},
	{name: "channels", description: "Re-index which account sees which channel: channels update-access"},
	{name: "queue", description: "File forward queue: list|drain"},
	{name: "version", description: "Print build version"},
	{name: "exit", description: "Stop CLI and terminate the service"},
}

// Deps — подсистемы, до которых дотягиваются команды консоли. Sched может
// быть nil (планировщик выключен конфигом): команды schedule run/report
// честно откажут.
type Deps struct {
	Cfg   *config.Config
	St    *store.Store
	Pool  *accounts.Pool
	Hub   *telegram.Hub
	Fwd   *forwarder.Forwarder
	Idx   *indexer.Indexer
	Queue *queue.Worker
	Sched *schedule.Scheduler
	Dedup *dedup.Deduplicator
}

// Service инкапсулирует консоль и интегрируется в lifecycle приложения.
// Имеет собственный cancel, запускает цикл чтения команд в отдельной
// горутине и синхронно закрывается через Stop().
type Service struct {
	deps      Deps
	stopApp   context.CancelFunc // внешняя остановка приложения: команда exit и Ctrl-C на пустой строке
	cancel    context.CancelFunc // локальная отмена run-цикла
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService создаёт консоль. stopApp используется как «глобальная» остановка
// приложения.
func NewService(deps Deps, stopApp context.CancelFunc) *Service {
	return &Service{deps: deps, stopApp: stopApp}
}

// Start запускает цикл чтения команд в отдельной горутине. Повторные вызовы
// безопасно игнорируются.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Go(func() {
			s.run(runCtx)
		})
	})
}

// Stop завершает консоль: посылает внешнюю остановку приложения, прерывает
// readline, отменяет локальный контекст и дожидается run-цикла.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

// run — основной цикл: печатает подсказку, ставит обработчики клавиш и
// читает команды построчно. Выход — по отмене контекста или EOF от readline.
func (s *Service) run(ctx context.Context) {
	logger.Debug("CLI run started")
	pr.SetPrompt("> ")
	pr.Println("Console ready. Commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("CLI: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("CLI: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(ctx, cmd) {
			logger.Debugf("CLI: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers подключает обработчики специальных клавиш readline:
//   - '?' — печать help без отправки символа в текущую строку;
//   - Ctrl-C на пустой строке — мягкая остановка приложения и прерывание readline;
//   - Ctrl-C на непустой строке — очистка текущей строки.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	// Сохраняем предыдущий listener, чтобы не ломать поведение по умолчанию.
	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { // Ctrl-C (ETX)
			if strings.TrimSpace(string(line)) == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

// printCommandHelp печатает список поддерживаемых команд и их описания.
func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand разбирает введённую строку и выполняет команду. Возвращает
// true, если команда инициирует завершение CLI ("exit").
func (s *Service) handleCommand(ctx context.Context, line string) bool {
	args := splitArgs(line)
	if len(args) == 0 {
		return false
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "help":
		printCommandHelp()
	case "status":
		s.cmdStatus(ctx)
	case "archive":
		s.cmdArchive(ctx, rest)
	case "forward":
		s.cmdForward(ctx, rest)
	case "migrate":
		s.cmdMigrate(ctx, rest)
	case "rollback":
		s.cmdRollback(ctx, rest)
	case "topics":
		s.cmdTopics(ctx, rest)
	case "schedule":
		s.cmdSchedule(ctx, rest)
	case "accounts":
		s.cmdAccounts(ctx, rest)
	case "channels":
		s.cmdChannels(ctx, rest)
	case "queue":
		s.cmdQueue(ctx, rest)
	case "version":
		pr.Println(versioninfo.Full())
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

// joinCommandNames собирает строку имён команд через запятую для короткой подсказки.
func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

// buildCommandHelpLines генерирует строки помощи вида "<name> - <description>".
func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, descriptor := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-8s - %s", descriptor.name, descriptor.description))
	}
	return lines
}
