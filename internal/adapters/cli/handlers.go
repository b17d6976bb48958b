package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"spectra/internal/domain/forwarder"
	"spectra/internal/domain/gateway"
	"spectra/internal/domain/schedule"
	"spectra/internal/domain/topics"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/pr"
	"spectra/internal/infra/store"
	"spectra/internal/shared"
	versioninfo "spectra/internal/support/version"
)

// commandTimeout ограничивает короткие разовые команды (резолв, создание
// топика, тестовая отправка). Длинные конвейеры — archive, forward,
// migrate — живут на контексте run-цикла и прерываются только выходом.
const commandTimeout = 45 * time.Second

const dayLayout = "2006-01-02"

// withLease арендует аккаунт пула, достаёт его шлюз и выполняет fn. Аренда
// снимается по выходу независимо от исхода.
func (s *Service) withLease(ctx context.Context, preferred string, fn func(gw gateway.Gateway, account string) error) error {
	lease, err := s.deps.Pool.Select(ctx, preferred)
	if err != nil {
		return err
	}
	defer lease.Release()
	gw, err := s.deps.Hub.Gateway(lease.Name())
	if err != nil {
		return err
	}
	return fn(gw, lease.Name())
}

// withAccount — как withLease, но аккаунт берётся строго по имени: если он
// нездоров, команда падает с причиной вместо подмены соседним аккаунтом.
func (s *Service) withAccount(ctx context.Context, name string, fn func(gw gateway.Gateway, account string) error) error {
	lease, err := s.deps.Pool.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer lease.Release()
	gw, err := s.deps.Hub.Gateway(lease.Name())
	if err != nil {
		return err
	}
	return fn(gw, lease.Name())
}

// channelID принимает числовой id либо ссылку (@username, t.me/...) и
// возвращает id канала. Ссылки резолвятся через арендованный аккаунт.
func (s *Service) channelID(ctx context.Context, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}
	var id int64
	err := s.withLease(ctx, "", func(gw gateway.Gateway, _ string) error {
		ent, err := gw.ResolveEntity(ctx, ref)
		if err != nil {
			return err
		}
		id = ent.ID
		return nil
	})
	return id, err
}

// fmtWhen печатает время в таймзоне конфига; нулевое время — "<never>".
func (s *Service) fmtWhen(t time.Time) string {
	if t.IsZero() {
		return "<never>"
	}
	return t.In(s.deps.Cfg.Location()).Format("2006-01-02 15:04")
}

func entityTitle(e gateway.Entity) string {
	if e.Title != "" {
		return e.Title
	}
	if e.Username != "" {
		return "@" + e.Username
	}
	return strconv.FormatInt(e.ID, 10)
}

// --- archive / forward / migrate / rollback ---

// cmdArchive запускает полный конвейер архивирования источника. Назначение
// по умолчанию — default_destination_id из конфига либо Избранное.
func (s *Service) cmdArchive(ctx context.Context, args []string) {
	pos, opts := parseOpts(args)
	if len(pos) != 1 {
		pr.ErrPrintln("usage: archive <source> [dest=<ref>] [account=<name>] [from=<id>] [topic=<id>] [limit=<n>] [dry-run=true]")
		return
	}
	job, err := forwardJob(pos[0], opts["dest"], opts)
	if err != nil {
		pr.ErrPrintln("archive:", err)
		return
	}
	s.runForward(ctx, "archive", job)
}

// cmdForward — то же, что archive, но назначение обязательно.
func (s *Service) cmdForward(ctx context.Context, args []string) {
	pos, opts := parseOpts(args)
	if len(pos) != 2 {
		pr.ErrPrintln("usage: forward <source> <dest> [account=<name>] [from=<id>] [topic=<id>] [limit=<n>] [dry-run=true]")
		return
	}
	job, err := forwardJob(pos[0], pos[1], opts)
	if err != nil {
		pr.ErrPrintln("forward:", err)
		return
	}
	s.runForward(ctx, "forward", job)
}

// forwardJob собирает задание форвардера из аргументов команды.
func forwardJob(src, dest string, opts map[string]string) (forwarder.Job, error) {
	job := forwarder.Job{Origin: src, Dest: dest, Account: opts["account"]}
	var err error
	if job.StartMessageID, err = intOpt(opts, "from", 0); err != nil {
		return job, err
	}
	if job.TopicID, err = intOpt(opts, "topic", 0); err != nil {
		return job, err
	}
	if job.Limit, err = intOpt(opts, "limit", 0); err != nil {
		return job, err
	}
	job.DryRun, err = boolOpt(opts, "dry-run", false)
	return job, err
}

// runForward выполняет задание и печатает счётчики. Частичный результат
// печатается и при ошибке: прогон мог успеть доставить часть сообщений.
func (s *Service) runForward(ctx context.Context, what string, job forwarder.Job) {
	pr.Printf("%s: %s -> %s\n", what, job.Origin, s.destLabel(job.Dest))
	res, err := s.deps.Fwd.Run(ctx, job)
	printRunResult(res)
	if err != nil {
		pr.ErrPrintln(what+" error:", err)
	}
}

// destLabel — человекочитаемое назначение: пустое означает дефолт из
// конфига либо Избранное.
func (s *Service) destLabel(dest string) string {
	if dest != "" {
		return dest
	}
	if d := string(s.deps.Cfg.Forwarding.DefaultDestinationID); d != "" {
		return d
	}
	return "Saved Messages"
}

func printRunResult(res forwarder.Result) {
	pr.Printf("messages=%d files=%d bytes=%d topics-created=%d assigned=%d fallback=%d duplicates=%d skipped=%d last-id=%d\n",
		res.MessagesForwarded, res.FilesForwarded, res.BytesForwarded,
		res.TopicsCreated, res.TopicAssignments, res.FallbackUsed,
		res.Duplicates, res.Skipped, res.LastMessageID)
}

// cmdMigrate зеркалирует источник 1:1 поверх сохранённого курсора.
func (s *Service) cmdMigrate(ctx context.Context, args []string) {
	pos, opts := parseOpts(args)
	if len(pos) != 2 {
		pr.ErrPrintln("usage: migrate <source> <dest> [account=<name>] [limit=<n>]")
		return
	}
	limit, err := intOpt(opts, "limit", 0)
	if err != nil {
		pr.ErrPrintln("migrate:", err)
		return
	}
	job := forwarder.MirrorJob{Source: pos[0], Dest: pos[1], Account: opts["account"], Limit: limit}
	pr.Printf("migrate: %s -> %s\n", job.Source, job.Dest)
	res, err := s.deps.Fwd.Mirror(ctx, job)
	printRunResult(res)
	if err != nil {
		pr.ErrPrintln("migrate error:", err)
	}
}

// cmdRollback удаляет у назначения всё, что туда зеркалировал migrate.
func (s *Service) cmdRollback(ctx context.Context, args []string) {
	pos, opts := parseOpts(args)
	if len(pos) != 2 {
		pr.ErrPrintln("usage: rollback <source> <dest> [account=<name>]")
		return
	}
	n, err := s.deps.Fwd.Rollback(ctx, pos[0], pos[1], opts["account"])
	if err != nil {
		pr.ErrPrintln("rollback error:", err)
	}
	pr.Printf("rollback: deleted %d messages\n", n)
}

// --- topics ---

func (s *Service) cmdTopics(ctx context.Context, args []string) {
	sub, ok := shared.GetAt(args, 0)
	if !ok {
		pr.ErrPrintln("usage: topics <list|create|update|delete|stats|report|config|cleanup> ...")
		return
	}
	rest := args[1:]
	switch sub {
	case "list":
		s.topicsList(ctx, rest)
	case "create":
		s.topicsCreate(ctx, rest)
	case "update":
		s.topicsUpdate(ctx, rest)
	case "delete":
		s.topicsDelete(ctx, rest)
	case "stats":
		s.topicsStats(ctx, rest)
	case "report":
		s.topicsReport(ctx, rest)
	case "config":
		s.topicsConfig(ctx, rest)
	case "cleanup":
		s.topicsCleanup(ctx, rest)
	default:
		pr.Println("unknown topics subcommand:", sub)
	}
}

// topicsList печатает живые топики форума с сервера, постранично.
func (s *Service) topicsList(ctx context.Context, args []string) {
	pos, opts := parseOpts(args)
	if len(pos) != 1 {
		pr.ErrPrintln("usage: topics list <channel> [account=<name>]")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	err := s.withLease(ctx, opts["account"], func(gw gateway.Gateway, _ string) error {
		channel, err := gw.ResolveEntity(ctx, pos[0])
		if err != nil {
			return err
		}
		if !channel.Forum {
			return errors.Errorf("%s is not a forum channel", entityTitle(channel))
		}
		total := 0
		var cursor gateway.TopicCursor
		for {
			page, next, err := gw.ListForumTopics(ctx, channel, cursor)
			if err != nil {
				return err
			}
			for _, t := range page {
				state := ""
				if t.Closed {
					state = " [closed]"
				}
				pr.Printf("  #%-6d %s%s\n", t.ID, t.Title, state)
			}
			total += len(page)
			if next == (gateway.TopicCursor{}) {
				break
			}
			cursor = next
		}
		pr.Printf("Total topics: %d\n", total)
		return nil
	})
	if err != nil {
		pr.ErrPrintln("topics list error:", err)
	}
}

// topicsCreate создаёт топик на сервере и регистрирует его в реестре.
func (s *Service) topicsCreate(ctx context.Context, args []string) {
	pos, opts := parseOpts(args)
	if len(pos) < 2 {
		pr.ErrPrintln("usage: topics create <channel> <title> [color=<n>] [emoji=<id>] [account=<name>]")
		return
	}
	title := strings.Join(pos[1:], " ")
	color, err := intOpt(opts, "color", 0)
	if err != nil {
		pr.ErrPrintln("topics create:", err)
		return
	}
	emoji, err := int64Opt(opts, "emoji", 0)
	if err != nil {
		pr.ErrPrintln("topics create:", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	err = s.withLease(ctx, opts["account"], func(gw gateway.Gateway, _ string) error {
		channel, err := gw.ResolveEntity(ctx, pos[0])
		if err != nil {
			return err
		}
		id, err := gw.CreateForumTopic(ctx, channel, gateway.TopicRequest{
			Title:       title,
			IconColor:   color,
			IconEmojiID: emoji,
		})
		if err != nil {
			return err
		}
		now := time.Now()
		row := store.TopicRow{
			ChannelID: channel.ID, TopicID: id, Title: title,
			IconColor: color, IconEmojiID: emoji,
			CreatedAt: now, LastActivityAt: now, Active: true,
		}
		if err := s.deps.St.UpsertTopic(ctx, row); err != nil {
			logger.Warnf("topics create: registry update failed: %v", err)
		}
		pr.Printf("created topic #%d %q in %s\n", id, title, entityTitle(channel))
		return nil
	})
	if err != nil {
		pr.ErrPrintln("topics create error:", err)
	}
}

// topicsUpdate правит заголовок и описание записи реестра. Сам топик в
// Telegram не переименовывается: движку организации важны локальные данные.
func (s *Service) topicsUpdate(ctx context.Context, args []string) {
	pos, opts := parseOpts(args)
	_, hasTitle := opts["title"]
	_, hasDesc := opts["desc"]
	if len(pos) != 2 || (!hasTitle && !hasDesc) {
		pr.ErrPrintln("usage: topics update <channel> <topic-id> [title=<text>] [desc=<text>]")
		return
	}
	channelID, topicID, err := s.topicAddr(ctx, pos[0], pos[1])
	if err != nil {
		pr.ErrPrintln("topics update:", err)
		return
	}
	row, err := s.topicRow(ctx, channelID, topicID)
	if err != nil {
		pr.ErrPrintln("topics update error:", err)
		return
	}
	title, desc := row.Title, row.Description
	if hasTitle {
		title = opts["title"]
	}
	if hasDesc {
		desc = opts["desc"]
	}
	if err := s.deps.St.UpdateTopicInfo(ctx, channelID, topicID, title, desc); err != nil {
		pr.ErrPrintln("topics update error:", err)
		return
	}
	pr.Printf("topic #%d updated\n", topicID)
}

// topicsDelete помечает топик неактивным в реестре (мягкое удаление):
// движок организации перестаёт его использовать. Сам топик остаётся.
func (s *Service) topicsDelete(ctx context.Context, args []string) {
	pos, _ := parseOpts(args)
	if len(pos) != 2 {
		pr.ErrPrintln("usage: topics delete <channel> <topic-id>")
		return
	}
	channelID, topicID, err := s.topicAddr(ctx, pos[0], pos[1])
	if err != nil {
		pr.ErrPrintln("topics delete:", err)
		return
	}
	if err := s.deps.St.DeactivateTopic(ctx, channelID, topicID); err != nil {
		pr.ErrPrintln("topics delete error:", err)
		return
	}
	pr.Printf("topic #%d deactivated\n", topicID)
}

// topicAddr разбирает пару <channel> <topic-id> из аргументов.
func (s *Service) topicAddr(ctx context.Context, channelRef, topicRef string) (int64, int, error) {
	channelID, err := s.channelID(ctx, channelRef)
	if err != nil {
		return 0, 0, err
	}
	topicID, err := strconv.Atoi(topicRef)
	if err != nil {
		return 0, 0, errors.Errorf("topic id %q is not an integer", topicRef)
	}
	return channelID, topicID, nil
}

// topicRow находит запись реестра; отсутствие — ошибка.
func (s *Service) topicRow(ctx context.Context, channelID int64, topicID int) (store.TopicRow, error) {
	rows, err := s.deps.St.ListTopics(ctx, channelID, false)
	if err != nil {
		return store.TopicRow{}, err
	}
	for _, r := range rows {
		if r.TopicID == topicID {
			return r, nil
		}
	}
	return store.TopicRow{}, errors.Errorf("topic %d is not registered for channel %d", topicID, channelID)
}

// topicsStats печатает дневную статистику организации за последние N дней.
func (s *Service) topicsStats(ctx context.Context, args []string) {
	pos, opts := parseOpts(args)
	if len(pos) != 1 {
		pr.ErrPrintln("usage: topics stats <channel> [days=<n>]")
		return
	}
	days, err := intOpt(opts, "days", 7)
	if err != nil || days <= 0 {
		pr.ErrPrintln("topics stats: days must be a positive integer")
		return
	}
	channelID, err := s.channelID(ctx, pos[0])
	if err != nil {
		pr.ErrPrintln("topics stats:", err)
		return
	}
	now := time.Now().In(s.deps.Cfg.Location())
	from := now.AddDate(0, 0, -(days - 1)).Format(dayLayout)
	rows, err := s.deps.St.StatsRange(ctx, channelID, from, now.Format(dayLayout))
	if err != nil {
		pr.ErrPrintln("topics stats error:", err)
		return
	}
	if len(rows) == 0 {
		pr.Println("no statistics for the period")
		return
	}
	var total store.StatsRow
	categories := map[string]int{}
	for _, r := range rows {
		pr.Printf("  %s processed=%-5d ok=%-5d failed=%-4d fallback=%-4d topics+=%d\n",
			r.Date, r.Processed, r.Successful, r.Failed, r.Fallback, r.TopicsCreated)
		total.Processed += r.Processed
		total.Successful += r.Successful
		total.Failed += r.Failed
		total.Fallback += r.Fallback
		total.TopicsCreated += r.TopicsCreated
		for k, v := range r.Categories {
			categories[k] += v
		}
	}
	pr.Printf("Total: processed=%d ok=%d failed=%d fallback=%d topics+=%d\n",
		total.Processed, total.Successful, total.Failed, total.Fallback, total.TopicsCreated)
	if len(categories) > 0 {
		pr.Println("Categories:", joinCounts(categories))
	}
}

// topicsReport печатает реестр топиков канала с накопленными счётчиками.
func (s *Service) topicsReport(ctx context.Context, args []string) {
	pos, _ := parseOpts(args)
	if len(pos) != 1 {
		pr.ErrPrintln("usage: topics report <channel>")
		return
	}
	channelID, err := s.channelID(ctx, pos[0])
	if err != nil {
		pr.ErrPrintln("topics report:", err)
		return
	}
	rows, err := s.deps.St.ListTopics(ctx, channelID, false)
	if err != nil {
		pr.ErrPrintln("topics report error:", err)
		return
	}
	if len(rows) == 0 {
		pr.Printf("no topics registered for channel %d\n", channelID)
		return
	}
	active := 0
	for _, t := range rows {
		mark := "x"
		if t.Active {
			mark = " "
			active++
		}
		cat := t.Category
		if t.Subcategory != "" {
			cat += "/" + t.Subcategory
		}
		if cat != "" {
			cat = " [" + cat + "]"
		}
		pr.Printf("  [%s] #%-6d %-32s msgs=%-5d last=%s%s\n",
			mark, t.TopicID, t.Title, t.MessageCount, s.fmtWhen(t.LastActivityAt), cat)
	}
	pr.Printf("Total: %d topics, %d active\n", len(rows), active)
}

// topicsConfig показывает либо правит персистентную конфигурацию организации
// канала. Без пар key=value печатает действующие значения; с парами пишет
// переопределение, добирая недостающие поля из глобального конфига.
func (s *Service) topicsConfig(ctx context.Context, args []string) {
	pos, opts := parseOpts(args)
	if len(pos) != 1 {
		pr.ErrPrintln("usage: topics config <channel> [mode=] [strategy=] [fallback=] [max-topics=] [cooldown-s=] [classification=] [confidence=] [general-title=] [auto-cleanup=] [stats=] [debug=]")
		return
	}
	channelID, err := s.channelID(ctx, pos[0])
	if err != nil {
		pr.ErrPrintln("topics config:", err)
		return
	}
	saved, err := s.deps.St.GetOrgConfig(ctx, channelID)
	if err != nil {
		pr.ErrPrintln("topics config error:", err)
		return
	}

	if len(opts) == 0 {
		if saved == nil {
			pr.Println("no per-channel override; global topic_organization applies:")
			printOrgConfig(orgDefaults(channelID, s.deps.Cfg.Topics))
			return
		}
		printOrgConfig(*saved)
		return
	}

	cfg := orgDefaults(channelID, s.deps.Cfg.Topics)
	if saved != nil {
		cfg = *saved
	}
	if err := applyOrgOpts(&cfg, opts); err != nil {
		pr.ErrPrintln("topics config:", err)
		return
	}
	if err := s.deps.St.PutOrgConfig(ctx, cfg); err != nil {
		pr.ErrPrintln("topics config error:", err)
		return
	}
	pr.Println("organization config saved")
	printOrgConfig(cfg)
}

// orgDefaults сводит глобальную секцию topic_organization к персистентной
// записи для канала.
func orgDefaults(channelID int64, tc config.TopicOrganizationConfig) store.OrgConfig {
	return store.OrgConfig{
		ChannelID:            channelID,
		Mode:                 tc.Mode,
		TopicStrategy:        tc.TopicStrategy,
		FallbackStrategy:     tc.FallbackStrategy,
		MaxTopics:            tc.MaxTopicsPerChannel,
		CooldownS:            tc.TopicCreationCooldownSeconds,
		EnableClassification: tc.EnableClassification,
		ConfidenceThreshold:  tc.ClassificationConfidenceThreshold,
		GeneralTopicTitle:    tc.GeneralTopicTitle,
		AutoCleanup:          tc.AutoCleanupEmptyTopics,
		EnableStats:          tc.EnableStatistics,
		Debug:                tc.Debug,
	}
}

// applyOrgOpts накладывает пары key=value на запись конфигурации.
func applyOrgOpts(cfg *store.OrgConfig, opts map[string]string) error {
	var err error
	for key, raw := range opts {
		switch key {
		case "mode":
			cfg.Mode = raw
		case "strategy":
			cfg.TopicStrategy = raw
		case "fallback":
			cfg.FallbackStrategy = raw
		case "general-title":
			cfg.GeneralTopicTitle = raw
		case "max-topics":
			cfg.MaxTopics, err = strconv.Atoi(raw)
		case "cooldown-s":
			cfg.CooldownS, err = strconv.Atoi(raw)
		case "confidence":
			cfg.ConfidenceThreshold, err = strconv.ParseFloat(raw, 64)
		case "classification":
			cfg.EnableClassification, err = strconv.ParseBool(raw)
		case "auto-cleanup":
			cfg.AutoCleanup, err = strconv.ParseBool(raw)
		case "stats":
			cfg.EnableStats, err = strconv.ParseBool(raw)
		case "debug":
			cfg.Debug, err = strconv.ParseBool(raw)
		default:
			return errors.Errorf("unknown key %q", key)
		}
		if err != nil {
			return errors.Errorf("key %s: %q is not a valid value", key, raw)
		}
	}
	return nil
}

func printOrgConfig(c store.OrgConfig) {
	pr.Printf("  mode=%s strategy=%s fallback=%s\n", c.Mode, c.TopicStrategy, c.FallbackStrategy)
	pr.Printf("  max-topics=%d cooldown-s=%d general-title=%q\n", c.MaxTopics, c.CooldownS, c.GeneralTopicTitle)
	pr.Printf("  classification=%t confidence=%.2f auto-cleanup=%t stats=%t debug=%t\n",
		c.EnableClassification, c.ConfidenceThreshold, c.AutoCleanup, c.EnableStats, c.Debug)
}

// topicsCleanup деактивирует в реестре пустые топики старше порога. Менеджер
// собирается на месте из тех же настроек, из которых его собирает форвардер.
func (s *Service) topicsCleanup(ctx context.Context, args []string) {
	pos, opts := parseOpts(args)
	if len(pos) != 1 {
		pr.ErrPrintln("usage: topics cleanup <channel> [older-than=<duration>] [account=<name>]")
		return
	}
	olderThan, err := durationOpt(opts, "older-than", 72*time.Hour)
	if err != nil {
		pr.ErrPrintln("topics cleanup:", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	err = s.withLease(ctx, opts["account"], func(gw gateway.Gateway, _ string) error {
		channel, err := gw.ResolveEntity(ctx, pos[0])
		if err != nil {
			return err
		}
		n, err := s.topicsManager(ctx, channel, gw).CleanupEmptyTopics(ctx, olderThan)
		if err != nil {
			return err
		}
		pr.Printf("deactivated %d empty topics\n", n)
		return nil
	})
	if err != nil {
		pr.ErrPrintln("topics cleanup error:", err)
	}
}

// topicsManager собирает менеджер топиков канала из персистентной записи
// либо глобального конфига.
func (s *Service) topicsManager(ctx context.Context, channel gateway.Entity, gw gateway.Gateway) *topics.Manager {
	cfg := topics.Config{Location: s.deps.Cfg.Location()}
	if saved, err := s.deps.St.GetOrgConfig(ctx, channel.ID); err == nil && saved != nil {
		cfg.Strategy = saved.TopicStrategy
		cfg.MaxTopics = saved.MaxTopics
		cfg.CreateCooldown = time.Duration(saved.CooldownS) * time.Second
		cfg.GeneralTopicTitle = saved.GeneralTopicTitle
	} else {
		tc := s.deps.Cfg.Topics
		cfg.Strategy = tc.TopicStrategy
		cfg.MaxTopics = tc.MaxTopicsPerChannel
		cfg.CreateCooldown = time.Duration(tc.TopicCreationCooldownSeconds) * time.Second
		cfg.GeneralTopicTitle = tc.GeneralTopicTitle
	}
	return topics.NewManager(channel, gw, s.deps.St, cfg, logger.Logger())
}

// --- schedule ---

func (s *Service) cmdSchedule(ctx context.Context, args []string) {
	sub, ok := shared.GetAt(args, 0)
	if !ok {
		pr.ErrPrintln("usage: schedule <add|add-channel-forward|add-file-forward|list|enable|remove|run|report> ...")
		return
	}
	rest := args[1:]
	switch sub {
	case "add":
		s.scheduleAdd(ctx, rest)
	case "add-channel-forward":
		s.scheduleAddChannelForward(ctx, rest)
	case "add-file-forward":
		s.scheduleAddFileForward(ctx, rest)
	case "list":
		s.scheduleList(ctx)
	case "enable":
		s.scheduleEnable(ctx, rest)
	case "remove":
		s.scheduleRemove(ctx, rest)
	case "run":
		s.scheduleRun(ctx, rest)
	case "report":
		s.scheduleReport(ctx)
	default:
		pr.Println("unknown schedule subcommand:", sub)
	}
}

// scheduleAdd добавляет запись с сырыми параметрами JSON. Для типовых
// заданий удобнее add-channel-forward / add-file-forward.
func (s *Service) scheduleAdd(ctx context.Context, args []string) {
	pos, opts := parseOpts(args)
	if len(pos) != 3 {
		pr.ErrPrintln(`usage: schedule add <name> "<cron>" <kind> [json=<params>] [priority=<n>]`)
		return
	}
	kind := pos[2]
	switch kind {
	case schedule.KindChannelForward, schedule.KindFileForward, schedule.KindMassMigration, schedule.KindGeneric:
	default:
		pr.ErrPrintln("schedule add: unknown kind:", kind)
		return
	}
	params := opts["json"]
	if params == "" {
		params = "{}"
	}
	if !json.Valid([]byte(params)) {
		pr.ErrPrintln("schedule add: json option is not valid JSON")
		return
	}
	s.insertSchedule(ctx, pos[0], pos[1], kind, params, opts)
}

// insertSchedule валидирует cron-выражение и пишет запись в хранилище.
func (s *Service) insertSchedule(ctx context.Context, name, cronExpr, kind, paramsJSON string, opts map[string]string) {
	if err := schedule.ValidateCron(cronExpr); err != nil {
		pr.ErrPrintln("schedule add:", err)
		return
	}
	priority, err := intOpt(opts, "priority", 0)
	if err != nil {
		pr.ErrPrintln("schedule add:", err)
		return
	}
	id, err := s.deps.St.AddSchedule(ctx, store.ScheduleEntry{
		Name: name, Kind: kind, CronExpr: cronExpr,
		ParamsJSON: paramsJSON, Priority: priority, Enabled: true,
	})
	if err != nil {
		pr.ErrPrintln("schedule add error:", err)
		return
	}
	pr.Printf("schedule #%d added: %s (%s) %q\n", id, name, kind, cronExpr)
}

func (s *Service) scheduleAddChannelForward(ctx context.Context, args []string) {
	pos, opts := parseOpts(args)
	if len(pos) != 4 {
		pr.ErrPrintln(`usage: schedule add-channel-forward <name> "<cron>" <source> <dest> [account=] [from=] [topic=] [limit=] [priority=]`)
		return
	}
	p := schedule.ChannelForwardParams{Source: pos[2], Destination: pos[3], Account: opts["account"]}
	var err error
	if p.StartMessageID, err = intOpt(opts, "from", 0); err != nil {
		pr.ErrPrintln("schedule add:", err)
		return
	}
	if p.TopicID, err = intOpt(opts, "topic", 0); err != nil {
		pr.ErrPrintln("schedule add:", err)
		return
	}
	if p.Limit, err = intOpt(opts, "limit", 0); err != nil {
		pr.ErrPrintln("schedule add:", err)
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		pr.ErrPrintln("schedule add:", err)
		return
	}
	s.insertSchedule(ctx, pos[0], pos[1], schedule.KindChannelForward, string(raw), opts)
}

func (s *Service) scheduleAddFileForward(ctx context.Context, args []string) {
	pos, opts := parseOpts(args)
	if len(pos) != 4 {
		pr.ErrPrintln(`usage: schedule add-file-forward <name> "<cron>" <source> <dest> [types=video,audio] [min-size=] [max-size=] [limit=] [priority=]`)
		return
	}
	p := schedule.FileForwardParams{Source: pos[2], Destination: pos[3]}
	if raw := opts["types"]; raw != "" {
		var types []string
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, strings.ToLower(t))
			}
		}
		p.Types = shared.Unique(types)
	}
	var err error
	if p.MinSize, err = int64Opt(opts, "min-size", 0); err != nil {
		pr.ErrPrintln("schedule add:", err)
		return
	}
	if p.MaxSize, err = int64Opt(opts, "max-size", 0); err != nil {
		pr.ErrPrintln("schedule add:", err)
		return
	}
	if p.Limit, err = intOpt(opts, "limit", 0); err != nil {
		pr.ErrPrintln("schedule add:", err)
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		pr.ErrPrintln("schedule add:", err)
		return
	}
	s.insertSchedule(ctx, pos[0], pos[1], schedule.KindFileForward, string(raw), opts)
}

func (s *Service) scheduleList(ctx context.Context) {
	entries, err := s.deps.St.ListSchedules(ctx, false)
	if err != nil {
		pr.ErrPrintln("schedule list error:", err)
		return
	}
	if len(entries) == 0 {
		pr.Println("no schedules")
		return
	}
	for _, e := range entries {
		state := "on "
		if !e.Enabled {
			state = "off"
		}
		pr.Printf("  #%-4d [%s] %-20s %-16s %q last-run=%s\n",
			e.ID, state, e.Name, e.Kind, e.CronExpr, s.fmtWhen(e.LastRunAt))
	}
}

func (s *Service) scheduleEnable(ctx context.Context, args []string) {
	pos, _ := parseOpts(args)
	if len(pos) != 2 {
		pr.ErrPrintln("usage: schedule enable <id> <true|false>")
		return
	}
	id, err := strconv.ParseInt(pos[0], 10, 64)
	if err != nil {
		pr.ErrPrintln("schedule enable: id must be an integer")
		return
	}
	on, err := strconv.ParseBool(pos[1])
	if err != nil {
		pr.ErrPrintln("schedule enable: expected true or false")
		return
	}
	if err := s.deps.St.SetScheduleEnabled(ctx, id, on); err != nil {
		pr.ErrPrintln("schedule enable error:", err)
		return
	}
	pr.Printf("schedule #%d enabled=%t\n", id, on)
}

func (s *Service) scheduleRemove(ctx context.Context, args []string) {
	pos, _ := parseOpts(args)
	if len(pos) != 1 {
		pr.ErrPrintln("usage: schedule remove <id>")
		return
	}
	id, err := strconv.ParseInt(pos[0], 10, 64)
	if err != nil {
		pr.ErrPrintln("schedule remove: id must be an integer")
		return
	}
	if err := s.deps.St.RemoveSchedule(ctx, id); err != nil {
		pr.ErrPrintln("schedule remove error:", err)
		return
	}
	pr.Printf("schedule #%d removed\n", id)
}

// scheduleRun немедленно выполняет запись, не дожидаясь cron-срабатывания.
func (s *Service) scheduleRun(ctx context.Context, args []string) {
	if s.deps.Sched == nil {
		pr.ErrPrintln("scheduler is disabled")
		return
	}
	pos, _ := parseOpts(args)
	if len(pos) != 1 {
		pr.ErrPrintln("usage: schedule run <id>")
		return
	}
	id, err := strconv.ParseInt(pos[0], 10, 64)
	if err != nil {
		pr.ErrPrintln("schedule run: id must be an integer")
		return
	}
	if err := s.deps.Sched.RunEntry(ctx, id); err != nil {
		pr.ErrPrintln("schedule run error:", err)
		return
	}
	pr.Printf("schedule #%d completed\n", id)
}

func (s *Service) scheduleReport(ctx context.Context) {
	if s.deps.Sched == nil {
		pr.ErrPrintln("scheduler is disabled")
		return
	}
	rows, err := s.deps.Sched.Report(ctx)
	if err != nil {
		pr.ErrPrintln("schedule report error:", err)
		return
	}
	if len(rows) == 0 {
		pr.Println("no schedules")
		return
	}
	for _, r := range rows {
		next := "<disabled>"
		if r.Entry.Enabled && !r.NextFire.IsZero() {
			next = r.NextFire.In(s.deps.Cfg.Location()).Format("2006-01-02 15:04:05")
		}
		flight := ""
		if r.InFlight {
			flight = " [running]"
		}
		pr.Printf("  #%-4d %-20s next=%s%s\n", r.Entry.ID, r.Entry.Name, next, flight)
	}
}

// --- accounts / channels / queue / status ---

func (s *Service) cmdAccounts(ctx context.Context, args []string) {
	if len(args) == 0 {
		pr.ErrPrintln("usage: accounts <list|reset|test|import> ...")
		return
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		s.accountsList()
	case "reset":
		s.deps.Pool.ResetUsage(ctx)
		pr.Println("usage counters reset")
	case "test":
		s.accountsTest(ctx, rest)
	case "import":
		s.accountsImport()
	default:
		pr.Println("unknown accounts subcommand:", sub)
	}
}

// accountsList сводит состояние пула и хаба по каждому аккаунту.
func (s *Service) accountsList() {
	online := map[string]string{}
	for _, st := range s.deps.Hub.Status() {
		if st.Online {
			online[st.Name] = "online since " + st.Since.In(s.deps.Cfg.Location()).Format("15:04:05")
		}
	}
	infos := s.deps.Pool.Stats()
	if len(infos) == 0 {
		pr.Println("no accounts registered")
		return
	}
	for _, info := range infos {
		conn, ok := online[info.Name]
		if !ok {
			conn = "offline"
		}
		line := fmt.Sprintf("  %-12s %-12s %s, usage=%d", info.Name, info.Status, conn, info.Usage)
		if info.Busy {
			line += ", busy"
		}
		if !info.CooldownUntil.IsZero() {
			line += ", cooldown until " + s.fmtWhen(info.CooldownUntil)
		}
		if info.LastError != "" {
			line += ", last error: " + info.LastError
		}
		pr.Println(line)
	}
}

// accountsTest проверяет связность: берёт self аккаунта и шлёт отметку
// времени в его Избранное. Именованный аккаунт проверяется сам, без
// подмены; без имени берётся любой свободный.
func (s *Service) accountsTest(ctx context.Context, args []string) {
	pos, _ := parseOpts(args)
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	run := func(fn func(gw gateway.Gateway, account string) error) error {
		if len(pos) > 0 {
			return s.withAccount(ctx, pos[0], fn)
		}
		return s.withLease(ctx, "", fn)
	}
	err := run(func(gw gateway.Gateway, account string) error {
		self, err := gw.Self(ctx)
		if err != nil {
			return err
		}
		text := fmt.Sprintf("%s connectivity check at %s", versioninfo.Name, time.Now().Format(time.RFC3339))
		ref, err := gw.SendMessage(ctx, self, gateway.SendRequest{Text: text})
		if err != nil {
			return err
		}
		pr.Printf("account %s ok: self=%s, message #%d delivered to Saved Messages\n",
			account, entityTitle(self), ref.ID)
		return nil
	})
	if err != nil {
		pr.ErrPrintln("accounts test error:", err)
	}
}

// accountsImport регистрирует аккаунты из конфига в пуле. Уже известные
// пропускаются.
func (s *Service) accountsImport() {
	added, present := 0, 0
	for _, acc := range s.deps.Cfg.Accounts {
		if err := s.deps.Pool.Register(acc.SessionName, acc.Phone); err != nil {
			present++
			continue
		}
		added++
	}
	pr.Printf("accounts import: %d added, %d already present\n", added, present)
}

func (s *Service) cmdChannels(ctx context.Context, args []string) {
	if len(args) != 1 || args[0] != "update-access" {
		pr.ErrPrintln("usage: channels update-access")
		return
	}
	pr.Println("Re-indexing channel access, this may take a while...")
	sum, err := s.deps.Idx.UpdateAccess(ctx)
	if err != nil {
		pr.ErrPrintln("channels update-access error:", err)
	}
	pr.Printf("accounts scanned=%d skipped=%d failed=%d, access rows=%d\n",
		sum.Scanned, sum.Skipped, sum.Failed, sum.Channels)
}

func (s *Service) cmdQueue(ctx context.Context, args []string) {
	if len(args) == 0 {
		pr.ErrPrintln("usage: queue <list|drain> ...")
		return
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		s.queueList(ctx, rest)
	case "drain":
		s.queueDrain(ctx, rest)
	default:
		pr.Println("unknown queue subcommand:", sub)
	}
}

// queueList печатает элементы файловой очереди, свежие сверху.
func (s *Service) queueList(ctx context.Context, args []string) {
	_, opts := parseOpts(args)
	limit, err := intOpt(opts, "limit", 20)
	if err != nil {
		pr.ErrPrintln("queue list:", err)
		return
	}
	items, err := s.deps.St.ListQueue(ctx, opts["status"], limit)
	if err != nil {
		pr.ErrPrintln("queue list error:", err)
		return
	}
	if len(items) == 0 {
		pr.Println("queue is empty")
		return
	}
	for _, it := range items {
		pr.Printf("  #%-5d %-10s msg=%d/%d -> %s enqueued=%s prio=%d\n",
			it.QueueID, it.Status, it.OriginChannel, it.MessageID, it.Destination,
			s.fmtWhen(it.EnqueuedAt), it.Priority)
	}
}

// queueDrain вручную запускает один проход файловой очереди.
func (s *Service) queueDrain(ctx context.Context, args []string) {
	_, opts := parseOpts(args)
	limit, err := intOpt(opts, "limit", 0)
	if err != nil {
		pr.ErrPrintln("queue drain:", err)
		return
	}
	sum, err := s.deps.Queue.DrainOnce(ctx, limit)
	if err != nil {
		pr.ErrPrintln("queue drain error:", err)
	}
	pr.Printf("drained: processed=%d forwarded=%d duplicates=%d failed=%d requeued=%d\n",
		sum.Processed, sum.Forwarded, sum.Duplicates, sum.Failed, sum.Requeued)
}

// cmdStatus — сводка по подсистемам одним экраном.
func (s *Service) cmdStatus(ctx context.Context) {
	pr.Println(versioninfo.Full())

	online := 0
	for _, st := range s.deps.Hub.Status() {
		if st.Online {
			online++
		}
	}
	pr.Printf("Accounts: %d registered, %d online\n", s.deps.Pool.Len(), online)

	counts, err := s.deps.St.QueueCounts(ctx)
	switch {
	case err != nil:
		pr.ErrPrintln("queue counts error:", err)
	case len(counts) == 0:
		pr.Println("Queue: empty")
	default:
		pr.Println("Queue:", joinCounts(counts))
	}

	pr.Printf("Dedup inventory: %d file hashes\n", s.deps.Dedup.Known())
	if s.deps.Sched != nil {
		pr.Println("Scheduler: enabled")
	} else {
		pr.Println("Scheduler: disabled")
	}
}

// joinCounts печатает map как "k=v k=v" со стабильным порядком ключей.
func joinCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}
