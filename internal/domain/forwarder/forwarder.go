// Package forwarder — сквозной конвейер пересылки: аренда аккаунта из пула,
// чтение истории источника, группировка, дедупликация, организация по
// топикам форума, доставка с атрибуцией и учёт результата.
//
// Конвейер обходит историю от старых сообщений к новым и доставляет группы
// в исходном порядке. Сбой доставки роняет группу, но не прогон: следующая
// группа обрабатывается тем же арендованным аккаунтом. FloodWait усыпляет
// конвейер на s+1 секунду и помечает аккаунт в пуле, чтобы параллельные
// прогоны его сторонились.
package forwarder

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"spectra/internal/domain/accounts"
	"spectra/internal/domain/classify"
	"spectra/internal/domain/dedup"
	"spectra/internal/domain/gateway"
	"spectra/internal/domain/grouping"
	"spectra/internal/domain/organizer"
	"spectra/internal/domain/topics"
	"spectra/internal/infra/config"
	"spectra/internal/infra/store"
	"spectra/internal/infra/timeutil"
)

// groupPacing — пауза между сообщениями внутри многотомной группы.
const groupPacing = time.Second

// Job — задание на пересылку одного канала.
type Job struct {
	Origin         string // ссылка на источник: @username, t.me/..., id
	Dest           string // назначение; пусто — default_destination_id либо Избранное
	Account        string // предпочтительный аккаунт; пусто — любой свободный
	StartMessageID int    // пересылать только сообщения с id строго больше
	TopicID        int    // явный топик назначения; 0 — решает движок организации
	Limit          int    // максимум сообщений за прогон; 0 — без предела
	DryRun         bool   // прогон без доставки: посчитать и записать в лог
}

// Result — счётчики одного прогона.
type Result struct {
	LastMessageID     int
	MessagesForwarded int
	FilesForwarded    int
	BytesForwarded    int64
	TopicsCreated     int
	TopicAssignments  int
	FallbackUsed      int
	Duplicates        int
	Skipped           int
}

func (r *Result) add(o Result) {
	if o.LastMessageID > r.LastMessageID {
		r.LastMessageID = o.LastMessageID
	}
	r.MessagesForwarded += o.MessagesForwarded
	r.FilesForwarded += o.FilesForwarded
	r.BytesForwarded += o.BytesForwarded
	r.TopicsCreated += o.TopicsCreated
	r.TopicAssignments += o.TopicAssignments
	r.FallbackUsed += o.FallbackUsed
	r.Duplicates += o.Duplicates
	r.Skipped += o.Skipped
}

// Forwarder выполняет прогоны пересылки поверх пула аккаунтов.
type Forwarder struct {
	cfg      *config.Config
	pool     *accounts.Pool
	provider gateway.Provider
	st       *store.Store
	dedup    *dedup.Deduplicator
	cls      *classify.Classifier
	log      *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// Option настраивает форвардер при создании.
type Option func(*Forwarder)

// WithSleep подменяет функцию ожидания. Используется в тестах.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Forwarder) { f.sleep = sleep }
}

// WithNow подменяет источник времени. Используется в тестах.
func WithNow(now func() time.Time) Option {
	return func(f *Forwarder) { f.now = now }
}

// New собирает форвардер. Дедупликатор может быть nil — тогда проверка
// дубликатов выключена независимо от конфига.
func New(cfg *config.Config, pool *accounts.Pool, provider gateway.Provider, st *store.Store, dd *dedup.Deduplicator, log *zap.Logger, opts ...Option) *Forwarder {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Forwarder{
		cfg:      cfg,
		pool:     pool,
		provider: provider,
		st:       st,
		dedup:    dd,
		cls:      classify.Default(),
		log:      log,
		sleep:    timeutil.Sleep,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run выполняет одно задание пересылки и возвращает счётчики прогона.
func (f *Forwarder) Run(ctx context.Context, job Job) (Result, error) {
	var res Result

	lease, err := f.pool.Select(ctx, job.Account)
	if err != nil {
		return res, errors.Wrap(err, "select account")
	}
	defer lease.Release()

	gw, err := f.provider.Gateway(lease.Name())
	if err != nil {
		return res, errors.Wrapf(err, "gateway %s", lease.Name())
	}

	origin, err := gw.ResolveEntity(ctx, job.Origin)
	if err != nil {
		return res, errors.Wrapf(err, "resolve origin %q", job.Origin)
	}
	dest, err := f.resolveDest(ctx, gw, job.Dest)
	if err != nil {
		return res, err
	}

	log := f.log.With(
		zap.String("account", lease.Name()),
		zap.Int64("origin", origin.ID),
		zap.Int64("dest", dest.ID))

	msgs, err := f.collect(ctx, gw, origin, job)
	if err != nil {
		return res, errors.Wrap(err, "read history")
	}
	if len(msgs) == 0 {
		log.Info("nothing to forward", zap.Int("min_id", job.StartMessageID))
		return res, nil
	}

	groups := grouping.Group(msgs, f.groupingConfig())
	log.Info("forward run started",
		zap.Int("messages", len(msgs)),
		zap.Int("groups", len(groups)),
		zap.Bool("dry_run", job.DryRun))

	scratch, err := dedup.NewScratch(f.cfg.MediaDir)
	if err != nil {
		return res, errors.Wrap(err, "scratch dir")
	}
	defer scratch.Cleanup()

	engine := f.buildEngine(ctx, origin, dest, gw, job)

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		f.deliverGroup(ctx, log, gw, lease, origin, dest, job, engine, scratch, group, &res)
	}

	log.Info("forward run finished",
		zap.Int("forwarded", res.MessagesForwarded),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("skipped", res.Skipped),
		zap.Int("last_id", res.LastMessageID),
		zap.String("bytes", timeutil.ByteCountIEC(res.BytesForwarded)))
	return res, nil
}

// ForwardAll прогоняет пересылку всех известных пар (аккаунт, канал) в одно
// назначение. Ошибка одного канала не прерывает остальные.
func (f *Forwarder) ForwardAll(ctx context.Context, dest string) (Result, error) {
	rows, err := f.st.EnumerateChannelAccess(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "enumerate channels")
	}
	var total Result
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := f.Run(ctx, Job{
			Origin:  strconv.FormatInt(row.ChannelID, 10),
			Dest:    dest,
			Account: row.AccountID,
		})
		total.add(res)
		if err != nil {
			f.log.Warn("channel run failed",
				zap.Int64("channel", row.ChannelID),
				zap.String("account", row.AccountID),
				zap.Error(err))
		}
	}
	return total, nil
}

// resolveDest разрешает назначение: явное из задания, затем дефолтное из
// конфига, в крайнем случае — Избранное арендованного аккаунта.
func (f *Forwarder) resolveDest(ctx context.Context, gw gateway.Gateway, ref string) (gateway.Entity, error) {
	if ref == "" {
		ref = f.cfg.Forwarding.DefaultDestinationID.String()
	}
	if ref == "" {
		ref = "me"
	}
	dest, err := gw.ResolveEntity(ctx, ref)
	if err != nil {
		return gateway.Entity{}, errors.Wrapf(err, "resolve destination %q", ref)
	}
	return dest, nil
}

// collect вычитывает историю источника по условиям задания. Порядок всегда
// восходящий: группы доставляются от старых к новым.
func (f *Forwarder) collect(ctx context.Context, gw gateway.Gateway, origin gateway.Entity, job Job) ([]gateway.Message, error) {
	opts := gateway.IterOptions{
		MinID:     job.StartMessageID,
		Limit:     job.Limit,
		Reverse:   true,
		MediaOnly: !f.cfg.Forwarding.IncludeTextOnly,
	}
	return gw.IterMessages(ctx, origin, opts).Collect(ctx)
}

func (f *Forwarder) groupingConfig() grouping.Config {
	return grouping.Config{
		Strategy: grouping.Strategy(f.cfg.Grouping.Strategy),
		Window:   time.Duration(f.cfg.Grouping.TimeWindowSeconds) * time.Second,
	}
}

func (f *Forwarder) dedupEnabled() bool {
	return f.dedup != nil && f.cfg.Forwarding.EnableDeduplication
}

// buildEngine собирает движок организации для канала назначения. Сохранённая
// в базе пер-канальная конфигурация главнее файла. Без форума, при явном
// топике или выключенной организации движок не нужен.
func (f *Forwarder) buildEngine(ctx context.Context, origin, dest gateway.Entity, gw gateway.Gateway, job Job) *organizer.Engine {
	if job.TopicID != 0 || !dest.Forum {
		return nil
	}

	var (
		orgCfg    organizer.Config
		topicsCfg topics.Config
		found     bool
	)
	if f.st != nil {
		saved, err := f.st.GetOrgConfig(ctx, dest.ID)
		if err != nil {
			f.log.Warn("org config load failed", zap.Int64("channel", dest.ID), zap.Error(err))
		}
		if orgCfg, found = organizer.ConfigFromStore(saved); found {
			topicsCfg = topics.Config{
				Strategy:          saved.TopicStrategy,
				MaxTopics:         saved.MaxTopics,
				CreateCooldown:    time.Duration(saved.CooldownS) * time.Second,
				GeneralTopicTitle: saved.GeneralTopicTitle,
			}
		}
	}
	if !found {
		tc := f.cfg.Topics
		if !tc.Enabled {
			return nil
		}
		orgCfg = organizer.Config{
			Enabled:              true,
			Mode:                 tc.Mode,
			TopicStrategy:        tc.TopicStrategy,
			Fallback:             tc.FallbackStrategy,
			EnableClassification: tc.EnableClassification,
			ConfidenceThreshold:  tc.ClassificationConfidenceThreshold,
			EnableStats:          tc.EnableStatistics,
			Debug:                tc.Debug,
		}
		topicsCfg = topics.Config{
			Strategy:          tc.TopicStrategy,
			MaxTopics:         tc.MaxTopicsPerChannel,
			CreateCooldown:    time.Duration(tc.TopicCreationCooldownSeconds) * time.Second,
			GeneralTopicTitle: tc.GeneralTopicTitle,
		}
	}
	if !orgCfg.Enabled {
		return nil
	}
	topicsCfg.Location = f.cfg.Location()

	mgr := topics.NewManager(dest, gw, f.st, topicsCfg, f.log,
		topics.WithNow(f.now), topics.WithSleep(f.sleep))
	return organizer.NewEngine(dest, entityLabel(origin), f.cls, mgr, f.st, orgCfg, f.log,
		organizer.WithNow(f.now))
}

// deliverGroup проводит одну группу через дедупликацию, выбор топика,
// доставку, учёт и фан-аут. Ошибки доставки гасятся внутри: группа
// пропускается, прогон продолжается.
func (f *Forwarder) deliverGroup(ctx context.Context, log *zap.Logger, gw gateway.Gateway, lease *accounts.Lease, origin, dest gateway.Entity, job Job, engine *organizer.Engine, scratch *dedup.Scratch, group []gateway.Message, res *Result) {
	if f.dedupEnabled() && groupHasFiles(group) {
		dup, err := f.dedup.IsDuplicate(ctx, scratch, group, gw)
		switch {
		case err != nil:
			log.Warn("hashing failed, treating group as unique",
				zap.Int("first_id", group[0].ID),
				zap.Error(err))
		case dup:
			res.Duplicates += len(group)
			log.Info("duplicate group skipped", zap.Ints("ids", idsOf(group)))
			return
		}
	}

	var orgRes organizer.Result
	topicID := job.TopicID
	if topicID == 0 && engine != nil {
		orgRes = engine.OrganizeMessage(ctx, group[0])
		topicID = orgRes.TopicID
		if orgRes.TopicCreated {
			res.TopicsCreated++
		}
		if orgRes.FallbackUsed {
			res.FallbackUsed++
		}
	}

	if job.DryRun {
		log.Info("dry run: group not delivered",
			zap.Ints("ids", idsOf(group)),
			zap.Int("topic_id", topicID))
		res.Skipped += len(group)
		return
	}

	attribution := f.cfg.Forwarding.ForwardWithAttribution &&
		job.TopicID == 0 &&
		!f.cfg.AttributionDisabledFor(strconv.FormatInt(dest.ID, 10))

	delivered := make([]gateway.MessageRef, 0, len(group))
	for i, msg := range group {
		if i > 0 {
			if err := f.sleep(ctx, groupPacing); err != nil {
				res.Skipped += len(group) - i
				return
			}
		}
		ref, err := f.deliverOne(ctx, gw, origin, dest, msg, topicID, attribution, scratch)
		if err != nil {
			f.handleDeliveryError(ctx, log, lease, msg, err)
			res.Skipped += len(group) - i
			return
		}
		delivered = append(delivered, ref)
		res.MessagesForwarded++
		if msg.HasFile() {
			res.FilesForwarded++
			res.BytesForwarded += msg.File.Size
		}
		if msg.ID > res.LastMessageID {
			res.LastMessageID = msg.ID
		}
	}

	if f.dedupEnabled() && groupHasFiles(group) {
		if err := f.dedup.RecordForwarded(ctx, scratch, group, topicID, gw, f.now()); err != nil {
			log.Warn("dedup record failed", zap.Ints("ids", idsOf(group)), zap.Error(err))
		}
	}
	if engine != nil {
		commit := orgRes
		for i := range delivered {
			if err := engine.Commit(ctx, delivered[i], commit); err != nil {
				log.Warn("organization commit failed",
					zap.Int("message_id", group[i].ID),
					zap.Error(err))
				break
			}
			if commit.TopicID != 0 {
				res.TopicAssignments++
			}
			// Создание топика учитывается единожды на группу.
			commit.TopicCreated = false
		}
	}

	f.fanOut(ctx, log, gw, origin, group)
}

// deliverOne доставляет одно сообщение: чистая пересылка либо отправка с
// заголовком атрибуции (файл при этом перезаливается из локальной копии).
func (f *Forwarder) deliverOne(ctx context.Context, gw gateway.Gateway, origin, dest gateway.Entity, msg gateway.Message, topicID int, attribution bool, scratch *dedup.Scratch) (gateway.MessageRef, error) {
	if attribution {
		header := renderAttribution(f.cfg.Attribution, origin, msg, f.cfg.Location())
		req := gateway.SendRequest{Text: header, TopicID: topicID}
		if msg.Text != "" {
			req.Text = header + "\n\n" + msg.Text
		}
		if msg.HasFile() {
			path, err := f.ensureLocal(ctx, gw, scratch, msg)
			if err != nil {
				return gateway.MessageRef{}, err
			}
			req.File = path
			req.FileName = msg.File.Name
			req.MIME = msg.File.MIME
		}
		return gw.SendMessage(ctx, dest, req)
	}

	refs, err := gw.ForwardMessages(ctx, dest, origin, []int{msg.ID}, topicID)
	if err != nil {
		return gateway.MessageRef{}, err
	}
	if len(refs) == 0 {
		return gateway.MessageRef{ChannelID: dest.ID}, nil
	}
	return refs[0], nil
}

// ensureLocal возвращает путь к локальной копии вложения, скачивая его при
// отсутствии. Копии переживают группу в пределах scratch-каталога прогона,
// так что дедупликация и атрибуция не качают файл дважды.
func (f *Forwarder) ensureLocal(ctx context.Context, gw gateway.Gateway, scratch *dedup.Scratch, msg gateway.Message) (string, error) {
	path := scratch.Path(msg)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if _, err := gw.DownloadMedia(ctx, msg, path); err != nil {
		return "", errors.Wrapf(err, "download message %d", msg.ID)
	}
	return path, nil
}

// handleDeliveryError разбирает ошибку доставки: FloodWait усыпляет конвейер
// и остужает аккаунт в пуле, отзыв сессии помечает аккаунт недействительным,
// остальное просто логируется. Группа в любом случае пропущена вызывающим.
func (f *Forwarder) handleDeliveryError(ctx context.Context, log *zap.Logger, lease *accounts.Lease, msg gateway.Message, err error) {
	if sec, ok := gateway.AsFloodWait(err); ok {
		_ = f.pool.MarkFloodWait(ctx, lease.Name(), sec)
		log.Warn("flood wait, group skipped",
			zap.Int("message_id", msg.ID),
			zap.Int("seconds", sec))
		_ = f.sleep(ctx, time.Duration(sec+1)*time.Second)
		return
	}
	switch {
	case errors.Is(err, gateway.ErrAuthInvalid):
		_ = f.pool.MarkAuthInvalid(ctx, lease.Name(), err.Error())
		log.Error("authorization lost, group skipped",
			zap.Int("message_id", msg.ID),
			zap.Error(err))
	case errors.Is(err, gateway.ErrChannelPrivate),
		errors.Is(err, gateway.ErrAdminRequired),
		errors.Is(err, gateway.ErrUserBanned),
		errors.Is(err, gateway.ErrTopicClosed),
		errors.Is(err, gateway.ErrTopicDeleted):
		log.Warn("permission error, group skipped",
			zap.Int("message_id", msg.ID),
			zap.Error(err))
	default:
		log.Error("delivery failed, group skipped",
			zap.Int("message_id", msg.ID),
			zap.Error(err))
	}
}

// fanOut дублирует уже доставленную группу во вторичное назначение.
// Алиасы "saved"/"me"/"self" рассылают группу в Избранное каждого аккаунта
// пула, каждый со своего клиента. Ошибки фан-аута прогон не валят.
func (f *Forwarder) fanOut(ctx context.Context, log *zap.Logger, gw gateway.Gateway, origin gateway.Entity, group []gateway.Message) {
	secondary := f.cfg.Forwarding.SecondaryUniqueDestination.String()
	if secondary == "" {
		return
	}
	ids := idsOf(group)

	if isSavedAlias(secondary) {
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range f.pool.Names() {
			g.Go(func() error {
				agw, err := f.provider.Gateway(name)
				if err != nil {
					log.Warn("fan-out gateway unavailable", zap.String("account", name), zap.Error(err))
					return nil
				}
				self, err := agw.Self(gctx)
				if err != nil {
					log.Warn("fan-out self resolve failed", zap.String("account", name), zap.Error(err))
					return nil
				}
				if _, err := agw.ForwardMessages(gctx, self, origin, ids, 0); err != nil {
					log.Warn("saved messages fan-out failed", zap.String("account", name), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
		return
	}

	dest, err := gw.ResolveEntity(ctx, secondary)
	if err != nil {
		log.Warn("secondary destination resolve failed", zap.String("ref", secondary), zap.Error(err))
		return
	}
	if _, err := gw.ForwardMessages(ctx, dest, origin, ids, 0); err != nil {
		log.Warn("secondary fan-out failed", zap.Int64("dest", dest.ID), zap.Error(err))
	}
}

func isSavedAlias(ref string) bool {
	switch strings.ToLower(ref) {
	case "saved", "me", "self":
		return true
	}
	return false
}

func groupHasFiles(group []gateway.Message) bool {
	for _, m := range group {
		if m.HasFile() {
			return true
		}
	}
	return false
}

func idsOf(group []gateway.Message) []int {
	ids := make([]int, len(group))
	for i, m := range group {
		ids[i] = m.ID
	}
	return ids
}
