package organizer_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"spectra/internal/domain/classify"
	"spectra/internal/domain/gateway"
	"spectra/internal/domain/organizer"
	"spectra/internal/domain/topics"
	"spectra/internal/infra/store"
)

// fakeResolver — управляемый менеджер топиков: ответы задаются полями.
type fakeResolver struct {
	createRes   topics.Resolution
	createErr   error
	lookupRes   topics.Resolution
	lookupOK    bool
	lookupErr   error
	generalRes  topics.Resolution
	generalErr  error
	createCalls int
	lookupCalls int
}

func (f *fakeResolver) GetOrCreateTopic(context.Context, gateway.Message, classify.Result) (topics.Resolution, error) {
	f.createCalls++
	return f.createRes, f.createErr
}

func (f *fakeResolver) LookupTopic(context.Context, gateway.Message, classify.Result) (topics.Resolution, bool, error) {
	f.lookupCalls++
	return f.lookupRes, f.lookupOK, f.lookupErr
}

func (f *fakeResolver) EnsureGeneralTopic(context.Context) (topics.Resolution, error) {
	return f.generalRes, f.generalErr
}

func destChannel() gateway.Entity {
	return gateway.Entity{ID: 200600, Kind: gateway.KindChannel, Title: "vault", Forum: true}
}

func photoMsg(id int) gateway.Message {
	return gateway.Message{
		ID:        id,
		ChannelID: 1,
		Date:      time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
		Media:     &gateway.MediaInfo{Kind: gateway.MediaPhoto},
	}
}

func newEngine(resolver organizer.TopicResolver, cfg organizer.Config) *organizer.Engine {
	cfg.Enabled = true
	cfg.EnableClassification = true
	return organizer.NewEngine(destChannel(), "@origin", classify.Default(), resolver, nil, cfg, nil)
}

func TestOrganizeDisabled(t *testing.T) {
	t.Parallel()

	fake := &fakeResolver{}
	e := organizer.NewEngine(destChannel(), "", classify.Default(), fake,
		nil, organizer.Config{Enabled: false}, nil)

	res := e.OrganizeMessage(context.Background(), photoMsg(1))
	if !res.Success || res.TopicID != 0 || res.Metadata != nil {
		t.Fatalf("OrganizeMessage() = %+v, want success without topic", res)
	}
	if fake.createCalls+fake.lookupCalls != 0 {
		t.Fatal("резолвер не должен вызываться в выключенном режиме")
	}
}

func TestOrganizeAutoCreate(t *testing.T) {
	t.Parallel()

	fake := &fakeResolver{createRes: topics.Resolution{TopicID: 5, Title: "📸 Photos", Created: true}}
	e := newEngine(fake, organizer.Config{Mode: organizer.ModeAutoCreate})

	res := e.OrganizeMessage(context.Background(), photoMsg(1))
	if !res.Success || res.TopicID != 5 || !res.TopicCreated {
		t.Fatalf("OrganizeMessage() = %+v, want topic 5 created", res)
	}
	if res.Category != "photos" {
		t.Fatalf("Category = %q, want photos", res.Category)
	}
	if res.Metadata == nil || res.Metadata.ContentType != "photo" {
		t.Fatalf("Metadata = %+v, want photo metadata", res.Metadata)
	}
	if res.FallbackUsed {
		t.Fatal("FallbackUsed = true, want false")
	}
}

func TestOrganizeExistingOnlyFallsBackToGeneral(t *testing.T) {
	t.Parallel()

	fake := &fakeResolver{generalRes: topics.Resolution{TopicID: 1, Title: "General Discussion"}}
	e := newEngine(fake, organizer.Config{
		Mode:     organizer.ModeExistingOnly,
		Fallback: organizer.FallbackGeneralTopic,
	})

	res := e.OrganizeMessage(context.Background(), photoMsg(1))
	if !res.Success || res.TopicID != 1 || !res.FallbackUsed {
		t.Fatalf("OrganizeMessage() = %+v, want general topic fallback", res)
	}
	if fake.createCalls != 0 {
		t.Fatalf("createCalls = %d, want 0 в режиме existing_only", fake.createCalls)
	}
}

func TestOrganizeFallbackNoTopic(t *testing.T) {
	t.Parallel()

	fake := &fakeResolver{createErr: gateway.ErrAdminRequired}
	e := newEngine(fake, organizer.Config{
		Mode:     organizer.ModeAutoCreate,
		Fallback: organizer.FallbackNoTopic,
	})

	res := e.OrganizeMessage(context.Background(), photoMsg(1))
	if !res.Success || res.TopicID != 0 || !res.FallbackUsed {
		t.Fatalf("OrganizeMessage() = %+v, want success without topic", res)
	}
}

func TestOrganizeHybridUsesLookup(t *testing.T) {
	t.Parallel()

	fake := &fakeResolver{
		createErr: topics.ErrTopicLimit,
		lookupRes: topics.Resolution{TopicID: 9, Title: "📸 Photos"},
		lookupOK:  true,
	}
	e := newEngine(fake, organizer.Config{Mode: organizer.ModeHybrid})

	res := e.OrganizeMessage(context.Background(), photoMsg(1))
	if !res.Success || res.TopicID != 9 || res.FallbackUsed {
		t.Fatalf("OrganizeMessage() = %+v, want existing topic 9 без отката", res)
	}
	if fake.createCalls != 1 || fake.lookupCalls != 1 {
		t.Fatalf("calls = create %d, lookup %d, want 1 и 1", fake.createCalls, fake.lookupCalls)
	}
}

func TestOrganizeQueueForRetry(t *testing.T) {
	t.Parallel()

	fake := &fakeResolver{createErr: gateway.ErrAdminRequired}
	e := newEngine(fake, organizer.Config{
		Mode:     organizer.ModeAutoCreate,
		Fallback: organizer.FallbackQueueForRetry,
	})

	ctx := context.Background()
	res := e.OrganizeMessage(ctx, photoMsg(1))
	if res.Success || res.Err == nil {
		t.Fatalf("OrganizeMessage() = %+v, want failure с ошибкой", res)
	}
	if !errors.Is(res.Err, gateway.ErrAdminRequired) {
		t.Fatalf("Err = %v, want ErrAdminRequired", res.Err)
	}
	if e.RetryQueueLen() != 1 {
		t.Fatalf("RetryQueueLen() = %d, want 1", e.RetryQueueLen())
	}

	// Права выдали: повторная обработка очереди разруливает сообщение.
	fake.createErr = nil
	fake.createRes = topics.Resolution{TopicID: 7, Title: "📸 Photos", Created: true}
	organized, failed := e.ProcessRetryQueue(ctx)
	if organized != 1 || failed != 0 {
		t.Fatalf("ProcessRetryQueue() = %d, %d, want 1, 0", organized, failed)
	}
	if e.RetryQueueLen() != 0 {
		t.Fatalf("RetryQueueLen() = %d, want 0 после дренажа", e.RetryQueueLen())
	}
}

func TestRetryQueueRequeuesFailures(t *testing.T) {
	t.Parallel()

	fake := &fakeResolver{createErr: gateway.ErrAdminRequired}
	e := newEngine(fake, organizer.Config{
		Mode:     organizer.ModeAutoCreate,
		Fallback: organizer.FallbackQueueForRetry,
	})

	ctx := context.Background()
	e.OrganizeMessage(ctx, photoMsg(1))
	organized, failed := e.ProcessRetryQueue(ctx)
	if organized != 0 || failed != 1 {
		t.Fatalf("ProcessRetryQueue() = %d, %d, want 0, 1", organized, failed)
	}
	if e.RetryQueueLen() != 1 {
		t.Fatalf("RetryQueueLen() = %d, want 1: queue_for_retry возвращает неудачи", e.RetryQueueLen())
	}
}

func TestRetryQueueBounded(t *testing.T) {
	t.Parallel()

	fake := &fakeResolver{createErr: gateway.ErrAdminRequired}
	e := newEngine(fake, organizer.Config{
		Mode:       organizer.ModeAutoCreate,
		Fallback:   organizer.FallbackQueueForRetry,
		RetryLimit: 3,
	})

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		e.OrganizeMessage(ctx, photoMsg(i))
	}
	if e.RetryQueueLen() != 3 {
		t.Fatalf("RetryQueueLen() = %d, want 3", e.RetryQueueLen())
	}
	if e.DroppedRetries() != 2 {
		t.Fatalf("DroppedRetries() = %d, want 2", e.DroppedRetries())
	}
}

func TestOrganizeClassificationDisabled(t *testing.T) {
	t.Parallel()

	fake := &fakeResolver{createRes: topics.Resolution{TopicID: 3, Title: "General Discussion"}}
	e := organizer.NewEngine(destChannel(), "", classify.Default(), fake, nil,
		organizer.Config{Enabled: true, Mode: organizer.ModeAutoCreate, EnableClassification: false}, nil)

	res := e.OrganizeMessage(context.Background(), photoMsg(1))
	if !res.Success || res.Metadata != nil || res.Category != "" {
		t.Fatalf("OrganizeMessage() = %+v, want success без метаданных", res)
	}
}

func TestCommitRecordsState(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open() = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dest := destChannel()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	if err := st.UpsertTopic(ctx, store.TopicRow{
		ChannelID: dest.ID, TopicID: 5, Title: "📸 Photos", Category: "photos",
		CreatedAt: now, Active: true,
	}); err != nil {
		t.Fatalf("UpsertTopic() = %v", err)
	}

	fake := &fakeResolver{createRes: topics.Resolution{TopicID: 5, Title: "📸 Photos", Created: true}}
	e := organizer.NewEngine(dest, "@origin", classify.Default(), fake, st,
		organizer.Config{
			Enabled:              true,
			Mode:                 organizer.ModeAutoCreate,
			TopicStrategy:        "content_type",
			EnableClassification: true,
			EnableStats:          true,
		},
		nil,
		organizer.WithNow(func() time.Time { return now }),
	)

	res := e.OrganizeMessage(ctx, photoMsg(11))
	if !res.Success || res.TopicID != 5 {
		t.Fatalf("OrganizeMessage() = %+v", res)
	}
	if err := e.Commit(ctx, gateway.MessageRef{ChannelID: dest.ID, ID: 900}, res); err != nil {
		t.Fatalf("Commit() = %v", err)
	}

	rows, err := st.ListTopics(ctx, dest.ID, true)
	if err != nil {
		t.Fatalf("ListTopics() = %v", err)
	}
	if len(rows) != 1 || rows[0].MessageCount != 1 {
		t.Fatalf("topic rows = %+v, want message_count 1", rows)
	}

	day := now.Format("2006-01-02")
	stats, err := st.StatsRange(ctx, dest.ID, day, day)
	if err != nil {
		t.Fatalf("StatsRange() = %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats rows = %d, want 1", len(stats))
	}
	got := stats[0]
	if got.Processed != 1 || got.Successful != 1 || got.TopicsCreated != 1 {
		t.Fatalf("stats = %+v, want processed/successful/topics_created = 1", got)
	}
	if got.Categories["photos"] != 1 {
		t.Fatalf("Categories = %v, want photos:1", got.Categories)
	}
}

func TestConfigFromStore(t *testing.T) {
	t.Parallel()

	if _, ok := organizer.ConfigFromStore(nil); ok {
		t.Fatal("ConfigFromStore(nil) = ok, want false")
	}

	cfg, ok := organizer.ConfigFromStore(&store.OrgConfig{
		ChannelID:            1,
		Mode:                 organizer.ModeHybrid,
		TopicStrategy:        "date_based",
		FallbackStrategy:     organizer.FallbackNoTopic,
		EnableClassification: true,
		ConfidenceThreshold:  0.5,
		EnableStats:          true,
	})
	if !ok || !cfg.Enabled {
		t.Fatalf("ConfigFromStore() = %+v, %v, want enabled config", cfg, ok)
	}
	if cfg.Mode != organizer.ModeHybrid || cfg.TopicStrategy != "date_based" || cfg.Fallback != organizer.FallbackNoTopic {
		t.Fatalf("ConfigFromStore() = %+v, поля не совпали", cfg)
	}
}
