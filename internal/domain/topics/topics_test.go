package topics_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"spectra/internal/domain/classify"
	"spectra/internal/domain/gateway"
	"spectra/internal/domain/topics"
	"spectra/internal/infra/store"
)

// fakeForum — шлюз форума в памяти: список топиков и очередь ошибок создания.
type fakeForum struct {
	mu         sync.Mutex
	topics     []gateway.Topic
	nextID     int
	listCalls  int
	createErrs []error
	created    []gateway.TopicRequest
	racerID    int // при ErrTopicExists топик «создаёт» другой аккаунт с этим id
}

func (f *fakeForum) ListForumTopics(_ context.Context, _ gateway.Entity, _ gateway.TopicCursor) ([]gateway.Topic, gateway.TopicCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]gateway.Topic, len(f.topics))
	copy(out, f.topics)
	return out, gateway.TopicCursor{}, nil
}

func (f *fakeForum) CreateForumTopic(_ context.Context, _ gateway.Entity, req gateway.TopicRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			if errors.Is(err, gateway.ErrTopicExists) && f.racerID != 0 {
				f.topics = append(f.topics, gateway.Topic{ID: f.racerID, Title: req.Title})
			}
			return 0, err
		}
	}
	f.nextID++
	t := gateway.Topic{ID: f.nextID, Title: req.Title, IconColor: req.IconColor, Date: time.Now()}
	f.topics = append(f.topics, t)
	return t.ID, nil
}

// sleepRec записывает запрошенные паузы вместо настоящего сна.
type sleepRec struct {
	mu sync.Mutex
	ds []time.Duration
}

func (s *sleepRec) fn(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ds = append(s.ds, d)
	return nil
}

func testChannel() gateway.Entity {
	return gateway.Entity{ID: 100500, Kind: gateway.KindChannel, Title: "archive", Forum: true}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open() = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestResolveExistingTopic(t *testing.T) {
	t.Parallel()

	fake := &fakeForum{topics: []gateway.Topic{{ID: 7, Title: "📸 Photos"}}}
	m := topics.NewManager(testChannel(), fake, nil, topics.Config{}, nil)

	res, err := m.GetOrCreateTopic(context.Background(), gateway.Message{ID: 1}, classify.Result{Category: "photos"})
	if err != nil {
		t.Fatalf("GetOrCreateTopic() = %v", err)
	}
	if res.TopicID != 7 || res.Created {
		t.Fatalf("GetOrCreateTopic() = %+v, want TopicID 7, Created false", res)
	}
	if len(fake.created) != 0 {
		t.Fatalf("created %d topics, want 0", len(fake.created))
	}
}

func TestResolveCachesLookups(t *testing.T) {
	t.Parallel()

	fake := &fakeForum{topics: []gateway.Topic{{ID: 7, Title: "📸 Photos"}}}
	m := topics.NewManager(testChannel(), fake, nil, topics.Config{}, nil)

	ctx := context.Background()
	meta := classify.Result{Category: "photos"}
	if _, err := m.GetOrCreateTopic(ctx, gateway.Message{ID: 1}, meta); err != nil {
		t.Fatalf("first GetOrCreateTopic() = %v", err)
	}
	if _, err := m.GetOrCreateTopic(ctx, gateway.Message{ID: 2}, meta); err != nil {
		t.Fatalf("second GetOrCreateTopic() = %v", err)
	}
	if fake.listCalls != 1 {
		t.Fatalf("listCalls = %d, want 1 (второй запрос из кэша)", fake.listCalls)
	}
}

func TestCreateWhenMissing(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	fake := &fakeForum{}
	ch := testChannel()
	m := topics.NewManager(ch, fake, st, topics.Config{}, nil)

	ctx := context.Background()
	res, err := m.GetOrCreateTopic(ctx, gateway.Message{ID: 1}, classify.Result{Category: "videos"})
	if err != nil {
		t.Fatalf("GetOrCreateTopic() = %v", err)
	}
	if !res.Created || res.Title != "🎬 Videos" {
		t.Fatalf("GetOrCreateTopic() = %+v, want Created true, Title %q", res, "🎬 Videos")
	}
	if len(fake.created) != 1 || fake.created[0].IconColor != topics.ColorRed {
		t.Fatalf("create request = %+v, want icon %#x", fake.created, topics.ColorRed)
	}

	rows, err := st.ListTopics(ctx, ch.ID, false)
	if err != nil {
		t.Fatalf("ListTopics() = %v", err)
	}
	if len(rows) != 1 || rows[0].Category != "videos" || rows[0].TopicID != res.TopicID {
		t.Fatalf("registry rows = %+v, want one videos row with id %d", rows, res.TopicID)
	}
}

func TestCreateCooldownPause(t *testing.T) {
	t.Parallel()

	fake := &fakeForum{}
	rec := &sleepRec{}
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	m := topics.NewManager(testChannel(), fake, nil,
		topics.Config{CreateCooldown: 10 * time.Second},
		nil,
		topics.WithNow(func() time.Time { return now }),
		topics.WithSleep(rec.fn),
	)

	ctx := context.Background()
	if _, err := m.GetOrCreateTopic(ctx, gateway.Message{}, classify.Result{Category: "photos"}); err != nil {
		t.Fatalf("first create = %v", err)
	}
	if len(rec.ds) != 0 {
		t.Fatalf("sleeps after first create = %v, want none", rec.ds)
	}
	if _, err := m.GetOrCreateTopic(ctx, gateway.Message{}, classify.Result{Category: "videos"}); err != nil {
		t.Fatalf("second create = %v", err)
	}
	if len(rec.ds) != 1 || rec.ds[0] != 10*time.Second {
		t.Fatalf("sleeps = %v, want [10s]", rec.ds)
	}
}

func TestCreateFloodWaitRetry(t *testing.T) {
	t.Parallel()

	fake := &fakeForum{createErrs: []error{&gateway.FloodWaitError{Seconds: 3}}}
	rec := &sleepRec{}
	m := topics.NewManager(testChannel(), fake, nil, topics.Config{}, nil, topics.WithSleep(rec.fn))

	res, err := m.GetOrCreateTopic(context.Background(), gateway.Message{}, classify.Result{Category: "photos"})
	if err != nil {
		t.Fatalf("GetOrCreateTopic() = %v, want retry success", err)
	}
	if !res.Created {
		t.Fatalf("GetOrCreateTopic() = %+v, want Created true", res)
	}
	if len(rec.ds) != 1 || rec.ds[0] != 4*time.Second {
		t.Fatalf("sleeps = %v, want [4s] (flood+1)", rec.ds)
	}
	if len(fake.created) != 2 {
		t.Fatalf("create calls = %d, want 2", len(fake.created))
	}
}

func TestCreateFloodWaitTwiceFails(t *testing.T) {
	t.Parallel()

	fake := &fakeForum{createErrs: []error{
		&gateway.FloodWaitError{Seconds: 3},
		&gateway.FloodWaitError{Seconds: 60},
	}}
	rec := &sleepRec{}
	m := topics.NewManager(testChannel(), fake, nil, topics.Config{}, nil, topics.WithSleep(rec.fn))

	_, err := m.GetOrCreateTopic(context.Background(), gateway.Message{}, classify.Result{Category: "photos"})
	if err == nil {
		t.Fatal("GetOrCreateTopic() = nil, want error after second flood wait")
	}
	if sec, ok := gateway.AsFloodWait(err); !ok || sec != 60 {
		t.Fatalf("AsFloodWait(%v) = %d, %v, want 60, true", err, sec, ok)
	}
}

func TestCreateRaceFindsExisting(t *testing.T) {
	t.Parallel()

	fake := &fakeForum{createErrs: []error{gateway.ErrTopicExists}, racerID: 42}
	m := topics.NewManager(testChannel(), fake, nil, topics.Config{}, nil)

	res, err := m.GetOrCreateTopic(context.Background(), gateway.Message{}, classify.Result{Category: "photos"})
	if err != nil {
		t.Fatalf("GetOrCreateTopic() = %v", err)
	}
	if res.TopicID != 42 || res.Created {
		t.Fatalf("GetOrCreateTopic() = %+v, want TopicID 42 от соседнего аккаунта", res)
	}
}

func TestTopicLimit(t *testing.T) {
	t.Parallel()

	fake := &fakeForum{topics: []gateway.Topic{{ID: 1, Title: "💬 General"}}}
	m := topics.NewManager(testChannel(), fake, nil, topics.Config{MaxTopics: 1}, nil)

	_, err := m.GetOrCreateTopic(context.Background(), gateway.Message{}, classify.Result{Category: "photos"})
	if !errors.Is(err, topics.ErrTopicLimit) {
		t.Fatalf("GetOrCreateTopic() = %v, want ErrTopicLimit", err)
	}
	if len(fake.created) != 0 {
		t.Fatalf("create calls = %d, want 0", len(fake.created))
	}
}

func TestEnsureGeneralTopic(t *testing.T) {
	t.Parallel()

	fake := &fakeForum{}
	m := topics.NewManager(testChannel(), fake, nil, topics.Config{}, nil)

	res, err := m.EnsureGeneralTopic(context.Background())
	if err != nil {
		t.Fatalf("EnsureGeneralTopic() = %v", err)
	}
	if !res.Created || res.Title != topics.DefaultGeneralTitle {
		t.Fatalf("EnsureGeneralTopic() = %+v, want created %q", res, topics.DefaultGeneralTitle)
	}

	again, err := m.EnsureGeneralTopic(context.Background())
	if err != nil {
		t.Fatalf("repeat EnsureGeneralTopic() = %v", err)
	}
	if again.Created || again.TopicID != res.TopicID {
		t.Fatalf("repeat EnsureGeneralTopic() = %+v, want существующий %d", again, res.TopicID)
	}
}

func TestCleanupEmptyTopics(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	ch := testChannel()
	ctx := context.Background()
	now := time.Now().UTC()

	seed := []store.TopicRow{
		{ChannelID: ch.ID, TopicID: 2, Title: "📸 Photos", MessageCount: 0, CreatedAt: now.Add(-48 * time.Hour), Active: true},
		{ChannelID: ch.ID, TopicID: 3, Title: "🎬 Videos", MessageCount: 5, CreatedAt: now.Add(-48 * time.Hour), Active: true},
		{ChannelID: ch.ID, TopicID: 4, Title: "📦 Archives", MessageCount: 0, CreatedAt: now.Add(-time.Hour), Active: true},
	}
	for _, row := range seed {
		if err := st.UpsertTopic(ctx, row); err != nil {
			t.Fatalf("UpsertTopic(%d) = %v", row.TopicID, err)
		}
	}

	m := topics.NewManager(ch, &fakeForum{}, st, topics.Config{}, nil)
	cleaned, err := m.CleanupEmptyTopics(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupEmptyTopics() = %v", err)
	}
	if cleaned != 1 {
		t.Fatalf("CleanupEmptyTopics() = %d, want 1", cleaned)
	}

	rows, err := st.ListTopics(ctx, ch.ID, true)
	if err != nil {
		t.Fatalf("ListTopics() = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("active rows = %d, want 2", len(rows))
	}
	for _, row := range rows {
		if row.TopicID == 2 {
			t.Fatalf("топик 2 остался активным: %+v", row)
		}
	}
}

func TestNamingStrategies(t *testing.T) {
	t.Parallel()

	date := time.Date(2026, 3, 7, 15, 4, 5, 0, time.UTC)
	cases := []struct {
		name string
		cfg  topics.Config
		msg  gateway.Message
		meta classify.Result
		want string
	}{
		{
			name: "content type known",
			cfg:  topics.Config{Strategy: topics.StrategyContentType},
			meta: classify.Result{Category: "archives"},
			want: "📦 Archives",
		},
		{
			name: "content type custom category",
			cfg:  topics.Config{Strategy: topics.StrategyContentType},
			meta: classify.Result{Category: "research"},
			want: "📁 Research",
		},
		{
			name: "date daily",
			cfg:  topics.Config{Strategy: topics.StrategyDateBased},
			msg:  gateway.Message{Date: date},
			want: "2026-03-07 - Daily Archive",
		},
		{
			name: "date weekly",
			cfg:  topics.Config{Strategy: topics.StrategyDateBased, DatePattern: "weekly"},
			msg:  gateway.Message{Date: date},
			want: "2026-W10 - Weekly Archive",
		},
		{
			name: "date monthly",
			cfg:  topics.Config{Strategy: topics.StrategyDateBased, DatePattern: "monthly"},
			msg:  gateway.Message{Date: date},
			want: "March 2026 - Monthly Archive",
		},
		{
			name: "file extension",
			cfg:  topics.Config{Strategy: topics.StrategyFileExtension},
			meta: classify.Result{FileExt: ".tar.gz"},
			want: "📎 TAR.GZ Files",
		},
		{
			name: "file extension missing",
			cfg:  topics.Config{Strategy: topics.StrategyFileExtension},
			meta: classify.Result{},
			want: topics.DefaultGeneralTitle,
		},
		{
			name: "source channel",
			cfg:  topics.Config{Strategy: topics.StrategySourceChannel},
			meta: classify.Result{Extra: map[string]string{"source": "@nightlydrops"}},
			want: "📡 nightlydrops",
		},
		{
			name: "custom rule match",
			cfg: topics.Config{
				Strategy:    topics.StrategyCustomRules,
				CustomRules: []topics.TitleRule{{Category: "archives", Title: "🗜 Warez", IconColor: topics.ColorRed}},
			},
			meta: classify.Result{Category: "archives"},
			want: "🗜 Warez",
		},
		{
			name: "custom rule fallback",
			cfg: topics.Config{
				Strategy:    topics.StrategyCustomRules,
				CustomRules: []topics.TitleRule{{Category: "archives", Title: "🗜 Warez"}},
			},
			meta: classify.Result{Category: "photos"},
			want: topics.DefaultGeneralTitle,
		},
		{
			name: "hybrid known category",
			cfg:  topics.Config{Strategy: topics.StrategyHybrid},
			msg:  gateway.Message{Date: date},
			meta: classify.Result{Category: "photos"},
			want: "📸 Photos",
		},
		{
			name: "hybrid falls back to date",
			cfg:  topics.Config{Strategy: topics.StrategyHybrid},
			msg:  gateway.Message{Date: date},
			meta: classify.Result{Category: "research"},
			want: "2026-03-07 - Daily Archive",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fake := &fakeForum{}
			m := topics.NewManager(testChannel(), fake, nil, tc.cfg, nil)
			res, err := m.GetOrCreateTopic(context.Background(), tc.msg, tc.meta)
			if err != nil {
				t.Fatalf("GetOrCreateTopic() = %v", err)
			}
			if res.Title != tc.want {
				t.Fatalf("Title = %q, want %q", res.Title, tc.want)
			}
		})
	}
}
