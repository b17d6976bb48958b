package queue_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"spectra/internal/domain/accounts"
	"spectra/internal/domain/dedup"
	"spectra/internal/domain/gateway"
	"spectra/internal/domain/queue"
	"spectra/internal/infra/store"
)

// fakeGateway знает фиксированный набор сущностей и сообщений; пересылки
// записывает для проверок.
type fakeGateway struct {
	gateway.Gateway
	entities   map[string]gateway.Entity
	messages   map[int]gateway.Message
	forwarded  []int
	forwardErr error
}

func (f *fakeGateway) ResolveEntity(_ context.Context, ref string) (gateway.Entity, error) {
	e, ok := f.entities[ref]
	if !ok {
		return gateway.Entity{}, gateway.ErrEntityResolveFailed
	}
	return e, nil
}

func (f *fakeGateway) GetMessages(_ context.Context, _ gateway.Entity, ids []int) ([]gateway.Message, error) {
	out := make([]gateway.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := f.messages[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeGateway) ForwardMessages(_ context.Context, _ gateway.Entity, _ gateway.Entity, ids []int, _ int) ([]gateway.MessageRef, error) {
	if f.forwardErr != nil {
		return nil, f.forwardErr
	}
	refs := make([]gateway.MessageRef, 0, len(ids))
	for _, id := range ids {
		f.forwarded = append(f.forwarded, id)
		refs = append(refs, gateway.MessageRef{ChannelID: 900, ID: 5000 + id})
	}
	return refs, nil
}

func (f *fakeGateway) DownloadMedia(_ context.Context, msg gateway.Message, toPath string) (int64, error) {
	data := []byte(fmt.Sprintf("payload-%d-%d", msg.ChannelID, msg.ID))
	if err := os.WriteFile(toPath, data, 0o644); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

type fakeProvider struct {
	gw *fakeGateway
}

func (f *fakeProvider) Gateway(string) (gateway.Gateway, error) { return f.gw, nil }

type fixture struct {
	st   *store.Store
	pool *accounts.Pool
	gw   *fakeGateway
	dd   *dedup.Deduplicator
	w    *queue.Worker
}

func newFixture(t *testing.T, opts ...queue.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pool := accounts.NewPool(nil)
	if err := pool.Register("alpha", "+100"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	gw := &fakeGateway{
		entities: map[string]gateway.Entity{
			"77":   {ID: 77, Kind: gateway.KindChannel, Title: "origin"},
			"@dst": {ID: 900, Kind: gateway.KindChannel, Title: "dest"},
		},
		messages: map[int]gateway.Message{},
	}

	dd := dedup.New(st)
	if err := dd.Warm(ctx); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}

	w := queue.NewWorker(st, pool, &fakeProvider{gw: gw}, dd, t.TempDir(), opts...)
	return &fixture{st: st, pool: pool, gw: gw, dd: dd, w: w}
}

func (fx *fixture) addMessage(id int, payloadSize int64) {
	fx.gw.messages[id] = gateway.Message{
		ID:        id,
		ChannelID: 77,
		File:      &gateway.FileInfo{Name: fmt.Sprintf("f%d.bin", id), Size: payloadSize},
	}
}

func (fx *fixture) enqueue(t *testing.T, msgID int, dest string, scheduleID int64) int64 {
	t.Helper()
	id, err := fx.st.EnqueueFile(context.Background(), store.QueueItem{
		ScheduleID:    scheduleID,
		OriginChannel: 77,
		MessageID:     msgID,
		Destination:   dest,
		EnqueuedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("EnqueueFile() error = %v", err)
	}
	return id
}

func TestDrainForwardsAndMarksSuccess(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	fx.addMessage(1, 10)
	fx.addMessage(2, 10)
	fx.enqueue(t, 1, "@dst", 0)
	fx.enqueue(t, 2, "@dst", 0)

	sum, err := fx.w.DrainOnce(ctx, 10)
	if err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	if sum.Forwarded != 2 || sum.Failed != 0 {
		t.Fatalf("Summary = %+v, want 2 forwarded", sum)
	}
	if len(fx.gw.forwarded) != 2 || fx.gw.forwarded[0] != 1 || fx.gw.forwarded[1] != 2 {
		t.Fatalf("forwarded = %v, want [1 2] (FIFO)", fx.gw.forwarded)
	}

	counts, err := fx.st.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("QueueCounts() error = %v", err)
	}
	if counts[store.QueueSuccess] != 2 || counts[store.QueuePending] != 0 {
		t.Fatalf("QueueCounts() = %#v", counts)
	}
}

func TestDrainResolvesDestinationFromSchedule(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	scheduleID, err := fx.st.AddSchedule(ctx, store.ScheduleEntry{
		Name: "files", Kind: "file_forward", CronExpr: "0 * * * *",
		ParamsJSON: `{"source":"77","destination":"@dst"}`, Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddSchedule() error = %v", err)
	}
	fx.addMessage(3, 10)
	fx.enqueue(t, 3, "", scheduleID) // получатель не задан в строке

	sum, err := fx.w.DrainOnce(ctx, 10)
	if err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	if sum.Forwarded != 1 {
		t.Fatalf("Summary = %+v, want 1 forwarded через расписание", sum)
	}
}

func TestDrainSkipsDuplicates(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	fx.addMessage(4, 10)

	// Первая доставка записывает хэш, вторая распознаётся дубликатом.
	fx.enqueue(t, 4, "@dst", 0)
	if _, err := fx.w.DrainOnce(ctx, 10); err != nil {
		t.Fatalf("DrainOnce() #1 error = %v", err)
	}
	fx.enqueue(t, 4, "@dst", 0)
	sum, err := fx.w.DrainOnce(ctx, 10)
	if err != nil {
		t.Fatalf("DrainOnce() #2 error = %v", err)
	}
	if sum.Duplicates != 1 || sum.Forwarded != 0 {
		t.Fatalf("Summary = %+v, want 1 duplicate", sum)
	}
	if len(fx.gw.forwarded) != 1 {
		t.Fatalf("forwarded = %v, want ровно одну реальную пересылку", fx.gw.forwarded)
	}
}

func TestDrainMarksFailureWithReason(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	fx.addMessage(5, 10)
	fx.enqueue(t, 5, "@dst", 0)
	fx.gw.forwardErr = gateway.ErrAdminRequired

	sum, err := fx.w.DrainOnce(ctx, 10)
	if err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("Summary = %+v, want 1 failed", sum)
	}
	rows, err := fx.st.ListQueue(ctx, "error", 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("ListQueue(error) = (%v, %v)", rows, err)
	}
	reason, ok := store.IsQueueError(rows[0].Status)
	if !ok || reason == "" {
		t.Fatalf("status = %q, want error:<причина>", rows[0].Status)
	}
}

func TestDrainRequeuesOnFloodWait(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	fx.addMessage(6, 10)
	fx.addMessage(7, 10)
	fx.enqueue(t, 6, "@dst", 0)
	fx.enqueue(t, 7, "@dst", 0)
	fx.gw.forwardErr = &gateway.FloodWaitError{Seconds: 120}

	sum, err := fx.w.DrainOnce(ctx, 10)
	if err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	if sum.Requeued != 2 || sum.Failed != 0 {
		t.Fatalf("Summary = %+v, want всё реквьюнуто без failed", sum)
	}

	counts, err := fx.st.QueueCounts(ctx)
	if err != nil {
		t.Fatalf("QueueCounts() error = %v", err)
	}
	if counts[store.QueuePending] != 2 {
		t.Fatalf("QueueCounts() = %#v, want 2 pending", counts)
	}

	stats := fx.pool.Stats()
	if len(stats) != 1 || stats[0].Status != accounts.StatusFloodWait {
		t.Fatalf("pool stats = %+v, want flood_wait", stats)
	}
}

func TestDrainFailsItemWithoutDestination(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	fx.addMessage(8, 10)
	fx.enqueue(t, 8, "", 0) // ни получателя, ни расписания

	sum, err := fx.w.DrainOnce(ctx, 10)
	if err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("Summary = %+v, want 1 failed", sum)
	}
	rows, err := fx.st.ListQueue(ctx, "error", 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("ListQueue(error) = (%v, %v)", rows, err)
	}
	reason, ok := store.IsQueueError(rows[0].Status)
	if !ok || !strings.Contains(reason, "destination") {
		t.Fatalf("status = %q, want причину об отсутствии получателя", rows[0].Status)
	}
}

func TestDrainEmptyQueueIsNoop(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	sum, err := fx.w.DrainOnce(context.Background(), 10)
	if err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	if sum.Processed != 0 {
		t.Fatalf("Summary = %+v, want пустой прогон", sum)
	}
}
