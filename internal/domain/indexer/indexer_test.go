package indexer_test

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"spectra/internal/domain/accounts"
	"spectra/internal/domain/gateway"
	"spectra/internal/domain/indexer"
	"spectra/internal/infra/store"
)

// fakeGateway отдаёт фиксированный список диалогов; остальные методы
// шлюза в индексации не участвуют.
type fakeGateway struct {
	gateway.Gateway
	dialogs []gateway.Entity
	err     error
}

func (f *fakeGateway) ListDialogs(context.Context) ([]gateway.Entity, error) {
	return f.dialogs, f.err
}

// fakeProvider раздаёт шлюзы по имени аккаунта.
type fakeProvider struct {
	gateways map[string]*fakeGateway
}

func (f *fakeProvider) Gateway(account string) (gateway.Gateway, error) {
	gw, ok := f.gateways[account]
	if !ok {
		return nil, errors.Errorf("no gateway for %q", account)
	}
	return gw, nil
}

func channel(id int64, title string) gateway.Entity {
	return gateway.Entity{ID: id, Kind: gateway.KindChannel, Title: title}
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestUpdateAccessWritesChannelMap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	pool := accounts.NewPool(nil, accounts.WithNow(func() time.Time { return now }))
	for _, name := range []string{"alpha", "bravo"} {
		if err := pool.Register(name, "+100"); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}

	provider := &fakeProvider{gateways: map[string]*fakeGateway{
		"alpha": {dialogs: []gateway.Entity{
			channel(101, "news"),
			channel(102, "files"),
			{ID: 7, Kind: gateway.KindUser, Title: "someone"}, // не канал — мимо
		}},
		"bravo": {dialogs: []gateway.Entity{
			channel(102, "files"),
			channel(103, "backups"),
		}},
	}}

	ix := indexer.New(pool, provider, st, indexer.WithNow(func() time.Time { return now }))
	sum, err := ix.UpdateAccess(ctx)
	if err != nil {
		t.Fatalf("UpdateAccess() error = %v", err)
	}
	if sum.Scanned != 2 || sum.Skipped != 0 || sum.Channels != 4 || sum.Failed != 0 {
		t.Fatalf("Summary = %+v, want 2 scanned / 4 channels", sum)
	}

	names, err := st.AccountsForChannel(ctx, 102)
	if err != nil {
		t.Fatalf("AccountsForChannel() error = %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "alpha" || names[1] != "bravo" {
		t.Fatalf("AccountsForChannel(102) = %v, want [alpha bravo]", names)
	}

	rows, err := st.EnumerateChannelAccess(ctx)
	if err != nil {
		t.Fatalf("EnumerateChannelAccess() error = %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want 4", len(rows))
	}
}

func TestUpdateAccessIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)

	pool := accounts.NewPool(nil)
	if err := pool.Register("alpha", "+100"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	provider := &fakeProvider{gateways: map[string]*fakeGateway{
		"alpha": {dialogs: []gateway.Entity{channel(101, "news")}},
	}}

	ix := indexer.New(pool, provider, st)
	for i := 0; i < 3; i++ {
		if _, err := ix.UpdateAccess(ctx); err != nil {
			t.Fatalf("UpdateAccess() #%d error = %v", i, err)
		}
	}
	rows, err := st.EnumerateChannelAccess(ctx)
	if err != nil {
		t.Fatalf("EnumerateChannelAccess() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1: прогон идемпотентен", len(rows))
	}
}

func TestUpdateAccessSkipsUnhealthyAccounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	pool := accounts.NewPool(nil, accounts.WithNow(func() time.Time { return now }))
	for _, name := range []string{"alpha", "banned", "cooling"} {
		if err := pool.Register(name, "+100"); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	if err := pool.MarkBanned(ctx, "banned", "USER_DEACTIVATED"); err != nil {
		t.Fatalf("MarkBanned() error = %v", err)
	}
	if err := pool.MarkFloodWait(ctx, "cooling", 3600); err != nil {
		t.Fatalf("MarkFloodWait() error = %v", err)
	}

	provider := &fakeProvider{gateways: map[string]*fakeGateway{
		"alpha": {dialogs: []gateway.Entity{channel(101, "news")}},
	}}

	ix := indexer.New(pool, provider, st, indexer.WithNow(func() time.Time { return now }))
	sum, err := ix.UpdateAccess(ctx)
	if err != nil {
		t.Fatalf("UpdateAccess() error = %v", err)
	}
	if sum.Scanned != 1 || sum.Skipped != 2 {
		t.Fatalf("Summary = %+v, want scanned 1 / skipped 2", sum)
	}
}

func TestUpdateAccessToleratesSingleFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)

	pool := accounts.NewPool(nil)
	for _, name := range []string{"alpha", "flaky"} {
		if err := pool.Register(name, "+100"); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	provider := &fakeProvider{gateways: map[string]*fakeGateway{
		"alpha": {dialogs: []gateway.Entity{channel(101, "news")}},
		"flaky": {err: errors.New("AUTH_KEY_UNREGISTERED")},
	}}

	ix := indexer.New(pool, provider, st)
	sum, err := ix.UpdateAccess(ctx)
	if err != nil {
		t.Fatalf("UpdateAccess() error = %v: одиночный сбой не должен валить прогон", err)
	}
	if sum.Failed != 1 || sum.Channels != 1 {
		t.Fatalf("Summary = %+v, want failed 1 / channels 1", sum)
	}
}

func TestUpdateAccessFailsWhenAllAccountsFail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := newStore(t)

	pool := accounts.NewPool(nil)
	if err := pool.Register("flaky", "+100"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	provider := &fakeProvider{gateways: map[string]*fakeGateway{
		"flaky": {err: errors.New("network unreachable")},
	}}

	ix := indexer.New(pool, provider, st)
	if _, err := ix.UpdateAccess(ctx); err == nil {
		t.Fatal("UpdateAccess() error = nil, want error когда ни один аккаунт не опросился")
	}
}
