package accounts_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"spectra/internal/domain/accounts"
)

func newPool(t *testing.T, now *time.Time, names ...string) *accounts.Pool {
	t.Helper()
	p := accounts.NewPool(nil, accounts.WithNow(func() time.Time { return *now }))
	for _, n := range names {
		if err := p.Register(n, "+7900"); err != nil {
			t.Fatalf("Register(%s) error = %v", n, err)
		}
	}
	return p
}

func TestSelectEmptyPool(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newPool(t, &now)
	if _, err := p.Select(context.Background(), ""); !errors.Is(err, accounts.ErrNoAccounts) {
		t.Fatalf("Select() error = %v, want ErrNoAccounts", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newPool(t, &now, "main")
	if err := p.Register("main", ""); err == nil {
		t.Fatalf("Register(duplicate) error = nil, want error")
	}
}

func TestRoundRobinRotation(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newPool(t, &now, "a", "b", "c")
	ctx := context.Background()

	var got []string
	for i := 0; i < 4; i++ {
		lease, err := p.Select(ctx, "")
		if err != nil {
			t.Fatalf("Select() #%d error = %v", i, err)
		}
		got = append(got, lease.Name())
		lease.Release()
	}
	want := []string{"a", "b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestPreferredAccount(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newPool(t, &now, "a", "b", "c")
	ctx := context.Background()

	lease, err := p.Select(ctx, "b")
	if err != nil {
		t.Fatalf("Select(preferred=b) error = %v", err)
	}
	if lease.Name() != "b" {
		t.Fatalf("Select(preferred=b) = %s, want b", lease.Name())
	}

	// Пока b занят, предпочтение не блокирует: выдаётся следующий здоровый.
	other, err := p.Select(ctx, "b")
	if err != nil {
		t.Fatalf("Select() while preferred busy error = %v", err)
	}
	if other.Name() == "b" {
		t.Fatalf("Select() while preferred busy = b, want another account")
	}
	other.Release()
	lease.Release()
}

func TestLeaseExclusive(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newPool(t, &now, "solo")
	ctx := context.Background()

	lease, err := p.Select(ctx, "")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}

	// Единственный аккаунт занят: второй Select ждёт и отваливается по ctx.
	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := p.Select(shortCtx, ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Select() while busy error = %v, want DeadlineExceeded", err)
	}

	// Release будит ожидающего.
	done := make(chan string, 1)
	go func() {
		l, err := p.Select(ctx, "")
		if err != nil {
			done <- "err:" + err.Error()
			return
		}
		defer l.Release()
		done <- l.Name()
	}()
	time.Sleep(20 * time.Millisecond)
	lease.Release()
	select {
	case name := <-done:
		if name != "solo" {
			t.Fatalf("waiter got %q, want solo", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter was not woken by Release")
	}

	// Повторный Release не паникует и не ломает семафор.
	lease.Release()
}

func TestFloodWaitCooldown(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newPool(t, &now, "a", "b")
	ctx := context.Background()

	if err := p.MarkFloodWait(ctx, "a", 300); err != nil {
		t.Fatalf("MarkFloodWait() error = %v", err)
	}

	// В кулдауне a не выдаётся.
	for i := 0; i < 3; i++ {
		lease, err := p.Select(ctx, "a")
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if lease.Name() != "b" {
			t.Fatalf("Select() during cooldown = %s, want b", lease.Name())
		}
		lease.Release()
	}

	// Оба в кулдауне — ошибка сразу, без ожидания.
	if err := p.MarkFloodWait(ctx, "b", 300); err != nil {
		t.Fatalf("MarkFloodWait() error = %v", err)
	}
	if _, err := p.Select(ctx, ""); !errors.Is(err, accounts.ErrNoAccountAvailable) {
		t.Fatalf("Select() all cooling error = %v, want ErrNoAccountAvailable", err)
	}

	// Кулдаун истёк — оба аккаунта возвращаются сами.
	now = now.Add(301 * time.Second)
	l1, err := p.Select(ctx, "")
	if err != nil {
		t.Fatalf("Select() after cooldown error = %v", err)
	}
	l2, err := p.Select(ctx, "")
	if err != nil {
		t.Fatalf("Select() second after cooldown error = %v", err)
	}
	if l1.Name() == l2.Name() {
		t.Fatalf("both leases on %s, want distinct accounts", l1.Name())
	}
	l1.Release()
	l2.Release()
}

func TestBannedStaysOut(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newPool(t, &now, "a", "b")
	ctx := context.Background()

	if err := p.MarkBanned(ctx, "a", "USER_BANNED_IN_CHANNEL"); err != nil {
		t.Fatalf("MarkBanned() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		lease, err := p.Select(ctx, "a")
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if lease.Name() != "b" {
			t.Fatalf("Select() = %s, want b (a banned)", lease.Name())
		}
		lease.Release()
	}

	// ResetUsage бан не снимает.
	p.ResetUsage(ctx)
	lease, err := p.Select(ctx, "a")
	if err != nil {
		t.Fatalf("Select() after reset error = %v", err)
	}
	if lease.Name() != "b" {
		t.Fatalf("Select() after reset = %s, want b", lease.Name())
	}
	lease.Release()
}

func TestAcquireExactAccount(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newPool(t, &now, "a", "b")
	ctx := context.Background()

	// Acquire не подменяет именованный аккаунт соседним.
	lease, err := p.Acquire(ctx, "b")
	if err != nil {
		t.Fatalf("Acquire(b) error = %v", err)
	}
	if lease.Name() != "b" {
		t.Fatalf("Acquire(b) = %s, want b", lease.Name())
	}

	// Занятый аккаунт ожидается, а не обменивается на свободный.
	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(shortCtx, "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire(busy) error = %v, want DeadlineExceeded", err)
	}
	lease.Release()
}

func TestAcquireRejectsUnhealthy(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newPool(t, &now, "a", "b", "c")
	ctx := context.Background()

	if err := p.MarkAuthInvalid(ctx, "a", "AUTH_KEY_UNREGISTERED"); err != nil {
		t.Fatalf("MarkAuthInvalid() error = %v", err)
	}
	if _, err := p.Acquire(ctx, "a"); !errors.Is(err, accounts.ErrAccountAuthInvalid) {
		t.Fatalf("Acquire(auth invalid) error = %v, want ErrAccountAuthInvalid", err)
	}

	if err := p.MarkBanned(ctx, "b", "USER_DEACTIVATED"); err != nil {
		t.Fatalf("MarkBanned() error = %v", err)
	}
	if _, err := p.Acquire(ctx, "b"); !errors.Is(err, accounts.ErrNoAccountAvailable) {
		t.Fatalf("Acquire(banned) error = %v, want ErrNoAccountAvailable", err)
	}

	if _, err := p.Acquire(ctx, "ghost"); !errors.Is(err, accounts.ErrUnknownAccount) {
		t.Fatalf("Acquire(ghost) error = %v, want ErrUnknownAccount", err)
	}

	// Слетевшая сессия не мешает Select выдавать здоровые аккаунты.
	lease, err := p.Select(ctx, "a")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if lease.Name() != "c" {
		t.Fatalf("Select() = %s, want c", lease.Name())
	}
	lease.Release()
}

func TestMarkUnknownAccount(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newPool(t, &now, "a")
	if err := p.MarkBanned(context.Background(), "ghost", "x"); !errors.Is(err, accounts.ErrUnknownAccount) {
		t.Fatalf("MarkBanned(ghost) error = %v, want ErrUnknownAccount", err)
	}
}

func TestResetUsageClearsCountersAndCooldowns(t *testing.T) {
	t.Parallel()

	now := time.Now()
	p := newPool(t, &now, "a")
	ctx := context.Background()

	lease, _ := p.Select(ctx, "")
	lease.Release()
	if err := p.MarkFloodWait(ctx, "a", 600); err != nil {
		t.Fatalf("MarkFloodWait() error = %v", err)
	}

	p.ResetUsage(ctx)
	infos := p.Stats()
	if len(infos) != 1 {
		t.Fatalf("Stats() len = %d, want 1", len(infos))
	}
	if infos[0].Usage != 0 || infos[0].Status != accounts.StatusActive || !infos[0].CooldownUntil.IsZero() {
		t.Fatalf("after ResetUsage: %#v", infos[0])
	}
}
