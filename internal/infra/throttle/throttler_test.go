package throttle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// hintErr имитирует серверную ошибку с обязательной паузой.
type hintErr struct{ wait time.Duration }

func (e hintErr) Error() string { return "server: slow down" }

func hintExtractor() WaitExtractor {
	return func(err error) (time.Duration, bool) {
		var h hintErr
		if errors.As(err, &h) {
			return h.wait, true
		}
		return 0, false
	}
}

type fatalErr struct{}

func (fatalErr) Error() string   { return "fatal: gone" }
func (fatalErr) StopRetry() bool { return true }

// newTestGate собирает ворота с нулевым джиттером и записью пауз вместо сна.
func newTestGate(t *testing.T, slept *[]time.Duration, opts ...Option) *Gate {
	t.Helper()
	opts = append(opts, WithJitter(func() float64 { return 0 }))
	g := New(100, opts...)
	g.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return g
}

func TestDoRetriesAfterServerHint(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	g := newTestGate(t, &slept, WithWaitExtractors(hintExtractor()))

	calls := 0
	err := g.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return hintErr{wait: 5 * time.Second}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	// Серверная пауза не считается попыткой: бэкофа быть не должно.
	if len(slept) != 1 || slept[0] != 5*time.Second {
		t.Fatalf("slept = %v, want [5s]", slept)
	}
}

func TestDoStopsOnStopRetryer(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	g := newTestGate(t, &slept)

	calls := 0
	err := g.Do(context.Background(), func() error {
		calls++
		return fatalErr{}
	})
	var fe fatalErr
	if !errors.As(err, &fe) {
		t.Fatalf("Do() error = %v, want fatalErr", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(slept) != 0 {
		t.Fatalf("slept = %v, want none", slept)
	}
}

func TestDoHonorsMaxRetries(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	g := newTestGate(t, &slept, WithMaxRetries(2))

	base := errors.New("boom")
	calls := 0
	err := g.Do(context.Background(), func() error {
		calls++
		return base
	})
	if err == nil {
		t.Fatal("Do() error = nil, want max retries error")
	}
	if !strings.Contains(err.Error(), "max retries reached (2)") {
		t.Fatalf("Do() error = %v, want max retries message", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("Do() error chain lost the cause: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	// Джиттер 0 даёт множитель 0.85: паузы 850ms и 1700ms.
	want := []time.Duration{850 * time.Millisecond, 1700 * time.Millisecond}
	if len(slept) != len(want) || slept[0] != want[0] || slept[1] != want[1] {
		t.Fatalf("slept = %v, want %v", slept, want)
	}
}

func TestDoReturnsContextErrorWithoutRetry(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	g := newTestGate(t, &slept)

	calls := 0
	err := g.Do(context.Background(), func() error {
		calls++
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(slept) != 0 {
		t.Fatalf("slept = %v, want none", slept)
	}
}

func TestBackoffCapsAtCeiling(t *testing.T) {
	t.Parallel()

	g := New(1, WithJitter(func() float64 { return 0 }))

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 850 * time.Millisecond},
		{attempt: 3, want: 6800 * time.Millisecond},
		{attempt: 10, want: 51 * time.Second},
	}
	for _, tc := range cases {
		if got := g.backoff(tc.attempt); got != tc.want {
			t.Fatalf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDoPacesCallsThroughLimiter(t *testing.T) {
	t.Parallel()

	// Burst 1 заставляет каждый вызов после первого ждать свой токен.
	g := New(100, WithBurst(1))

	start := time.Now()
	for range 3 {
		if err := g.Do(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("Do() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("3 calls at 100 rps finished in %v, want >= 15ms", elapsed)
	}
}
