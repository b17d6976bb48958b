package gateway_test

import (
	"context"
	"testing"

	"github.com/go-faster/errors"

	"spectra/internal/domain/gateway"
)

func pagesFetcher(pages [][]gateway.Message) gateway.FetchPage {
	i := 0
	return func(context.Context) ([]gateway.Message, error) {
		if i >= len(pages) {
			return nil, nil
		}
		p := pages[i]
		i++
		return p, nil
	}
}

func msgs(ids ...int) []gateway.Message {
	out := make([]gateway.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, gateway.Message{ID: id})
	}
	return out
}

func TestMessageIterPaging(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		pages [][]gateway.Message
		want  []int
	}{
		{"empty", nil, nil},
		{"single page", [][]gateway.Message{msgs(1, 2, 3)}, []int{1, 2, 3}},
		{"several pages", [][]gateway.Message{msgs(1, 2), msgs(3), msgs(4, 5)}, []int{1, 2, 3, 4, 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			it := gateway.NewMessageIter(pagesFetcher(tc.pages))
			var got []int
			for it.Next(context.Background()) {
				got = append(got, it.Value().ID)
			}
			if err := it.Err(); err != nil {
				t.Fatalf("Err() = %v, want nil", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("collected %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("collected %v, want %v", got, tc.want)
				}
			}
			// Повторный Next после конца остаётся false.
			if it.Next(context.Background()) {
				t.Fatalf("Next() after exhaustion = true, want false")
			}
		})
	}
}

func TestMessageIterFetchError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	it := gateway.NewMessageIter(func(context.Context) ([]gateway.Message, error) {
		calls++
		if calls == 1 {
			return msgs(1), nil
		}
		return nil, boom
	})

	if !it.Next(context.Background()) {
		t.Fatalf("Next() = false on first page")
	}
	if it.Next(context.Background()) {
		t.Fatalf("Next() = true after fetch error")
	}
	if !errors.Is(it.Err(), boom) {
		t.Fatalf("Err() = %v, want %v", it.Err(), boom)
	}
}

func TestMessageIterContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	it := gateway.NewMessageIter(pagesFetcher([][]gateway.Message{msgs(1)}))
	if it.Next(ctx) {
		t.Fatalf("Next() = true with cancelled context")
	}
	if !errors.Is(it.Err(), context.Canceled) {
		t.Fatalf("Err() = %v, want context.Canceled", it.Err())
	}
}

func TestMessageIterCollect(t *testing.T) {
	t.Parallel()

	it := gateway.NewMessageIter(pagesFetcher([][]gateway.Message{msgs(10, 11), msgs(12)}))
	got, err := it.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 3 || got[0].ID != 10 || got[2].ID != 12 {
		t.Fatalf("Collect() = %#v, want ids 10..12", got)
	}
}

func TestAsFloodWait(t *testing.T) {
	t.Parallel()

	wrapped := errors.Wrap(&gateway.FloodWaitError{Seconds: 42}, "forward")
	if s, ok := gateway.AsFloodWait(wrapped); !ok || s != 42 {
		t.Fatalf("AsFloodWait(wrapped) = (%d, %v), want (42, true)", s, ok)
	}
	if _, ok := gateway.AsFloodWait(errors.New("plain")); ok {
		t.Fatalf("AsFloodWait(plain) = true, want false")
	}
	if _, ok := gateway.AsFloodWait(nil); ok {
		t.Fatalf("AsFloodWait(nil) = true, want false")
	}
}
