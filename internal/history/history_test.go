package history

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ashureev/forge-terminal/internal/store"
	"github.com/google/go-cmp/cmp"
)

func newStore() *Store {
	return New(store.Scoped(store.NewMemory(), "user:tab"))
}

func TestRecordKeepsMostRecentFifty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newStore()
	for i := 0; i < 60; i++ {
		if err := h.Record(ctx, fmt.Sprintf("prompt-%d", i)); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got := h.All(ctx)
	if len(got) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(got))
	}
	if got[0] != "prompt-10" || got[49] != "prompt-59" {
		t.Fatalf("expected prompt-10..prompt-59 oldest first, got %q..%q", got[0], got[49])
	}
}

func TestRecordSkipsConsecutiveDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newStore()
	_ = h.Record(ctx, "a")
	_ = h.Record(ctx, "a")

	if diff := cmp.Diff([]string{"a"}, h.All(ctx)); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}

	_ = h.Record(ctx, "b")
	_ = h.Record(ctx, "a")
	if diff := cmp.Diff([]string{"a", "b", "a"}, h.All(ctx)); diff != "" {
		t.Fatalf("non-consecutive duplicates must be kept (-want +got):\n%s", diff)
	}
}

func TestAllEmptyWhenMissing(t *testing.T) {
	t.Parallel()

	got := newStore().All(context.Background())
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", got)
	}
}

func TestAllTreatsCorruptStorageAsEmpty(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := store.NewMemory()
	kv := store.Scoped(repo, "user:tab")
	_ = kv.Set(ctx, StorageKey, "{not json")

	h := New(kv)
	if got := h.All(ctx); len(got) != 0 {
		t.Fatalf("expected empty history, got %v", got)
	}

	// Recording over corrupt data starts a fresh history.
	if err := h.Record(ctx, "fresh"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if diff := cmp.Diff([]string{"fresh"}, h.All(ctx)); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("storage offline")
}

func (failingKV) Set(context.Context, string, string) error {
	return errors.New("storage offline")
}

func TestUnreadableStorage(t *testing.T) {
	t.Parallel()

	h := New(failingKV{})
	if got := h.All(context.Background()); len(got) != 0 {
		t.Fatalf("expected empty history, got %v", got)
	}
	if err := h.Record(context.Background(), "x"); err == nil {
		t.Fatal("expected persist error")
	}
}
