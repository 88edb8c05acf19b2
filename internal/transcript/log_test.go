package transcript

import (
	"fmt"
	"testing"
	"time"

	"github.com/ashureev/forge-terminal/internal/domain"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fixedLog() *Log {
	n := 0
	return New(
		WithClock(func() time.Time { return time.Unix(1700000000, 0).UTC() }),
		WithIDs(func() string {
			n++
			return fmt.Sprintf("msg-%d", n)
		}),
	)
}

func kinds(msgs []domain.Message) []domain.MessageKind {
	out := make([]domain.MessageKind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func TestNewLogStartsWithWelcome(t *testing.T) {
	l := fixedLog()
	snap := l.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 message, got %d", len(snap))
	}
	if snap[0].Kind != domain.MessageSystem || snap[0].Content != WelcomeMessage {
		t.Fatalf("unexpected welcome message: %+v", snap[0])
	}
}

func TestAppendKeepsOrderAndFreshIDs(t *testing.T) {
	l := fixedLog()
	l.Append(domain.MessageInput, "make a button", nil)
	l.Append(domain.MessageOutput, "done", nil)

	snap := l.Snapshot()
	want := []domain.MessageKind{domain.MessageSystem, domain.MessageInput, domain.MessageOutput}
	if diff := cmp.Diff(want, kinds(snap)); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
	seen := map[string]bool{}
	for _, m := range snap {
		if seen[m.ID] {
			t.Fatalf("duplicate id %s", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	l := fixedLog()
	snap := l.Snapshot()
	snap[0].Content = "mutated"
	if l.Snapshot()[0].Content != WelcomeMessage {
		t.Fatal("snapshot mutation leaked into the log")
	}
}

func TestClearResetsToSingleSystemMessage(t *testing.T) {
	l := fixedLog()
	for i := 0; i < 10; i++ {
		l.Append(domain.MessageOutput, "line", nil)
	}
	l.Clear()

	snap := l.Snapshot()
	if len(snap) != 1 || snap[0].Kind != domain.MessageSystem || snap[0].Content != ClearedMessage {
		t.Fatalf("unexpected transcript after clear: %+v", snap)
	}
	if l.Epoch() != 1 {
		t.Fatalf("expected epoch 1, got %d", l.Epoch())
	}
}

func TestAppendAtDropsStaleEpoch(t *testing.T) {
	l := fixedLog()
	epoch := l.Epoch()
	l.Clear()

	if l.AppendAt(epoch, domain.MessageOutput, "late", nil) {
		t.Fatal("expected stale append to be rejected")
	}
	if l.Len() != 1 {
		t.Fatalf("expected transcript untouched, got %d messages", l.Len())
	}
	if !l.AppendAt(l.Epoch(), domain.MessageOutput, "current", nil) {
		t.Fatal("expected current-epoch append to succeed")
	}
}

func TestSubscribeReceivesAppendAndReset(t *testing.T) {
	l := fixedLog()
	sub, snap := l.Subscribe(8)
	defer sub.Close()

	if len(snap) != 1 {
		t.Fatalf("expected initial snapshot of 1, got %d", len(snap))
	}

	l.Append(domain.MessageInput, "hello", nil)
	l.Clear()

	ev := <-sub.C
	if ev.Type != EventAppend || ev.Message == nil || ev.Message.Content != "hello" {
		t.Fatalf("unexpected first event: %+v", ev)
	}
	ev = <-sub.C
	if ev.Type != EventReset || len(ev.Messages) != 1 || ev.Epoch != 1 {
		t.Fatalf("unexpected reset event: %+v", ev)
	}
}

func TestSlowSubscriberIsClosed(t *testing.T) {
	l := fixedLog()
	sub, _ := l.Subscribe(1)

	l.Append(domain.MessageOutput, "1", nil)
	l.Append(domain.MessageOutput, "2", nil)

	<-sub.C
	if _, ok := <-sub.C; ok {
		t.Fatal("expected subscription to be closed after overflow")
	}
	// Closing an already dropped subscription is harmless.
	sub.Close()
	if l.Len() != 3 {
		t.Fatalf("writer must not be blocked by slow subscribers, got %d messages", l.Len())
	}
}

func TestCloseSubscribers(t *testing.T) {
	l := fixedLog()
	sub, _ := l.Subscribe(4)
	l.CloseSubscribers()
	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel")
	}
	sub.Close()
}
