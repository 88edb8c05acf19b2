package forge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/forge-terminal/internal/domain"
	"github.com/ashureev/forge-terminal/internal/notify"
	"github.com/ashureev/forge-terminal/internal/store"
)

func newTestManager(t *testing.T, onClose CloseFunc) (*Manager, *store.Memory) {
	t.Helper()
	repo := store.NewMemory()
	deps := Deps{
		Repo:     repo,
		Executor: &fakeExecutor{result: domain.SubmitResult{Content: "ok"}},
		Hub:      notify.NewHub(10, nil),
	}
	return NewManager(deps.NewSession, onClose, nil), repo
}

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil)

	a, err := m.GetOrCreate("u1", "s1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	b, _ := m.GetOrCreate("u1", "s1")
	c, _ := m.GetOrCreate("u1", "s2")
	if a != b {
		t.Fatal("expected the same controller for the same tab")
	}
	if a == c {
		t.Fatal("expected separate controllers per tab")
	}
	if got, ok := m.Get("u1", "s2"); !ok || got != c {
		t.Fatal("Get should find the existing session")
	}
	if _, ok := m.Get("u2", "s1"); ok {
		t.Fatal("Get must not create sessions")
	}
}

func TestFactoryErrorIsWrapped(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	m := NewManager(func(string, string) (*Controller, error) { return nil, boom }, nil, nil)
	if _, err := m.GetOrCreate("u1", "s1"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped factory error, got %v", err)
	}
	if m.Len() != 0 {
		t.Fatal("failed sessions must not be registered")
	}
}

func TestExpireIdleRemovesStaleSessions(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var closed []string
	m, _ := newTestManager(t, func(u, s string) {
		mu.Lock()
		defer mu.Unlock()
		closed = append(closed, SessionKey(u, s))
	})

	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	stale, _ := m.GetOrCreate("u1", "old")
	sub, _ := stale.Transcript().Subscribe(4)

	now = now.Add(20 * time.Minute)
	_, _ = m.GetOrCreate("u1", "fresh")

	if n := m.ExpireIdle(10 * time.Minute); n != 1 {
		t.Fatalf("expected 1 expired session, got %d", n)
	}
	if _, ok := m.Get("u1", "old"); ok {
		t.Fatal("stale session should be gone")
	}
	if _, ok := m.Get("u1", "fresh"); !ok {
		t.Fatal("fresh session should remain")
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("transcript subscriptions of expired sessions must end")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(closed) != 1 || closed[0] != "u1:old" {
		t.Fatalf("unexpected close callbacks: %v", closed)
	}
}

func TestCloseAll(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil)
	_, _ = m.GetOrCreate("u1", "s1")
	_, _ = m.GetOrCreate("u2", "s1")
	m.CloseAll()
	if m.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", m.Len())
	}
}

func TestSessionHistoryIsScopedPerTab(t *testing.T) {
	t.Parallel()
	m, repo := newTestManager(t, nil)
	ctx := context.Background()

	a, _ := m.GetOrCreate("u1", "s1")
	b, _ := m.GetOrCreate("u1", "s2")
	_ = a.Toggle(ctx)
	if err := a.Submit(ctx, "only in s1"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if len(b.History(ctx)) != 0 {
		t.Fatal("history leaked across tabs")
	}
	if _, ok, _ := repo.GetValue(ctx, "u1:s1", "forge-terminal-history"); !ok {
		t.Fatal("expected history persisted under the tab scope")
	}

	// A recreated session sees the persisted history.
	m.Close("u1", "s1")
	again, _ := m.GetOrCreate("u1", "s1")
	if got := again.History(ctx); len(got) != 1 || got[0] != "only in s1" {
		t.Fatalf("unexpected history after recreate: %v", got)
	}
}

func TestSessionWithoutExecutorCannotOpen(t *testing.T) {
	t.Parallel()
	hub := notify.NewHub(10, nil)
	deps := Deps{Repo: store.NewMemory(), Hub: hub}
	ctrl, err := deps.NewSession("u1", "s1")
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	_, events, cancel := hub.Subscribe("u1", "s1", 0)
	defer cancel()

	if err := ctrl.Toggle(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}

	ev := <-events
	if ev.Type != notify.EventError {
		t.Fatalf("expected an error notification, got %+v", ev)
	}
	var payload struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.Title != TitleNotConfigured {
		t.Fatalf("unexpected payload %s (%v)", ev.Data, err)
	}
}

func TestSweepCleansStorage(t *testing.T) {
	t.Parallel()
	m, repo := newTestManager(t, nil)
	ctx := context.Background()
	_ = repo.SetValue(ctx, "u1:gone", "k", "v")
	_, _ = m.GetOrCreate("u1", "s1")
	m.now = func() time.Time { return time.Now().Add(time.Hour) }

	sweep(ctx, m, repo, time.Minute)
	if m.Len() != 0 {
		t.Fatal("expected idle session to expire")
	}
	// Values younger than the retention window survive.
	if _, ok, _ := repo.GetValue(ctx, "u1:gone", "k"); !ok {
		t.Fatal("recent storage must be retained")
	}
}

func TestTouchKeepsActiveSessionAlive(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil)
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	ctrl, _ := m.GetOrCreate("u1", "s1")
	sub, _ := ctrl.Transcript().Subscribe(4)
	defer sub.Close()

	for range 7 {
		now = now.Add(10 * time.Minute)
		if !m.Touch("u1", "s1") {
			t.Fatal("Touch should find the session")
		}
	}
	if n := m.ExpireIdle(time.Hour); n != 0 {
		t.Fatalf("active session expired (%d removed)", n)
	}
	select {
	case _, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription of an active session must stay open")
		}
	default:
	}
	if m.Touch("u1", "missing") {
		t.Fatal("Touch must not create sessions")
	}
}

func TestExpireIdleKeepsSubmittingSession(t *testing.T) {
	t.Parallel()
	exec := &fakeExecutor{
		result:  domain.SubmitResult{Content: "ok"},
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	deps := Deps{Repo: store.NewMemory(), Executor: exec, Hub: notify.NewHub(10, nil)}
	m := NewManager(deps.NewSession, nil, nil)
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }

	ctrl, _ := m.GetOrCreate("u1", "s1")
	if err := ctrl.Toggle(context.Background()); err != nil {
		t.Fatalf("Toggle failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- ctrl.Submit(context.Background(), "slow prompt") }()
	<-exec.started

	now = now.Add(2 * time.Hour)
	if n := m.ExpireIdle(time.Hour); n != 0 {
		t.Fatalf("session with a pending submission expired (%d removed)", n)
	}

	close(exec.gate)
	if err := <-done; err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if n := m.ExpireIdle(time.Hour); n != 1 {
		t.Fatalf("idle session should expire once the submission ends, got %d", n)
	}
}
