package likes

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stagelink/stagesync/internal/api"
	"github.com/stagelink/stagesync/internal/views"
)

type fakeLikeClient struct {
	mu          sync.Mutex
	addCalls    atomic.Int64
	removeCalls atomic.Int64
	addErr      error
	removeErr   error
	release     chan struct{}

	// observed mid-flight, set by tests that want to assert the optimistic
	// window
	observe func()
}

func (f *fakeLikeClient) AddLike(ctx context.Context, resourceID, actorID string) error {
	f.addCalls.Add(1)
	if f.observe != nil {
		f.observe()
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addErr
}

func (f *fakeLikeClient) RemoveLike(ctx context.Context, resourceID, actorID string) error {
	f.removeCalls.Add(1)
	if f.observe != nil {
		f.observe()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeErr
}

func seedViews() *views.Registry {
	r := views.NewRegistry()
	r.Put(views.Key{Kind: views.KindDetail, ResourceID: "5", ActorID: "9"}, views.LikeState{Liked: false, LikeCount: 10})
	r.Put(views.Key{Kind: views.KindList, Context: "q_main", ResourceID: "5", ActorID: "9"}, views.LikeState{Liked: false, LikeCount: 10})
	r.Put(views.Key{Kind: views.KindRecent, ResourceID: "5", ActorID: "9"}, views.LikeState{Liked: false, LikeCount: 10})
	return r
}

func newCoordinator(t *testing.T, registry *views.Registry, client Client) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Options{Views: registry, Client: client})
	if err != nil {
		t.Fatalf("new coordinator failed: %v", err)
	}
	return c
}

func TestToggleRequiresActor(t *testing.T) {
	c := newCoordinator(t, seedViews(), &fakeLikeClient{})
	_, err := c.Toggle(context.Background(), "5", "", false)
	if !errors.Is(err, ErrActorRequired) {
		t.Fatalf("expected ErrActorRequired, got %v", err)
	}
}

// joinSignalHandler closes its channel the first time the coordinator logs
// that a caller joined an in-flight toggle.
type joinSignalHandler struct {
	once   sync.Once
	joined chan struct{}
}

func (h *joinSignalHandler) Enabled(ctx context.Context, level slog.Level) bool { return true }

func (h *joinSignalHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Message == "joining in-flight toggle" {
		h.once.Do(func() { close(h.joined) })
	}
	return nil
}

func (h *joinSignalHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *joinSignalHandler) WithGroup(name string) slog.Handler       { return h }

func TestConcurrentTogglesShareOneNetworkCall(t *testing.T) {
	client := &fakeLikeClient{release: make(chan struct{})}
	signal := &joinSignalHandler{joined: make(chan struct{})}
	c, err := NewCoordinator(Options{
		Views:  seedViews(),
		Client: client,
		Logger: slog.New(signal),
	})
	if err != nil {
		t.Fatalf("new coordinator failed: %v", err)
	}

	results := make(chan error, 2)
	first := make(chan struct{})
	go func() {
		close(first)
		_, toggleErr := c.Toggle(context.Background(), "5", "9", false)
		results <- toggleErr
	}()
	<-first
	waitFor(t, func() bool { return client.addCalls.Load() == 1 })

	go func() {
		_, toggleErr := c.Toggle(context.Background(), "5", "9", false)
		results <- toggleErr
	}()
	select {
	case <-signal.joined:
	case <-time.After(5 * time.Second):
		t.Fatalf("second caller never joined the in-flight toggle")
	}
	close(client.release)

	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Fatalf("toggle %d failed: %v", i, err)
		}
	}
	if got := client.addCalls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 addition call, got %d", got)
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func TestFailedToggleRestoresExactSnapshot(t *testing.T) {
	registry := seedViews()
	client := &fakeLikeClient{addErr: errors.New("boom")}
	c := newCoordinator(t, registry, client)

	_, err := c.Toggle(context.Background(), "5", "9", false)
	if err == nil {
		t.Fatalf("expected toggle failure")
	}
	var mutErr *MutationError
	if !errors.As(err, &mutErr) {
		t.Fatalf("expected *MutationError, got %T", err)
	}
	if mutErr.Conflict {
		t.Fatalf("generic failure must not be a conflict")
	}

	entry, _ := registry.Get(views.Key{Kind: views.KindDetail, ResourceID: "5", ActorID: "9"})
	if entry.State.Liked || entry.State.LikeCount != 10 {
		t.Fatalf("expected exact rollback to {false,10}, got %+v", entry.State)
	}
	if !entry.Stale {
		t.Fatalf("settle must invalidate even after rollback")
	}
}

func TestConflictFailureIsClassified(t *testing.T) {
	client := &fakeLikeClient{addErr: &api.APIError{StatusCode: 409, Message: "already liked"}}
	c := newCoordinator(t, seedViews(), client)

	_, err := c.Toggle(context.Background(), "5", "9", false)
	var mutErr *MutationError
	if !errors.As(err, &mutErr) {
		t.Fatalf("expected *MutationError, got %T", err)
	}
	if !mutErr.Conflict {
		t.Fatalf("expected conflict classification")
	}
}

func TestRemovalToggleIsOptimisticThenInvalidated(t *testing.T) {
	registry := views.NewRegistry()
	key := views.Key{Kind: views.KindDetail, ResourceID: "8", ActorID: "9"}
	registry.Put(key, views.LikeState{Liked: true, LikeCount: 3})

	client := &fakeLikeClient{}
	client.observe = func() {
		entry, _ := registry.Get(key)
		if entry.State.Liked || entry.State.LikeCount != 2 {
			t.Errorf("expected optimistic {false,2} mid-flight, got %+v", entry.State)
		}
	}
	c := newCoordinator(t, registry, client)

	result, err := c.Toggle(context.Background(), "8", "9", true)
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if result.Liked {
		t.Fatalf("expected removal result")
	}
	if got := client.removeCalls.Load(); got != 1 {
		t.Fatalf("expected removal endpoint, got %d remove calls", got)
	}
	entry, _ := registry.Get(key)
	if !entry.Stale {
		t.Fatalf("expected view invalidated after settle")
	}
	if entry.State.LikeCount < 0 {
		t.Fatalf("like count must never go negative, got %d", entry.State.LikeCount)
	}
}

func TestTogglesForDifferentKeysRunIndependently(t *testing.T) {
	registry := seedViews()
	registry.Put(views.Key{Kind: views.KindDetail, ResourceID: "6", ActorID: "9"}, views.LikeState{Liked: false, LikeCount: 1})
	client := &fakeLikeClient{}
	c := newCoordinator(t, registry, client)

	if _, err := c.Toggle(context.Background(), "5", "9", false); err != nil {
		t.Fatalf("toggle resource 5 failed: %v", err)
	}
	if _, err := c.Toggle(context.Background(), "6", "9", false); err != nil {
		t.Fatalf("toggle resource 6 failed: %v", err)
	}
	if got := client.addCalls.Load(); got != 2 {
		t.Fatalf("expected 2 independent calls, got %d", got)
	}
	if c.InFlight("5", "9") || c.InFlight("6", "9") {
		t.Fatalf("expected no mutation outstanding after settle")
	}
}
