// Package likes coordinates toggle mutations against the cached views:
// at most one in-flight mutation per (resource, actor), optimistic writes
// with full-snapshot rollback, and unconditional invalidation on settle.
package likes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/stagelink/stagesync/internal/api"
	"github.com/stagelink/stagesync/internal/views"
)

var ErrActorRequired = errors.New("actor is required")

// MutationError is a rejected or failed toggle, surfaced after local state
// has been rolled back. Conflict marks structured rejections such as liking
// something already liked.
type MutationError struct {
	ResourceID string
	Conflict   bool
	Err        error
}

func (e *MutationError) Error() string {
	if e.Conflict {
		return fmt.Sprintf("like state for %s already settled: %v", e.ResourceID, e.Err)
	}
	return fmt.Sprintf("like update for %s failed: %v", e.ResourceID, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// Key identifies one deduplication slot.
type Key struct {
	ResourceID string
	ActorID    string
}

// Result is the settled outcome of a toggle shared by every deduplicated
// caller.
type Result struct {
	Liked bool
}

type pendingToggle struct {
	done   chan struct{}
	result Result
	err    error
}

type Options struct {
	Views  *views.Registry
	Client Client
	Logger *slog.Logger
}

type Coordinator struct {
	views  *views.Registry
	client Client
	logger *slog.Logger

	mu      sync.Mutex
	pending map[Key]*pendingToggle
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Views == nil {
		return nil, fmt.Errorf("view registry is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("like client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		views:   opts.Views,
		client:  opts.Client,
		logger:  logger,
		pending: map[Key]*pendingToggle{},
	}, nil
}

// Toggle flips the actor's like on the resource. currentlyLiked is the
// caller's last-known state and decides add versus remove. A second call for
// the same (resource, actor) while one is in flight joins the first call's
// result instead of issuing another network call.
func (c *Coordinator) Toggle(ctx context.Context, resourceID, actorID string, currentlyLiked bool) (Result, error) {
	if strings.TrimSpace(actorID) == "" {
		return Result{}, ErrActorRequired
	}
	if strings.TrimSpace(resourceID) == "" {
		return Result{}, fmt.Errorf("resource id is required")
	}
	key := Key{ResourceID: resourceID, ActorID: actorID}

	c.mu.Lock()
	if inflight, ok := c.pending[key]; ok {
		c.mu.Unlock()
		c.logger.Debug("joining in-flight toggle", "resource", resourceID, "actor", actorID)
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-inflight.done:
			return inflight.result, inflight.err
		}
	}
	slot := &pendingToggle{done: make(chan struct{})}
	c.pending[key] = slot
	c.mu.Unlock()

	result, err := c.execute(ctx, key, currentlyLiked)

	slot.result = result
	slot.err = err
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
	close(slot.done)
	return result, err
}

// InFlight reports whether a mutation for the key is currently outstanding.
func (c *Coordinator) InFlight(resourceID, actorID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[Key{ResourceID: resourceID, ActorID: actorID}]
	return ok
}

func (c *Coordinator) execute(ctx context.Context, key Key, currentlyLiked bool) (Result, error) {
	captured := c.views.CaptureMatching(key.ResourceID, key.ActorID)
	nowLiked := !currentlyLiked
	c.views.ApplyLikeToggle(key.ResourceID, key.ActorID, nowLiked)

	var callErr error
	if currentlyLiked {
		callErr = c.client.RemoveLike(ctx, key.ResourceID, key.ActorID)
	} else {
		callErr = c.client.AddLike(ctx, key.ResourceID, key.ActorID)
	}

	if callErr != nil {
		c.views.Restore(captured)
	}
	// Settle runs on every outcome: the next read of any view of this
	// resource refetches authoritative state.
	c.views.InvalidateResource(key.ResourceID)

	if callErr != nil {
		mutErr := &MutationError{
			ResourceID: key.ResourceID,
			Conflict:   isConflict(callErr),
			Err:        callErr,
		}
		c.logger.Warn("toggle rolled back",
			"resource", key.ResourceID,
			"actor", key.ActorID,
			"conflict", mutErr.Conflict,
			"error", callErr,
		)
		return Result{}, mutErr
	}
	return Result{Liked: nowLiked}, nil
}

func isConflict(err error) bool {
	if errors.Is(err, api.ErrConflict) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "already liked") || strings.Contains(message, "not liked")
}
