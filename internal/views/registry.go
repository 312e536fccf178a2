// Package views holds the client's cached projections of platform resources.
// One resource can appear in many independent views at once (its detail view,
// rows in several list views, the recently-visited rail); each projection is
// cached and invalidated separately.
package views

import "sync"

type Kind string

const (
	KindDetail Kind = "detail"
	KindList   Kind = "list"
	KindRecent Kind = "recent"
)

// Key identifies one cached projection. Context discriminates between
// independent list projections (typically the query identity); it is empty
// for detail and recent views.
type Key struct {
	Kind       Kind
	Context    string
	ResourceID string
	ActorID    string
}

// LikeState is the like projection embedded in every view. LikeCount never
// goes negative.
type LikeState struct {
	Liked     bool
	LikeCount int
}

type Entry struct {
	State LikeState
	Stale bool
}

// Captured is a pre-mutation copy of one entry, used for rollback.
type Captured struct {
	Key   Key
	Entry Entry
}

type Registry struct {
	mu      sync.Mutex
	entries map[Key]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[Key]Entry{}}
}

func (r *Registry) Put(key Key, state LikeState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state.LikeCount < 0 {
		state.LikeCount = 0
	}
	r.entries[key] = Entry{State: state}
}

func (r *Registry) Get(key Key) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	return entry, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CaptureMatching snapshots every entry for (resourceID, actorID) before a
// mutation touches it. The returned slice restores bit-for-bit via Restore.
func (r *Registry) CaptureMatching(resourceID, actorID string) []Captured {
	r.mu.Lock()
	defer r.mu.Unlock()
	captured := make([]Captured, 0, 4)
	for key, entry := range r.entries {
		if key.ResourceID == resourceID && key.ActorID == actorID {
			captured = append(captured, Captured{Key: key, Entry: entry})
		}
	}
	return captured
}

// ApplyLikeToggle flips the like state of every matching entry to nowLiked
// and moves the count by one in the matching direction, clamped at zero.
func (r *Registry) ApplyLikeToggle(resourceID, actorID string, nowLiked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.entries {
		if key.ResourceID != resourceID || key.ActorID != actorID {
			continue
		}
		entry.State.Liked = nowLiked
		if nowLiked {
			entry.State.LikeCount++
		} else {
			entry.State.LikeCount--
			if entry.State.LikeCount < 0 {
				entry.State.LikeCount = 0
			}
		}
		r.entries[key] = entry
	}
}

// Restore writes captured entries back exactly as captured.
func (r *Registry) Restore(captured []Captured) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range captured {
		r.entries[c.Key] = c.Entry
	}
}

// InvalidateResource marks every view of the resource stale, across all view
// kinds and actors, so the next read refetches authoritative state.
func (r *Registry) InvalidateResource(resourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.entries {
		if key.ResourceID != resourceID {
			continue
		}
		entry.Stale = true
		r.entries[key] = entry
	}
}

func (r *Registry) ClearStale(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return
	}
	entry.Stale = false
	r.entries[key] = entry
}

func (r *Registry) Delete(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}
