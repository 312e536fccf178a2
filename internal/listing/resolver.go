// Package listing runs list queries against the show catalog and resolves,
// per query, whether pages come from a server cursor or are windowed
// client-side out of a single bulk response.
package listing

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// PageSize is the fixed exposure size for client-windowed queries.
const PageSize = 16

type Mode int

const (
	ModeUnresolved Mode = iota
	ModeServerCursor
	ModeClientWindow
)

func (m Mode) String() string {
	switch m {
	case ModeServerCursor:
		return "server-cursor"
	case ModeClientWindow:
		return "client-window"
	default:
		return "unresolved"
	}
}

// Query is the filter set identifying one list query.
type Query struct {
	Category      string
	Region        string
	TheaterTypes  []string
	Sort          string
	IncludeClosed bool
	Text          string
}

// ID derives the query identity from the filter parameters; equal filters
// share pagination state.
func (q Query) ID() string {
	theaterTypes := make([]string, len(q.TheaterTypes))
	copy(theaterTypes, q.TheaterTypes)
	sort.Strings(theaterTypes)
	canonical := strings.Join([]string{
		q.Category,
		q.Region,
		strings.Join(theaterTypes, ","),
		q.Sort,
		strconv.FormatBool(q.IncludeClosed),
		q.Text,
	}, "|")
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(canonical))
	return fmt.Sprintf("q_%x", hasher.Sum64())
}

// Item is one show row in a list response.
type Item struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Category  string `json:"category"`
	Region    string `json:"region"`
	Closed    bool   `json:"closed"`
	Liked     bool   `json:"liked"`
	LikeCount int    `json:"likeCount"`
}

// PageResponse is the data part of a list response.
type PageResponse struct {
	Content     []Item `json:"content"`
	HasNextPage bool   `json:"hasNextPage"`
	NextCursor  string `json:"nextCursor,omitempty"`
}

// Request carries the parameters for the next page fetch: exactly one of
// CursorToken (server-cursor mode) or WindowIndex (client-window mode) is
// meaningful.
type Request struct {
	CursorToken string
	WindowIndex int
}

type queryState struct {
	mode        Mode
	content     []Item
	windowIndex int
}

// Resolver fixes the pagination mode per query from its first response and
// computes the next request parameters. The mode, once decided, is never
// re-evaluated for that query.
type Resolver struct {
	mu     sync.Mutex
	states map[string]*queryState
}

func NewResolver() *Resolver {
	return &Resolver{states: map[string]*queryState{}}
}

// Observe locks the pagination mode for a query from its first response,
// without consuming a page advance. Later calls are no-ops; the decision is
// final.
func (r *Resolver) Observe(queryID string, first PageResponse) Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.ensureLocked(queryID)
	r.resolveLocked(state, first)
	return state.mode
}

func (r *Resolver) ensureLocked(queryID string) *queryState {
	state, ok := r.states[queryID]
	if !ok {
		state = &queryState{mode: ModeUnresolved}
		r.states[queryID] = state
	}
	return state
}

func (r *Resolver) resolveLocked(state *queryState, response PageResponse) {
	if state.mode != ModeUnresolved {
		return
	}
	if response.HasNextPage {
		state.mode = ModeServerCursor
		return
	}
	state.mode = ModeClientWindow
	state.content = make([]Item, len(response.Content))
	copy(state.content, response.Content)
	state.windowIndex = 0
}

// NextRequestParams inspects the last response for the query and returns the
// parameters for the next page, or nil when no further pages exist. The
// first call for a queryID locks the mode: hasNextPage true means server
// cursor forever, false means the content array is the full result set and
// pages are exposed in fixed windows.
func (r *Resolver) NextRequestParams(queryID string, last PageResponse) *Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.ensureLocked(queryID)
	r.resolveLocked(state, last)

	switch state.mode {
	case ModeServerCursor:
		if !last.HasNextPage {
			return nil
		}
		cursor := strings.TrimSpace(last.NextCursor)
		if cursor == "" {
			// The server promised another page without a token; there is
			// nothing to send, but the mode stays locked.
			return nil
		}
		return &Request{CursorToken: cursor}
	case ModeClientWindow:
		exposed := (state.windowIndex + 1) * PageSize
		if exposed >= len(state.content) {
			return nil
		}
		state.windowIndex++
		return &Request{WindowIndex: state.windowIndex}
	default:
		return nil
	}
}

// Mode reports the locked pagination mode for a query.
func (r *Resolver) Mode(queryID string) Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[queryID]
	if !ok {
		return ModeUnresolved
	}
	return state.mode
}

// Window returns the currently exposed slice of a client-windowed query.
func (r *Resolver) Window(queryID string) []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[queryID]
	if !ok || state.mode != ModeClientWindow {
		return nil
	}
	exposed := (state.windowIndex + 1) * PageSize
	if exposed > len(state.content) {
		exposed = len(state.content)
	}
	window := make([]Item, exposed)
	copy(window, state.content[:exposed])
	return window
}

// Reset drops all pagination state for a query, allowing the mode to be
// decided again from a fresh first page.
func (r *Resolver) Reset(queryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, queryID)
}
