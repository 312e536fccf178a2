package ledger

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Capacity is the maximum number of events retained; the oldest entries are
// evicted first.
const Capacity = 100

type Options struct {
	Backend Backend
	Logger  *slog.Logger
}

// Ledger is a bounded, newest-first store of push events with per-entry read
// state. Events and read state survive restarts through the configured
// backend; the connected flag is transient.
type Ledger struct {
	mu        sync.Mutex
	events    []Event
	connected bool
	backend   Backend
	logger    *slog.Logger
}

func New(opts Options) (*Ledger, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &Ledger{
		backend: opts.Backend,
		logger:  logger,
	}
	if opts.Backend != nil {
		snapshot, err := opts.Backend.Load()
		if err != nil {
			return nil, err
		}
		if snapshot != nil {
			events := snapshot.Events
			if len(events) > Capacity {
				events = events[:Capacity]
			}
			l.events = events
		}
	}
	return l, nil
}

// SetAll replaces the entire event list with an authoritative snapshot.
func (l *Ledger) SetAll(events []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	replaced := make([]Event, len(events))
	copy(replaced, events)
	if len(replaced) > Capacity {
		replaced = replaced[:Capacity]
	}
	l.events = replaced
	l.persistLocked()
}

// Add prepends one event and evicts the oldest entries beyond capacity.
func (l *Ledger) Add(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]Event, 0, len(l.events)+1)
	events = append(events, event)
	events = append(events, l.events...)
	if len(events) > Capacity {
		events = events[:Capacity]
	}
	l.events = events
	l.persistLocked()
}

// MarkRead flags one event as read. Unknown event IDs are ignored.
func (l *Ledger) MarkRead(eventID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.events {
		if l.events[i].EventID != eventID {
			continue
		}
		if l.events[i].Read {
			return
		}
		l.events[i].Read = true
		l.persistLocked()
		return
	}
}

func (l *Ledger) MarkAllRead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := false
	for i := range l.events {
		if !l.events[i].Read {
			l.events[i].Read = true
			changed = true
		}
	}
	if changed {
		l.persistLocked()
	}
}

// Clear drops all events and resets read and connected state. Used on
// sign-out.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
	l.connected = false
	l.persistLocked()
}

func (l *Ledger) UnreadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for i := range l.events {
		if !l.events[i].Read {
			count++
		}
	}
	return count
}

func (l *Ledger) HasUnread() bool {
	return l.UnreadCount() > 0
}

// Events returns a copy of the event list, newest first.
func (l *Ledger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]Event, len(l.events))
	copy(events, l.events)
	return events
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *Ledger) SetConnected(connected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = connected
}

func (l *Ledger) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// persistLocked writes the durable part of the ledger through the backend.
// A failed save keeps the in-memory state authoritative for this process.
func (l *Ledger) persistLocked() {
	if l.backend == nil {
		return
	}
	hasUnread := false
	for i := range l.events {
		if !l.events[i].Read {
			hasUnread = true
			break
		}
	}
	events := make([]Event, len(l.events))
	copy(events, l.events)
	snapshot := &persistedLedger{
		Events:    events,
		HasUnread: hasUnread,
	}
	if err := l.backend.Save(snapshot); err != nil {
		l.logger.Warn("ledger save failed", "error", err)
	}
}
