package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes a session token file and announces each new valid
// session, which is how a login performed elsewhere reaches this process.
// The parent directory is watched rather than the file itself, so atomic
// rename-into-place writes and files that do not exist yet are both seen.
type Watcher struct {
	path     string
	logger   *slog.Logger
	notifier *fsnotify.Watcher
	sessions chan Session

	closeOnce sync.Once
	done      chan struct{}

	mu   sync.Mutex
	last Session
}

// WatchFile starts watching the token file at path. If the file already
// holds a valid session it is announced immediately.
func WatchFile(path string, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("session file path is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := notifier.Add(dir); err != nil {
		notifier.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	w := &Watcher{
		path:     path,
		logger:   logger,
		notifier: notifier,
		sessions: make(chan Session, 1),
		done:     make(chan struct{}),
	}
	w.reload()
	go w.run()
	return w, nil
}

// Sessions yields each new valid session read from the file. The channel
// closes when the watcher does.
func (w *Watcher) Sessions() <-chan Session {
	return w.sessions
}

// Current satisfies Source with a fresh read of the file.
func (w *Watcher) Current(ctx context.Context) (Session, error) {
	return ReadFile(w.path)
}

// Close stops the watcher and closes the session channel.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.notifier.Close()
		<-w.done
		close(w.sessions)
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.notifier.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.reload()
			}
		case err, ok := <-w.notifier.Errors:
			if !ok {
				return
			}
			w.logger.Warn("session watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	s, err := ReadFile(w.path)
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			w.logger.Warn("session file unreadable", "path", w.path, "error", err)
		}
		return
	}

	w.mu.Lock()
	if s == w.last {
		w.mu.Unlock()
		return
	}
	w.last = s
	w.mu.Unlock()

	w.logger.Info("session updated", "actorId", s.ActorID)
	// Only the latest session matters; drop a stale pending one.
	for {
		select {
		case w.sessions <- s:
			return
		default:
			select {
			case <-w.sessions:
			default:
			}
		}
	}
}

var _ Source = (*Watcher)(nil)
