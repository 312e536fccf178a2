// Package channel maintains the one long-lived push connection per
// authenticated actor and feeds every inbound frame into the notification
// ledger: a snapshot frame replaces the ledger wholesale, named event frames
// prepend one entry each.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/stagelink/stagesync/internal/ledger"
	"github.com/stagelink/stagesync/internal/session"
)

var (
	// ErrNotAuthenticated is returned by Connect when no actor session is
	// available; no connection attempt is made.
	ErrNotAuthenticated = errors.New("channel: no authenticated actor")
	// ErrConnectionClosed is returned to a pending Connect whose transport
	// failed before the server acknowledged the subscription.
	ErrConnectionClosed = errors.New("channel: connection closed before acknowledgment")
)

// ConnectionState describes the channel lifecycle. An open channel never
// returns to Idle; teardown lands on Closed, failure on Error.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateError
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Wire frame names outside the ledger's event taxonomy.
const (
	frameConnected   = "connected"
	frameInitialData = "INITIAL_DATA"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type Options struct {
	// URL is the push subscription endpoint.
	URL string
	// Sessions yields the actor the connection subscribes for.
	Sessions session.Source
	// Ledger receives every accepted frame.
	Ledger *ledger.Ledger
	// Transport dials connections; defaults to the websocket transport.
	Transport Transport
	Logger    *slog.Logger
}

// Channel owns the connection state machine. All methods are safe for
// concurrent use; only one connection is live at a time.
type Channel struct {
	url       string
	sessions  session.Source
	ledger    *ledger.Ledger
	transport Transport
	logger    *slog.Logger
	validator *frameValidator

	// connectMu serializes Connect end to end, so teardown, dial and
	// install of the new connection happen as one step and two racing
	// Connect calls cannot leave an orphaned reader behind.
	connectMu sync.Mutex

	mu        sync.Mutex
	state     ConnectionState
	current   *liveConn
	teardowns uint64
}

// liveConn tracks one dialed connection and its reader goroutine.
type liveConn struct {
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
	ack    chan struct{}
	err    chan error
}

func New(opts Options) (*Channel, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("channel url is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("session source is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	transport := opts.Transport
	if transport == nil {
		transport = &WebsocketTransport{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	validator, err := newFrameValidator()
	if err != nil {
		return nil, err
	}
	return &Channel{
		url:       opts.URL,
		sessions:  opts.Sessions,
		ledger:    opts.Ledger,
		transport: transport,
		logger:    logger,
		validator: validator,
		state:     StateIdle,
	}, nil
}

// State reports the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect tears down any live connection, then dials and subscribes for the
// current actor. It returns once the server acknowledges the subscription,
// the transport fails, or ctx expires. Without an authenticated actor it
// fails fast and dials nothing.
func (c *Channel) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.Disconnect()

	s, err := c.sessions.Current(ctx)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return ErrNotAuthenticated
		}
		return fmt.Errorf("resolving session: %w", err)
	}
	if !s.Valid() {
		return ErrNotAuthenticated
	}

	c.mu.Lock()
	seenTeardowns := c.teardowns
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.transport.Dial(ctx, c.url, s)
	if err != nil {
		c.setState(StateError)
		return fmt.Errorf("opening push connection: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	lc := &liveConn{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
		ack:    make(chan struct{}),
		err:    make(chan error, 1),
	}

	c.mu.Lock()
	if c.teardowns != seenTeardowns {
		// A Disconnect landed while dialing; honor it rather than
		// resurrecting a connection the caller just tore down.
		c.mu.Unlock()
		cancel()
		if err := conn.Close(); err != nil {
			c.logger.Debug("closing superseded connection", "error", err)
		}
		return ErrConnectionClosed
	}
	c.current = lc
	c.mu.Unlock()

	go c.readLoop(readCtx, lc)

	select {
	case <-lc.ack:
		return nil
	case err := <-lc.err:
		return err
	case <-ctx.Done():
		c.Disconnect()
		return ctx.Err()
	}
}

// Disconnect tears down any live connection and moves the channel to
// Closed. It is idempotent and safe to call at any time.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	lc := c.current
	c.current = nil
	c.state = StateClosed
	c.teardowns++
	c.mu.Unlock()

	c.ledger.SetConnected(false)
	if lc == nil {
		return
	}
	lc.cancel()
	if err := lc.conn.Close(); err != nil {
		c.logger.Debug("closing push connection", "error", err)
	}
	<-lc.done
}

// RetryOnLogin consumes announced sessions and, for each, makes a single
// delayed connect attempt. There is no backoff and no repeat on failure;
// the delay lets the new session settle server-side first.
func (c *Channel) RetryOnLogin(ctx context.Context, logins <-chan session.Session, delay time.Duration) {
	if delay <= 0 {
		delay = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-logins:
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := c.Connect(ctx); err != nil {
				c.logger.Warn("login-triggered connect failed", "actorId", s.ActorID, "error", err)
			}
		}
	}
}

func (c *Channel) setState(state ConnectionState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// setStateFor applies a state change only while lc is still the live
// connection, so a reader outliving its teardown cannot clobber a newer
// connection's state.
func (c *Channel) setStateFor(lc *liveConn, state ConnectionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != lc {
		return false
	}
	c.state = state
	return true
}

func (c *Channel) readLoop(ctx context.Context, lc *liveConn) {
	defer close(lc.done)
	acked := false
	for {
		raw, err := lc.conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Local teardown; Disconnect owns the state, but a
				// handshake still in flight must not be left waiting.
				if !acked {
					lc.err <- ErrConnectionClosed
				}
				return
			}
			if c.setStateFor(lc, StateError) {
				c.ledger.SetConnected(false)
				c.logger.Warn("push connection failed", "error", err)
			}
			if !acked {
				lc.err <- fmt.Errorf("%w: %w", ErrConnectionClosed, err)
			}
			return
		}
		if err := c.validator.validate(raw); err != nil {
			c.logger.Warn("dropping invalid frame", "error", err)
			continue
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if f.Event == frameConnected && !acked {
			acked = true
			if c.setStateFor(lc, StateOpen) {
				c.ledger.SetConnected(true)
			}
			close(lc.ack)
			continue
		}
		c.handleFrame(f)
	}
}

func (c *Channel) handleFrame(f frame) {
	switch {
	case f.Event == frameConnected:
		// Repeated ack; nothing to do.
	case f.Event == frameInitialData:
		var events []ledger.Event
		if err := json.Unmarshal(f.Data, &events); err != nil {
			c.logger.Warn("dropping malformed snapshot frame", "error", err)
			return
		}
		c.ledger.SetAll(events)
		c.logger.Debug("ledger snapshot applied", "events", len(events))
	case ledger.IsValidEventType(ledger.EventType(f.Event)):
		var event ledger.Event
		if err := json.Unmarshal(f.Data, &event); err != nil {
			c.logger.Warn("dropping malformed event frame", "event", f.Event, "error", err)
			return
		}
		c.ledger.Add(event)
		c.logger.Debug("ledger event added", "event", f.Event, "eventId", event.EventID)
	default:
		c.logger.Debug("ignoring unknown frame", "event", f.Event)
	}
}
