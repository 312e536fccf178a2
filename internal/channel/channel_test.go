package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stagelink/stagesync/internal/ledger"
	"github.com/stagelink/stagesync/internal/session"
)

// fakeConn delivers scripted frames pushed through a channel and fails with
// the injected error once the script closes.
type fakeConn struct {
	frames chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	failWith  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) push(frame string) {
	c.frames <- []byte(frame)
}

func (c *fakeConn) fail(err error) {
	c.failWith = err
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.closed:
		if c.failWith != nil {
			return nil, c.failWith
		}
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dialErr error
	dials   int
}

func (t *fakeTransport) Dial(ctx context.Context, rawURL string, s session.Session) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	conn := newFakeConn()
	t.conns = append(t.conns, conn)
	return conn, nil
}

func (t *fakeTransport) latest(tb testing.TB) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		tb.Fatal("no connection dialed")
	}
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(ledger.Options{})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	return l
}

func newTestChannel(t *testing.T, l *ledger.Ledger, transport Transport, src session.Source) *Channel {
	t.Helper()
	if src == nil {
		src = session.Static("user_1", "tok_1")
	}
	c, err := New(Options{
		URL:       "wss://push.example/subscribe",
		Sessions:  src,
		Ledger:    l,
		Transport: transport,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// connectAsync starts Connect on a goroutine, pushes the ack, and returns
// the Connect result.
func connect(t *testing.T, c *Channel, transport *fakeTransport) *fakeConn {
	t.Helper()
	result := make(chan error, 1)
	go func() { result <- c.Connect(context.Background()) }()

	conn := waitForConn(t, transport)
	conn.push(`{"event":"connected"}`)
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not resolve on ack")
	}
	return conn
}

func waitForConn(t *testing.T, transport *fakeTransport) *fakeConn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		transport.mu.Lock()
		n := len(transport.conns)
		transport.mu.Unlock()
		if n > 0 {
			return transport.latest(t)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("transport never dialed")
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectResolvesOnServerAck(t *testing.T) {
	l := newTestLedger(t)
	transport := &fakeTransport{}
	c := newTestChannel(t, l, transport, nil)

	connect(t, c, transport)
	if state := c.State(); state != StateOpen {
		t.Fatalf("expected open, got %s", state)
	}
	if !l.Connected() {
		t.Fatal("ledger must reflect the open connection")
	}
}

func TestConnectFailsFastWithoutActor(t *testing.T) {
	l := newTestLedger(t)
	transport := &fakeTransport{}
	c := newTestChannel(t, l, transport, session.Static("", ""))

	if err := c.Connect(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if transport.dialCount() != 0 {
		t.Fatalf("no dial may happen without an actor, got %d", transport.dialCount())
	}
}

func TestConnectRejectedOnTransportErrorBeforeAck(t *testing.T) {
	l := newTestLedger(t)
	transport := &fakeTransport{}
	c := newTestChannel(t, l, transport, nil)

	result := make(chan error, 1)
	go func() { result <- c.Connect(context.Background()) }()

	conn := waitForConn(t, transport)
	conn.fail(errors.New("tls handshake reset"))

	select {
	case err := <-result:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not reject")
	}
	if state := c.State(); state != StateError {
		t.Fatalf("expected error state, got %s", state)
	}
	if l.Connected() {
		t.Fatal("ledger must not report connected")
	}
}

func TestSnapshotThenIncrementalYieldsNewestFirst(t *testing.T) {
	l := newTestLedger(t)
	transport := &fakeTransport{}
	c := newTestChannel(t, l, transport, nil)
	conn := connect(t, c, transport)

	conn.push(`{"event":"INITIAL_DATA","data":[
		{"eventId":"ev_3","eventType":"FUNDING_SUCCESS","message":"funded"},
		{"eventId":"ev_2","eventType":"PAYMENT_SUCCESS","message":"paid"},
		{"eventId":"ev_1","eventType":"FUNDING_REFUND","message":"refunded"}
	]}`)
	waitFor(t, "snapshot applied", func() bool { return l.Len() == 3 })

	conn.push(`{"event":"PAYMENT_SUCCESS","data":{"eventId":"ev_4","eventType":"PAYMENT_SUCCESS","message":"paid again"}}`)
	waitFor(t, "incremental applied", func() bool { return l.Len() == 4 })

	events := l.Events()
	if events[0].EventID != "ev_4" || events[3].EventID != "ev_1" {
		t.Fatalf("expected newest first ev_4..ev_1, got %s..%s", events[0].EventID, events[3].EventID)
	}
	if l.UnreadCount() != 4 {
		t.Fatalf("expected 4 unread, got %d", l.UnreadCount())
	}
}

func TestInvalidFramesAreDroppedWithoutCrashing(t *testing.T) {
	l := newTestLedger(t)
	transport := &fakeTransport{}
	c := newTestChannel(t, l, transport, nil)
	conn := connect(t, c, transport)

	conn.push(`not even json`)
	conn.push(`{"data":{"eventId":"ev_x"}}`)
	conn.push(`{"event":""}`)
	conn.push(`{"event":"SOMETHING_UNKNOWN","data":{}}`)
	conn.push(`{"event":"PAYMENT_SUCCESS","data":{"eventId":"ev_ok","eventType":"PAYMENT_SUCCESS"}}`)

	waitFor(t, "valid frame applied", func() bool { return l.Len() == 1 })
	if events := l.Events(); events[0].EventID != "ev_ok" {
		t.Fatalf("expected only ev_ok, got %+v", events)
	}
	if state := c.State(); state != StateOpen {
		t.Fatalf("reader must survive bad frames, got %s", state)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	transport := &fakeTransport{}
	c := newTestChannel(t, l, transport, nil)
	connect(t, c, transport)

	c.Disconnect()
	if state := c.State(); state != StateClosed {
		t.Fatalf("expected closed, got %s", state)
	}
	if l.Connected() {
		t.Fatal("ledger must not report connected after disconnect")
	}
	c.Disconnect()
	if state := c.State(); state != StateClosed {
		t.Fatalf("second disconnect must stay closed, got %s", state)
	}
}

func TestConnectTearsDownPreviousConnection(t *testing.T) {
	l := newTestLedger(t)
	transport := &fakeTransport{}
	c := newTestChannel(t, l, transport, nil)
	first := connect(t, c, transport)

	connect(t, c, transport)
	if transport.dialCount() != 2 {
		t.Fatalf("expected 2 dials, got %d", transport.dialCount())
	}
	select {
	case <-first.closed:
	default:
		t.Fatal("first connection must be closed before the second opens")
	}
	if state := c.State(); state != StateOpen {
		t.Fatalf("expected open on the new connection, got %s", state)
	}
}

func TestConcurrentConnectsLeaveOneLiveConnection(t *testing.T) {
	l := newTestLedger(t)
	transport := &fakeTransport{}
	c := newTestChannel(t, l, transport, nil)

	results := make(chan error, 2)
	go func() { results <- c.Connect(context.Background()) }()
	go func() { results <- c.Connect(context.Background()) }()

	// The calls serialize: the second may not dial until the first settled.
	first := waitForConn(t, transport)
	first.push(`{"event":"connected"}`)
	waitFor(t, "second dial", func() bool { return transport.dialCount() == 2 })
	second := transport.latest(t)
	second.push(`{"event":"connected"}`)

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("Connect: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Connect did not settle")
		}
	}

	select {
	case <-first.closed:
	default:
		t.Fatal("superseded connection must be closed")
	}

	c.Disconnect()
	select {
	case <-second.closed:
	default:
		t.Fatal("no connection may outlive Disconnect")
	}

	// A frame queued on a torn-down connection must never reach the ledger.
	first.push(`{"event":"PAYMENT_SUCCESS","data":{"eventId":"ev_orphan","eventType":"PAYMENT_SUCCESS"}}`)
	second.push(`{"event":"PAYMENT_SUCCESS","data":{"eventId":"ev_orphan2","eventType":"PAYMENT_SUCCESS"}}`)
	time.Sleep(20 * time.Millisecond)
	if l.Len() != 0 {
		t.Fatalf("ledger must stay empty after Disconnect, got %d events", l.Len())
	}
}

func TestDisconnectDuringHandshakeRejectsConnect(t *testing.T) {
	l := newTestLedger(t)
	transport := &fakeTransport{}
	c := newTestChannel(t, l, transport, nil)

	result := make(chan error, 1)
	go func() { result <- c.Connect(context.Background()) }()

	waitForConn(t, transport)
	c.Disconnect()

	select {
	case err := <-result:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not settle after Disconnect")
	}
}

func TestTransportErrorAfterOpenMovesToError(t *testing.T) {
	l := newTestLedger(t)
	transport := &fakeTransport{}
	c := newTestChannel(t, l, transport, nil)
	conn := connect(t, c, transport)

	conn.fail(errors.New("broken pipe"))
	waitFor(t, "error state", func() bool { return c.State() == StateError })
	if l.Connected() {
		t.Fatal("ledger must flip connected off on transport failure")
	}
}

func TestRetryOnLoginMakesOneDelayedAttempt(t *testing.T) {
	l := newTestLedger(t)
	transport := &fakeTransport{}
	c := newTestChannel(t, l, transport, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logins := make(chan session.Session, 1)
	go c.RetryOnLogin(ctx, logins, 5*time.Millisecond)

	logins <- session.Session{ActorID: "user_1", Token: "tok_1"}
	conn := waitForConn(t, transport)
	conn.push(`{"event":"connected"}`)
	waitFor(t, "open after login", func() bool { return c.State() == StateOpen })
	if transport.dialCount() != 1 {
		t.Fatalf("expected exactly one dial, got %d", transport.dialCount())
	}

	// A failed attempt is not repeated.
	conn.fail(fmt.Errorf("gone"))
	waitFor(t, "error state", func() bool { return c.State() == StateError })
	time.Sleep(20 * time.Millisecond)
	if transport.dialCount() != 1 {
		t.Fatalf("no retry loop may exist, got %d dials", transport.dialCount())
	}
}
