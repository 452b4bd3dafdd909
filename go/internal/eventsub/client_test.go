package eventsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/subathon/go/clients/helix_client"
	"github.com/mcdev12/subathon/go/internal/events"
)

type fakeConn struct {
	msgs      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	deadlines []time.Time
	closes    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m, ok := <-f.msgs:
		if !ok {
			return 0, nil, io.EOF
		}
		return 1, m, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlines = append(f.deadlines, t)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) readDeadlines() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.deadlines...)
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// drop simulates the transport going away.
func (f *fakeConn) drop() { close(f.msgs) }

func (f *fakeConn) welcome(sessionID string) {
	f.msgs <- []byte(fmt.Sprintf(`{"metadata":{"message_type":"session_welcome"},"payload":{"session":{"id":%q,"status":"connected","keepalive_timeout_seconds":10}}}`, sessionID))
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
}

func (d *fakeDialer) push(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

type subscribeCall struct {
	sessionID string
	subType   string
}

type fakeSubscriber struct {
	mu    sync.Mutex
	calls []subscribeCall
	fail  map[string]error
}

func (s *fakeSubscriber) CreateEventSubSubscription(ctx context.Context, clientID, token string, req helix_client.CreateSubscriptionRequest) (*helix_client.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, subscribeCall{sessionID: req.Transport.SessionID, subType: req.Type})
	if err, ok := s.fail[req.Type]; ok {
		return nil, err
	}
	return &helix_client.Subscription{ID: "sub", Status: "enabled", Type: req.Type}, nil
}

func (s *fakeSubscriber) snapshot() []subscribeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]subscribeCall(nil), s.calls...)
}

func (s *fakeSubscriber) countFor(sessionID string) map[string]int {
	counts := make(map[string]int)
	for _, c := range s.snapshot() {
		if c.sessionID == sessionID {
			counts[c.subType]++
		}
	}
	return counts
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestClient(t *testing.T) (*Client, *fakeDialer, *fakeSubscriber, *clockwork.FakeClock, *events.Bus) {
	t.Helper()
	dialer := &fakeDialer{}
	sub := &fakeSubscriber{fail: map[string]error{}}
	clock := clockwork.NewFakeClock()
	bus := events.NewBus()
	c := New(sub, bus, WithDialer(dialer), WithClock(clock), WithURL("wss://test/ws"))
	t.Cleanup(c.Disconnect)
	return c, dialer, sub, clock, bus
}

func assertFullSet(t *testing.T, counts map[string]int) {
	t.Helper()
	required := RequiredSubscriptions("42")
	if len(counts) != len(required) {
		t.Fatalf("subscribed %d types, want %d: %v", len(counts), len(required), counts)
	}
	for _, spec := range required {
		if counts[spec.Type] != 1 {
			t.Fatalf("%s subscribed %d times, want 1", spec.Type, counts[spec.Type])
		}
	}
}

func TestConnectSubscribesFullSet(t *testing.T) {
	c, dialer, sub, _, _ := newTestClient(t)
	conn := newFakeConn()
	conn.welcome("session-1")
	dialer.push(conn)

	if err := c.Connect(context.Background(), "token", "42", "client"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", c.State())
	}
	if c.SessionID() != "session-1" {
		t.Fatalf("session id = %q", c.SessionID())
	}
	assertFullSet(t, sub.countFor("session-1"))

	if err := c.Connect(context.Background(), "token", "42", "client"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second connect err = %v", err)
	}
}

func TestDisconnectWelcomeCycleResubscribesOnce(t *testing.T) {
	c, dialer, sub, clock, _ := newTestClient(t)
	first := newFakeConn()
	first.welcome("session-1")
	dialer.push(first)

	if err := c.Connect(context.Background(), "token", "42", "client"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	second := newFakeConn()
	second.welcome("session-2")
	dialer.push(second)
	first.drop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("backoff sleep never started: %v", err)
	}
	if c.State() != StateReconnecting {
		t.Fatalf("state = %s, want RECONNECTING", c.State())
	}
	clock.Advance(2 * time.Second)

	waitFor(t, func() bool { return c.State() == StateActive && c.SessionID() == "session-2" })
	assertFullSet(t, sub.countFor("session-2"))
	assertFullSet(t, sub.countFor("session-1"))
}

func TestReconnectDirectiveMovesSession(t *testing.T) {
	c, dialer, sub, _, _ := newTestClient(t)
	first := newFakeConn()
	first.welcome("session-1")
	dialer.push(first)

	if err := c.Connect(context.Background(), "token", "42", "client"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	second := newFakeConn()
	second.welcome("session-2")
	dialer.push(second)
	first.msgs <- []byte(`{"metadata":{"message_type":"session_reconnect"},"payload":{"session":{"id":"session-1","status":"reconnecting","reconnect_url":"wss://moved/ws"}}}`)

	waitFor(t, func() bool { return c.SessionID() == "session-2" && c.State() == StateActive })
	assertFullSet(t, sub.countFor("session-2"))

	urls := dialer.dialed()
	if urls[len(urls)-1] != "wss://moved/ws" {
		t.Fatalf("dialed %v, want reconnect url last", urls)
	}
}

func TestNotificationPublishedToBus(t *testing.T) {
	c, dialer, _, _, bus := newTestClient(t)
	ch := make(chan events.CanonicalEvent, 1)
	bus.Route(events.TypeBits, ch)

	conn := newFakeConn()
	conn.welcome("session-1")
	dialer.push(conn)
	if err := c.Connect(context.Background(), "token", "42", "client"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.msgs <- []byte(`{"metadata":{"message_type":"notification","message_timestamp":"2024-01-01T00:00:00Z","subscription_type":"channel.cheer"},` +
		`"payload":{"subscription":{"id":"x","type":"channel.cheer"},"event":{"user_name":"cheerer","broadcaster_user_login":"streamer","bits":250,"is_anonymous":false}}}`)

	select {
	case ev := <-ch:
		if ev.Username != "cheerer" || ev.Bits != 250 || ev.SourceChannel != "streamer" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not published")
	}
}

func TestFailedSubscriptionRetriedOnceThenSkipped(t *testing.T) {
	c, dialer, sub, _, _ := newTestClient(t)
	sub.fail[TypeChannelCheer] = errors.New("403 forbidden")
	sub.fail[TypeChannelRaid] = helix_client.ErrSubscriptionExists

	conn := newFakeConn()
	conn.welcome("session-1")
	dialer.push(conn)
	if err := c.Connect(context.Background(), "token", "42", "client"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	counts := sub.countFor("session-1")
	if counts[TypeChannelCheer] != 2 {
		t.Fatalf("cheer attempts = %d, want 2", counts[TypeChannelCheer])
	}
	if counts[TypeChannelRaid] != 1 {
		t.Fatalf("existing subscription retried: %d", counts[TypeChannelRaid])
	}
	if counts[TypeRewardRedemptionAdd] != 1 {
		t.Fatalf("later subscriptions skipped after a failure")
	}
}

func TestStreamExhausted(t *testing.T) {
	c, dialer, _, clock, _ := newTestClient(t)
	conn := newFakeConn()
	conn.welcome("session-1")
	dialer.push(conn)
	if err := c.Connect(context.Background(), "token", "42", "client"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.drop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < c.backoff.MaxAttempts; i++ {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("attempt %d never slept: %v", i+1, err)
		}
		clock.Advance(time.Minute)
	}

	select {
	case err := <-c.Fatal():
		if !errors.Is(err, ErrStreamExhausted) {
			t.Fatalf("fatal = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error after exhausting attempts")
	}
	if c.State() != StateExhausted {
		t.Fatalf("state = %s, want EXHAUSTED", c.State())
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c, dialer, _, _, _ := newTestClient(t)
	c.Disconnect()

	conn := newFakeConn()
	conn.welcome("session-1")
	dialer.push(conn)
	if err := c.Connect(context.Background(), "token", "42", "client"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.Disconnect()
	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Fatalf("state = %s", c.State())
	}
}

func TestConnectFailsWithoutWelcome(t *testing.T) {
	c, dialer, _, _, _ := newTestClient(t)
	conn := newFakeConn()
	conn.drop()
	dialer.push(conn)

	if err := c.Connect(context.Background(), "token", "42", "client"); err == nil {
		t.Fatal("expected error")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %s", c.State())
	}
}

func TestReadDeadlinesFollowWallClock(t *testing.T) {
	c, dialer, _, _, _ := newTestClient(t)
	conn := newFakeConn()
	conn.welcome("session-1")
	dialer.push(conn)

	before := time.Now()
	if err := c.Connect(context.Background(), "token", "42", "client"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadlines := conn.readDeadlines()
	if len(deadlines) != 2 {
		t.Fatalf("deadlines = %v", deadlines)
	}
	if !deadlines[0].After(before) {
		t.Fatalf("welcome deadline %v is not wall clock", deadlines[0])
	}
	// keepalive of 10s plus grace
	keepalive := deadlines[1]
	if keepalive.Before(before.Add(15*time.Second)) || keepalive.After(time.Now().Add(15*time.Second)) {
		t.Fatalf("keepalive deadline = %v, want about 15s after %v", keepalive, before)
	}

	conn.msgs <- []byte(`{"metadata":{"message_type":"session_keepalive"},"payload":{}}`)
	waitFor(t, func() bool { return len(conn.readDeadlines()) == 3 })
	if d := conn.readDeadlines()[2]; d.Before(keepalive) {
		t.Fatalf("keepalive did not push the deadline out: %v", d)
	}
}

func TestReplacedConnectionNotClosedAgainOnDisconnect(t *testing.T) {
	c, dialer, _, clock, _ := newTestClient(t)
	first := newFakeConn()
	first.welcome("session-1")
	dialer.push(first)
	if err := c.Connect(context.Background(), "token", "42", "client"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	second := newFakeConn()
	second.welcome("session-2")
	dialer.push(second)
	first.drop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("backoff sleep never started: %v", err)
	}
	clock.Advance(2 * time.Second)
	waitFor(t, func() bool { return c.State() == StateActive && c.SessionID() == "session-2" })

	closes := first.closeCount()
	c.Disconnect()
	// give a leftover close hook the chance to fire
	time.Sleep(20 * time.Millisecond)
	if n := first.closeCount(); n != closes {
		t.Fatalf("replaced connection closed %d more times on disconnect", n-closes)
	}
}
