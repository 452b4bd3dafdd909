package chat

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// timeoutError is what a socket read returns once its deadline passes.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

type fakeConn struct {
	msgs      chan []byte
	readErrs  chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	writes     []string
	deadlines  []time.Time
	closes     int
	failPrefix string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		msgs:     make(chan []byte, 16),
		readErrs: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m, ok := <-f.msgs:
		if !ok {
			return 0, nil, io.EOF
		}
		return 1, m, nil
	case err := <-f.readErrs:
		return 0, nil, err
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := strings.TrimRight(string(data), "\r\n")
	if f.failPrefix != "" && strings.HasPrefix(line, f.failPrefix) {
		return errors.New("broken pipe")
	}
	f.writes = append(f.writes, line)
	return nil
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

func (f *fakeConn) failWrites(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPrefix = prefix
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

func (f *fakeConn) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeConn) count(line string) int {
	n := 0
	for _, w := range f.written() {
		if w == line {
			n++
		}
	}
	return n
}

func (f *fakeConn) welcome() {
	f.msgs <- []byte(":tmi.twitch.tv 001 bot :Welcome, GLHF!\r\n")
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) push(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
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

func connected(t *testing.T) (*Client, *fakeConn, *fakeDialer, *clockwork.FakeClock) {
	t.Helper()
	dialer := &fakeDialer{}
	clock := clockwork.NewFakeClock()
	conn := newFakeConn()
	conn.welcome()
	dialer.push(conn)

	c := New(WithDialer(dialer), WithClock(clock))
	t.Cleanup(c.Disconnect)
	if err := c.Connect(context.Background(), "Bot", "oauth:secret"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c, conn, dialer, clock
}

func TestConnectLogsIn(t *testing.T) {
	c, conn, _, _ := connected(t)

	got := conn.written()
	want := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS oauth:secret",
		"NICK bot",
	}
	if len(got) < len(want) {
		t.Fatalf("writes = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write %d = %q, want %q", i, got[i], want[i])
		}
	}
	if !c.Connected() {
		t.Fatal("client not connected")
	}
}

func TestConnectAuthFailure(t *testing.T) {
	dialer := &fakeDialer{}
	conn := newFakeConn()
	conn.msgs <- []byte(":tmi.twitch.tv NOTICE * :Login authentication failed\r\n")
	dialer.push(conn)

	c := New(WithDialer(dialer), WithClock(clockwork.NewFakeClock()))
	if err := c.Connect(context.Background(), "bot", "bad"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestJoinChannelIsIdempotent(t *testing.T) {
	c, conn, _, _ := connected(t)

	if err := c.JoinChannel("X"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := c.JoinChannel("#x"); err != nil {
		t.Fatalf("second join: %v", err)
	}

	if n := conn.count("JOIN #x"); n != 1 {
		t.Fatalf("JOIN sent %d times, want 1", n)
	}
	if ch := c.Channels(); len(ch) != 1 || ch[0] != "x" {
		t.Fatalf("channels = %v", ch)
	}
}

func TestLeaveChannelIsIdempotent(t *testing.T) {
	c, conn, _, _ := connected(t)

	if err := c.LeaveChannel("nobody"); err != nil {
		t.Fatalf("leave untracked: %v", err)
	}
	if n := conn.count("PART #nobody"); n != 0 {
		t.Fatalf("PART sent for untracked channel")
	}

	c.JoinChannel("x")
	c.LeaveChannel("x")
	c.LeaveChannel("x")
	if n := conn.count("PART #x"); n != 1 {
		t.Fatalf("PART sent %d times, want 1", n)
	}
	if len(c.Channels()) != 0 {
		t.Fatalf("channels = %v", c.Channels())
	}
}

func TestSendMessageErrors(t *testing.T) {
	c := New(WithDialer(&fakeDialer{}), WithClock(clockwork.NewFakeClock()))

	if err := c.SendMessage(context.Background(), "x", "hi"); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("err = %v, want ErrNotJoined", err)
	}
	c.JoinChannel("x")
	if err := c.SendMessage(context.Background(), "x", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestSendMessage(t *testing.T) {
	c, conn, _, _ := connected(t)
	c.JoinChannel("x")

	if err := c.SendMessage(context.Background(), "#X", "hello\nworld"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := conn.count("PRIVMSG #x :hello world"); n != 1 {
		t.Fatalf("writes = %v", conn.written())
	}
}

func TestInboundPrivmsgDelivered(t *testing.T) {
	c, conn, _, _ := connected(t)
	msgs, cancel := c.Subscribe()
	defer cancel()

	conn.msgs <- []byte("@badges=moderator/1;color=#1E90FF;display-name=ModUser;id=m1;mod=1;subscriber=0;tmi-sent-ts=1700000000000;user-id=7 :moduser!moduser@moduser.tmi.twitch.tv PRIVMSG #x :!timer add 5m\r\n")

	select {
	case m := <-msgs:
		if m.Username != "ModUser" || m.Channel != "x" || m.Text != "!timer add 5m" || !m.IsMod || m.Color != "#1E90FF" {
			t.Fatalf("message = %+v", m)
		}
		if !m.Timestamp.Equal(time.UnixMilli(1700000000000)) {
			t.Fatalf("timestamp = %v", m.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestPingAnswered(t *testing.T) {
	_, conn, _, _ := connected(t)
	conn.msgs <- []byte("PING :tmi.twitch.tv\r\n")
	waitFor(t, func() bool { return conn.count("PONG :tmi.twitch.tv") == 1 })
}

func TestReconnectRejoinsTrackedChannels(t *testing.T) {
	c, first, dialer, clock := connected(t)
	c.JoinChannel("alpha")
	c.JoinChannel("beta")

	second := newFakeConn()
	second.welcome()
	dialer.push(second)
	close(first.msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("backoff sleep never started: %v", err)
	}
	clock.Advance(2 * time.Second)

	waitFor(t, func() bool { return c.Connected() && second.count("JOIN #beta") == 1 })
	if second.count("JOIN #alpha") != 1 {
		t.Fatalf("alpha not rejoined: %v", second.written())
	}
}

func TestSubscribeCancel(t *testing.T) {
	c := New()
	msgs, cancel := c.Subscribe()
	cancel()
	cancel()
	if _, ok := <-msgs; ok {
		t.Fatal("channel still open after cancel")
	}
	c.publish(Message{Text: "after cancel"})
}

func TestReadDeadlineKeptAfterLogin(t *testing.T) {
	before := time.Now()
	_, conn, _, _ := connected(t)

	deadlines := conn.readDeadlines()
	if len(deadlines) < 2 {
		t.Fatalf("deadlines = %v", deadlines)
	}
	// the fake clock starts in 1984; socket deadlines must ignore it
	if login := deadlines[0]; !login.After(before) {
		t.Fatalf("login deadline %v is not wall clock", login)
	}
	last := deadlines[len(deadlines)-1]
	if !last.After(before.Add(5 * time.Minute)) {
		t.Fatalf("deadline after login = %v, want about six minutes out", last)
	}

	n := len(deadlines)
	conn.msgs <- []byte("PING :tmi.twitch.tv\r\n")
	waitFor(t, func() bool { return conn.count("PONG :tmi.twitch.tv") == 1 })
	waitFor(t, func() bool { return len(conn.readDeadlines()) > n })
	refreshed := conn.readDeadlines()
	if d := refreshed[len(refreshed)-1]; d.IsZero() || d.Before(last) {
		t.Fatalf("deadline after ping = %v, want refreshed past %v", d, last)
	}
}

func TestReadTimeoutReconnectsAndRejoins(t *testing.T) {
	c, first, dialer, clock := connected(t)
	c.JoinChannel("alpha")

	second := newFakeConn()
	second.welcome()
	dialer.push(second)
	first.readErrs <- timeoutError{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("backoff sleep never started: %v", err)
	}
	clock.Advance(2 * time.Second)

	waitFor(t, func() bool { return c.Connected() && second.count("JOIN #alpha") == 1 })
}

func TestReplacedConnectionNotClosedAgainOnDisconnect(t *testing.T) {
	c, first, dialer, clock := connected(t)

	second := newFakeConn()
	second.welcome()
	dialer.push(second)
	close(first.msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("backoff sleep never started: %v", err)
	}
	clock.Advance(2 * time.Second)
	waitFor(t, c.Connected)

	closes := first.closeCount()
	c.Disconnect()
	// give a leftover close hook the chance to fire
	time.Sleep(20 * time.Millisecond)
	if n := first.closeCount(); n != closes {
		t.Fatalf("replaced connection closed %d more times on disconnect", n-closes)
	}
}

func TestJoinChannelWriteFailureNotTracked(t *testing.T) {
	c, conn, _, _ := connected(t)
	conn.failWrites("JOIN")

	if err := c.JoinChannel("x"); err == nil {
		t.Fatal("join succeeded despite write failure")
	}
	if ch := c.Channels(); len(ch) != 0 {
		t.Fatalf("channels = %v, want none after failed join", ch)
	}

	conn.failWrites("")
	if err := c.JoinChannel("x"); err != nil {
		t.Fatalf("retry join: %v", err)
	}
	if n := conn.count("JOIN #x"); n != 1 {
		t.Fatalf("JOIN sent %d times on retry, want 1", n)
	}
}
