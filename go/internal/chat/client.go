package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/subathon/go/internal/retry"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// DefaultURL is the upstream chat endpoint
const DefaultURL = "wss://irc-ws.chat.twitch.tv:443"

var (
	ErrNotJoined        = errors.New("channel not joined")
	ErrNotConnected     = errors.New("chat not connected")
	ErrAlreadyConnected = errors.New("chat already connected")
	ErrAuthFailed       = errors.New("chat login authentication failed")
	ErrChatExhausted    = errors.New("chat reconnect attempts exhausted")
)

// Message is a normalized chat line
type Message struct {
	ID            string    `json:"id"`
	Channel       string    `json:"channel"`
	Username      string    `json:"username"`
	UserID        string    `json:"userId"`
	Text          string    `json:"message"`
	Color         string    `json:"color"`
	IsMod         bool      `json:"isMod"`
	IsSubscriber  bool      `json:"isSubscriber"`
	IsVip         bool      `json:"isVip"`
	IsBroadcaster bool      `json:"isBroadcaster"`
	Timestamp     time.Time `json:"timestamp"`
}

// Conn is a duplex chat connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens chat connections
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Client relays one chat account: joins, parts, sends and fans inbound
// messages out to observers.
type Client struct {
	url          string
	dialer       Dialer
	clock        clockwork.Clock
	backoff      retry.Backoff
	limiter      *rate.Limiter
	loginTimeout time.Duration
	readTimeout  time.Duration

	fatal chan error

	writeMu sync.Mutex

	mu        sync.Mutex
	conn      Conn
	connected bool
	username  string
	token     string
	channels  []string
	observers map[int]chan Message
	nextObs   int
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Client
type Option func(*Client)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithBackoff(b retry.Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

func WithURL(url string) Option {
	return func(c *Client) { c.url = url }
}

// WithRateLimit overrides the outbound message limit.
func WithRateLimit(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// New creates a disconnected chat client
func New(opts ...Option) *Client {
	c := &Client{
		url:     DefaultURL,
		dialer:  WebsocketDialer{},
		clock:   clockwork.NewRealClock(),
		backoff: retry.DefaultBackoff(),
		// non-moderator accounts may send 20 messages per 30 seconds
		limiter:      rate.NewLimiter(rate.Every(30*time.Second/20), 20),
		loginTimeout: 10 * time.Second,
		// upstream pings about every five minutes
		readTimeout: 6 * time.Minute,
		fatal:       make(chan error, 1),
		observers:   make(map[int]chan Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fatal receives ErrChatExhausted once reconnecting gives up.
func (c *Client) Fatal() <-chan error {
	return c.fatal
}

// Connected reports whether the transport is up and logged in.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect logs in and joins every tracked channel. It returns once the
// server has accepted the login.
func (c *Client) Connect(ctx context.Context, username, token string) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.username = strings.ToLower(username)
	c.token = strings.TrimPrefix(token, "oauth:")
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)
	conn, release, err := c.login(runCtx)
	if !stop() && err == nil {
		release()
		conn.Close()
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		close(done)
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		return fmt.Errorf("failed to connect chat: %w", err)
	}

	c.attach(conn)
	go c.run(runCtx, conn, release, done)
	return nil
}

// Disconnect closes the connection. Tracked channels are kept so a later
// Connect rejoins them.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	conn := c.conn
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done

	c.mu.Lock()
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	log.Info().Msg("chat disconnected")
}

// JoinChannel tracks name and joins it when connected. Joining a tracked
// channel does nothing.
func (c *Client) JoinChannel(name string) error {
	channel := normalizeChannel(name)
	if channel == "" {
		return errors.New("channel name is empty")
	}

	c.mu.Lock()
	for _, ch := range c.channels {
		if ch == channel {
			c.mu.Unlock()
			return nil
		}
	}
	c.channels = append(c.channels, channel)
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	log.Info().Str("channel", channel).Msg("joining chat channel")
	if !connected {
		return nil
	}
	if err := c.write(conn, "JOIN #"+channel); err != nil {
		// untracked so a retry sends JOIN again
		c.untrack(channel)
		return err
	}
	return nil
}

// LeaveChannel stops tracking name. Leaving an untracked channel does nothing.
func (c *Client) LeaveChannel(name string) error {
	channel := normalizeChannel(name)

	if !c.untrack(channel) {
		return nil
	}
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	log.Info().Str("channel", channel).Msg("leaving chat channel")
	if connected {
		return c.write(conn, "PART #"+channel)
	}
	return nil
}

// untrack removes channel and reports whether it was tracked.
func (c *Client) untrack(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.channels {
		if ch == channel {
			c.channels = append(c.channels[:i], c.channels[i+1:]...)
			return true
		}
	}
	return false
}

// SendMessage posts text to a joined channel, waiting on the rate limiter.
func (c *Client) SendMessage(ctx context.Context, channel, text string) error {
	channel = normalizeChannel(channel)

	c.mu.Lock()
	joined := false
	for _, ch := range c.channels {
		if ch == channel {
			joined = true
			break
		}
	}
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	if !joined {
		return fmt.Errorf("%w: %s", ErrNotJoined, channel)
	}
	if !connected {
		return ErrNotConnected
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	text = strings.ReplaceAll(strings.ReplaceAll(text, "\r", " "), "\n", " ")
	return c.write(conn, fmt.Sprintf("PRIVMSG #%s :%s", channel, text))
}

// Channels returns the tracked channels in join order.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.channels...)
}

// Subscribe registers an observer. Messages are dropped for an observer
// whose buffer is full; cancel releases it.
func (c *Client) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 64)

	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Client) publish(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.observers {
		select {
		case ch <- msg:
		default:
			log.Warn().Str("channel", msg.Channel).Msg("chat observer full, dropping message")
		}
	}
}

func (c *Client) write(conn Conn, line string) error {
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n")); err != nil {
		return fmt.Errorf("chat write: %w", err)
	}
	return nil
}

// login dials, authenticates and waits for the welcome numeric. The returned
// release detaches the connection from ctx and must be called once the
// connection is finished.
func (c *Client) login(ctx context.Context) (Conn, func() bool, error) {
	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	release := context.AfterFunc(ctx, func() { conn.Close() })
	fail := func(err error) (Conn, func() bool, error) {
		release()
		conn.Close()
		return nil, nil, err
	}

	c.mu.Lock()
	username, token := c.username, c.token
	c.mu.Unlock()

	for _, line := range []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"PASS oauth:" + token,
		"NICK " + username,
	} {
		if err := c.write(conn, line); err != nil {
			return fail(err)
		}
	}

	// socket deadlines are wall clock regardless of the injected clock
	conn.SetReadDeadline(time.Now().Add(c.loginTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fail(fmt.Errorf("waiting for chat welcome: %w", err))
		}
		for _, line := range strings.Split(string(data), "\n") {
			msg, ok := parseLine(line)
			if !ok {
				continue
			}
			switch msg.Command {
			case "001":
				conn.SetReadDeadline(time.Now().Add(c.readTimeout))
				log.Info().Str("username", username).Msg("chat logged in")
				return conn, release, nil
			case "NOTICE":
				if strings.Contains(msg.Trailing(), "authentication failed") || strings.Contains(msg.Trailing(), "Improperly formatted auth") {
					return fail(ErrAuthFailed)
				}
			case "PING":
				c.write(conn, "PONG :"+msg.Trailing())
			}
		}
	}
}

// attach makes conn current and rejoins every tracked channel.
func (c *Client) attach(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	channels := append([]string(nil), c.channels...)
	c.mu.Unlock()

	for _, ch := range channels {
		if err := c.write(conn, "JOIN #"+ch); err != nil {
			log.Warn().Err(err).Str("channel", ch).Msg("failed to rejoin chat channel")
		}
	}
}

func (c *Client) run(ctx context.Context, conn Conn, release func() bool, done chan struct{}) {
	defer close(done)

	for {
		err := c.readLoop(conn)
		conn.Close()
		release()

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("chat connection lost")

		next, nextRelease, rerr := c.reconnect(ctx)
		if rerr != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(rerr).Msg("chat giving up")
			select {
			case c.fatal <- rerr:
			default:
			}
			c.mu.Lock()
			cancel := c.cancel
			c.cancel = nil
			c.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			return
		}
		c.attach(next)
		conn, release = next, nextRelease
	}
}

func (c *Client) reconnect(ctx context.Context) (Conn, func() bool, error) {
	for attempt := 1; ; attempt++ {
		if c.backoff.Exhausted(attempt) {
			return nil, nil, ErrChatExhausted
		}

		delay := c.backoff.Delay(attempt)
		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting chat")
		if err := retry.Sleep(ctx, c.clock, delay); err != nil {
			return nil, nil, err
		}

		conn, release, err := c.login(ctx)
		if err == nil {
			return conn, release, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("chat reconnect attempt failed")
	}
}

// readLoop handles inbound lines until the connection fails, goes quiet for
// longer than readTimeout or the server asks us to reconnect.
func (c *Client) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.readTimeout))

		for _, line := range strings.Split(string(data), "\n") {
			msg, ok := parseLine(line)
			if !ok {
				continue
			}

			switch msg.Command {
			case "PING":
				if err := c.write(conn, "PONG :"+msg.Trailing()); err != nil {
					return err
				}
			case "PRIVMSG":
				if m, ok := toMessage(msg, c.clock.Now()); ok {
					c.publish(m)
				}
			case "RECONNECT":
				return errors.New("server requested reconnect")
			case "NOTICE":
				log.Info().Str("notice", msg.Trailing()).Msg("chat notice")
			}
		}
	}
}
