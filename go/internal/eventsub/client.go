package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/subathon/go/clients/helix_client"
	"github.com/mcdev12/subathon/go/internal/events"
	"github.com/mcdev12/subathon/go/internal/retry"
	"github.com/rs/zerolog/log"
)

// DefaultURL is the upstream stream endpoint
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

var (
	// ErrStreamExhausted is delivered on Fatal when reconnect attempts run out.
	ErrStreamExhausted  = errors.New("event stream reconnect attempts exhausted")
	ErrAlreadyConnected = errors.New("event stream already connected")
	errNoWelcome        = errors.New("connection closed before session welcome")
)

// State of the stream connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateWelcomed
	StateSubscribing
	StateActive
	StateReconnecting
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateWelcomed:
		return "WELCOMED"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateActive:
		return "ACTIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateExhausted:
		return "EXHAUSTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Subscriber registers subscriptions over HTTP. *helix_client.HelixClient satisfies it.
type Subscriber interface {
	CreateEventSubSubscription(ctx context.Context, clientID, token string, req helix_client.CreateSubscriptionRequest) (*helix_client.Subscription, error)
}

// reconnectDirective ends a read loop when upstream asks us to move.
type reconnectDirective struct {
	url string
}

func (r *reconnectDirective) Error() string {
	return "session reconnect requested: " + r.url
}

// Client keeps one stream session alive, subscribes every required type
// against each new session id and publishes decoded events to the bus.
type Client struct {
	url            string
	dialer         Dialer
	subscriber     Subscriber
	bus            *events.Bus
	clock          clockwork.Clock
	backoff        retry.Backoff
	welcomeTimeout time.Duration

	fatal chan error

	mu        sync.Mutex
	state     State
	conn      Conn
	sessionID string
	keepalive time.Duration
	token     string
	userID    string
	clientID  string
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

// New creates a disconnected client
func New(subscriber Subscriber, bus *events.Bus, opts ...Option) *Client {
	c := &Client{
		url:            DefaultURL,
		dialer:         WebsocketDialer{},
		subscriber:     subscriber,
		bus:            bus,
		clock:          clockwork.NewRealClock(),
		backoff:        retry.DefaultBackoff(),
		welcomeTimeout: 10 * time.Second,
		fatal:          make(chan error, 1),
		state:          StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fatal receives ErrStreamExhausted once the client gives up.
func (c *Client) Fatal() <-chan error {
	return c.fatal
}

// State reports the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID is the upstream id of the live session, empty before welcome.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("event stream state changed")
	}
}

// Connect dials the stream and returns once the welcome has arrived and every
// required subscription has been confirmed or logged as failed. The session
// keeps running after ctx ends; stop it with Disconnect.
func (c *Client) Connect(ctx context.Context, accessToken, userID, clientID string) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.token = accessToken
	c.userID = userID
	c.clientID = clientID
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	// the caller's ctx only bounds the handshake
	stop := context.AfterFunc(ctx, cancel)
	conn, release, err := c.handshake(runCtx, c.url)
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
		c.conn = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return fmt.Errorf("failed to connect event stream: %w", err)
	}

	go c.run(runCtx, conn, release, done)
	return nil
}

// Disconnect stops the session. Calling it on a disconnected client does nothing.
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
	c.sessionID = ""
	c.mu.Unlock()
	c.setState(StateDisconnected)

	log.Info().Msg("event stream disconnected")
}

// handshake dials url, waits for the welcome and subscribes the full set.
// The returned release detaches the connection from ctx and must be called
// once the connection is finished.
func (c *Client) handshake(ctx context.Context, url string) (Conn, func() bool, error) {
	c.setState(StateConnecting)

	conn, err := c.dialer.Dial(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	release := context.AfterFunc(ctx, func() { conn.Close() })
	fail := func(err error) (Conn, func() bool, error) {
		release()
		conn.Close()
		return nil, nil, err
	}

	// socket deadlines are wall clock regardless of the injected clock
	conn.SetReadDeadline(time.Now().Add(c.welcomeTimeout))

	welcome, err := readWelcome(conn)
	if err != nil {
		return fail(err)
	}

	keepalive := time.Duration(welcome.Session.KeepaliveTimeoutSeconds) * time.Second
	c.mu.Lock()
	c.sessionID = welcome.Session.ID
	c.keepalive = keepalive
	c.mu.Unlock()
	c.setState(StateWelcomed)
	c.refreshDeadline(conn)

	log.Info().
		Str("stream_session_id", welcome.Session.ID).
		Int("keepalive_seconds", welcome.Session.KeepaliveTimeoutSeconds).
		Msg("event stream session welcomed")

	c.setState(StateSubscribing)
	if err := c.subscribeAll(ctx, welcome.Session.ID); err != nil {
		return fail(err)
	}
	c.setState(StateActive)

	return conn, release, nil
}

func readWelcome(conn Conn) (*sessionPayload, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errNoWelcome, err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("malformed event stream message before welcome")
			continue
		}
		if env.Metadata.MessageType != messageSessionWelcome {
			continue
		}

		var welcome sessionPayload
		if err := json.Unmarshal(env.Payload, &welcome); err != nil {
			return nil, fmt.Errorf("decode session welcome: %w", err)
		}
		if welcome.Session.ID == "" {
			return nil, errors.New("session welcome without session id")
		}
		return &welcome, nil
	}
}

// subscribeAll issues one request per required subscription. A failure is
// retried once and then skipped; only ctx cancellation is returned.
func (c *Client) subscribeAll(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	token, userID, clientID := c.token, c.userID, c.clientID
	c.mu.Unlock()

	confirmed := 0
	specs := RequiredSubscriptions(userID)
	for _, spec := range specs {
		req := helix_client.CreateSubscriptionRequest{
			Type:      spec.Type,
			Version:   spec.Version,
			Condition: spec.Condition,
			Transport: helix_client.Transport{
				Method:    "websocket",
				SessionID: sessionID,
			},
		}

		var err error
		for attempt := 1; attempt <= 2; attempt++ {
			_, err = c.subscriber.CreateEventSubSubscription(ctx, clientID, token, req)
			if err == nil || errors.Is(err, helix_client.ErrSubscriptionExists) {
				err = nil
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().
				Err(err).
				Str("subscription_type", spec.Type).
				Int("attempt", attempt).
				Msg("failed to subscribe")
		}

		if err != nil {
			log.Error().
				Err(err).
				Str("subscription_type", spec.Type).
				Msg("skipping subscription")
			continue
		}
		confirmed++
	}

	log.Info().
		Str("stream_session_id", sessionID).
		Int("confirmed", confirmed).
		Int("required", len(specs)).
		Msg("event stream subscriptions issued")
	return nil
}

func (c *Client) refreshDeadline(conn Conn) {
	c.mu.Lock()
	keepalive := c.keepalive
	c.mu.Unlock()

	if keepalive <= 0 {
		conn.SetReadDeadline(time.Time{})
		return
	}
	// upstream sends a keepalive or notification at least this often
	conn.SetReadDeadline(time.Now().Add(keepalive + 5*time.Second))
}

// run reads until the transport fails, follows reconnect directives and
// falls back to bounded backoff. It closes done when it exits.
func (c *Client) run(ctx context.Context, conn Conn, release func() bool, done chan struct{}) {
	defer close(done)

	for {
		err := c.readLoop(ctx, conn)
		conn.Close()
		release()
		if ctx.Err() != nil {
			return
		}

		var directive *reconnectDirective
		if errors.As(err, &directive) {
			log.Info().Str("reconnect_url", directive.url).Msg("event stream moving to new session")
			next, nextRelease, herr := c.handshake(ctx, directive.url)
			if herr == nil {
				conn, release = next, nextRelease
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(herr).Msg("reconnect directive failed, falling back to backoff")
		} else {
			log.Warn().Err(err).Msg("event stream connection lost")
		}

		c.setState(StateDisconnected)
		next, nextRelease, rerr := c.reconnect(ctx)
		if rerr != nil {
			if ctx.Err() != nil {
				return
			}
			c.setState(StateExhausted)
			log.Error().Err(rerr).Msg("event stream giving up")
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
		conn, release = next, nextRelease
	}
}

// reconnect retries the handshake with backoff until it succeeds or the
// attempt budget is spent.
func (c *Client) reconnect(ctx context.Context) (Conn, func() bool, error) {
	for attempt := 1; ; attempt++ {
		if c.backoff.Exhausted(attempt) {
			return nil, nil, ErrStreamExhausted
		}

		c.setState(StateReconnecting)
		delay := c.backoff.Delay(attempt)
		log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("reconnecting event stream")

		if err := retry.Sleep(ctx, c.clock, delay); err != nil {
			return nil, nil, err
		}

		conn, release, err := c.handshake(ctx, c.url)
		if err == nil {
			return conn, release, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("event stream reconnect attempt failed")
	}
}

// readLoop dispatches messages in arrival order until the connection fails
// or upstream sends a reconnect directive.
func (c *Client) readLoop(ctx context.Context, conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("malformed event stream message")
			continue
		}

		switch env.Metadata.MessageType {
		case messageSessionKeepalive:
			c.refreshDeadline(conn)

		case messageNotification:
			c.refreshDeadline(conn)
			c.handleNotification(ctx, env)

		case messageSessionReconnect:
			var p sessionPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || p.Session.ReconnectURL == "" {
				log.Warn().Err(err).Msg("reconnect directive without url")
				return errors.New("invalid reconnect directive")
			}
			return &reconnectDirective{url: p.Session.ReconnectURL}

		case messageRevocation:
			log.Warn().
				Str("subscription_type", env.Metadata.SubscriptionType).
				Msg("subscription revoked upstream")

		default:
			log.Debug().Str("message_type", env.Metadata.MessageType).Msg("ignoring event stream message")
		}
	}
}

func (c *Client) handleNotification(ctx context.Context, env envelope) {
	var p notificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Warn().Err(err).Msg("malformed notification payload")
		return
	}

	at := env.Metadata.MessageTimestamp
	if at.IsZero() {
		at = c.clock.Now()
	}

	ev, ok, err := toCanonical(p.Subscription.Type, p.Event, at)
	if err != nil {
		log.Warn().Err(err).Msg("failed to decode notification")
		return
	}
	if !ok {
		log.Debug().Str("subscription_type", p.Subscription.Type).Msg("notification not translated")
		return
	}

	log.Info().
		Str("event_type", string(ev.Type)).
		Str("username", ev.Username).
		Msg("event received")

	c.bus.Publish(ctx, ev)
}
