package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/subathon/go/clients/helix_client"
	"github.com/pkg/browser"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// DefaultTimeout bounds how long the operator has to finish the browser flow.
const DefaultTimeout = 5 * time.Minute

// Session is an authorized user and their access token.
type Session struct {
	UserID       string    `json:"userId"`
	Login        string    `json:"login"`
	DisplayName  string    `json:"displayName"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	ObtainedAt   time.Time `json:"obtainedAt"`
}

// UserClient fetches and validates against the platform. *helix_client.HelixClient satisfies it.
type UserClient interface {
	GetAuthenticatedUser(ctx context.Context, clientID, token string) (*helix_client.User, error)
	ValidateToken(ctx context.Context, token string) (*helix_client.TokenValidation, error)
}

// Opener shows a URL to the operator.
type Opener func(url string) error

// Controller runs the authorization-code flow and owns the current session.
// Other components only get copies.
type Controller struct {
	users        UserClient
	clientSecret string
	endpoint     oauth2.Endpoint
	store        Store
	opener       Opener
	clock        clockwork.Clock
	timeout      time.Duration
	httpClient   *http.Client

	mu      sync.RWMutex
	current *Session
}

// Option configures a Controller
type Option func(*Controller)

func WithStore(s Store) Option {
	return func(c *Controller) { c.store = s }
}

func WithOpener(o Opener) Option {
	return func(c *Controller) { c.opener = o }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithIDBaseURL points authorize and token requests at another identity host.
func WithIDBaseURL(base string) Option {
	return func(c *Controller) {
		c.endpoint = endpointFor(base)
	}
}

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Controller) { c.httpClient = hc }
}

func endpointFor(base string) oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:   base + helix_client.AuthorizeEndpoint,
		TokenURL:  base + helix_client.TokenEndpoint,
		AuthStyle: oauth2.AuthStyleInParams,
	}
}

// NewController creates a controller with no session.
func NewController(users UserClient, clientSecret string, opts ...Option) *Controller {
	c := &Controller{
		users:        users,
		clientSecret: clientSecret,
		endpoint:     endpointFor(helix_client.IDBaseURL),
		opener:       browser.OpenURL,
		clock:        clockwork.NewRealClock(),
		timeout:      DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns a copy of the authorized session, if any.
func (c *Controller) Current() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return Session{}, false
	}
	s := *c.current
	s.Scopes = append([]string(nil), c.current.Scopes...)
	return s, true
}

func (c *Controller) setCurrent(s *Session) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
}

// Logout forgets the current session and its cached copy.
func (c *Controller) Logout() error {
	c.setCurrent(nil)
	if c.store != nil {
		if err := c.store.Delete(); err != nil {
			return err
		}
	}
	log.Info().Msg("logged out")
	return nil
}

// Restore loads the cached session and checks the token before trusting it.
// It returns (nil, nil) when nothing is cached and ErrSessionInvalid, after
// deleting the cache, when the token was rejected.
func (c *Controller) Restore(ctx context.Context) (*Session, error) {
	if c.store == nil {
		return nil, nil
	}

	cached, err := c.store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("discarding unreadable session cache")
		c.store.Delete()
		return nil, nil
	}
	if cached == nil {
		return nil, nil
	}

	validation, err := c.users.ValidateToken(ctx, cached.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to validate cached session: %w", err)
	}
	if validation == nil || (validation.UserID != "" && validation.UserID != cached.UserID) {
		if err := c.store.Delete(); err != nil {
			log.Error().Err(err).Msg("failed to delete invalid session cache")
		}
		log.Info().Str("login", cached.Login).Msg("cached session rejected, login required")
		return nil, ErrSessionInvalid
	}

	c.setCurrent(cached)
	log.Info().
		Str("user_id", cached.UserID).
		Str("login", cached.Login).
		Int64("expires_in", validation.ExpiresIn).
		Msg("session restored")

	s, _ := c.Current()
	return &s, nil
}

// callback is one redirect hit, handed from the listener to Authorize.
type callback struct {
	code  string
	err   error
	reply chan error
}

// Authorize runs one authorization-code round trip: it opens the provider's
// consent page, waits for the redirect on a local listener, exchanges the
// code and fetches the user. The listener is closed on every return path.
func (c *Controller) Authorize(ctx context.Context, clientID, redirectURI string, scopes []string) (*Session, error) {
	if clientID == "" {
		return nil, ErrMissingClientID
	}
	if c.clientSecret == "" {
		return nil, ErrMissingClientSecret
	}
	redirect, err := parseRedirectURI(redirectURI)
	if err != nil {
		return nil, err
	}

	state, err := newState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: c.clientSecret,
		Endpoint:     c.endpoint,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for callback on %s: %w", redirect.Host, err)
	}

	results := make(chan callback, 1)
	done := make(chan struct{})

	pattern := "GET " + redirect.Path
	if redirect.Path == "" || redirect.Path == "/" {
		pattern = "GET /{$}"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, callbackHandler(state, results, done))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	var closeOnce sync.Once
	closeListener := func() {
		closeOnce.Do(func() {
			close(done)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				server.Close()
			}
			// Serve may not have taken ownership of the listener yet
			listener.Close()
			log.Debug().Str("addr", redirect.Host).Msg("callback listener closed")
		})
	}
	defer closeListener()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("callback listener failed")
		}
	}()

	authURL := cfg.AuthCodeURL(state)
	if err := c.opener(authURL); err != nil {
		log.Warn().Err(err).Str("url", authURL).Msg("failed to open browser, open the url manually")
	}
	log.Info().Str("redirect_uri", redirectURI).Msg("waiting for authorization callback")

	timeout := c.clock.NewTimer(c.timeout)
	defer timeout.Stop()

	var cb callback
	select {
	case cb = <-results:
	case <-timeout.Chan():
		closeListener()
		return nil, newError(ErrTimeout, nil)
	case <-ctx.Done():
		closeListener()
		return nil, ctx.Err()
	}

	if cb.err != nil {
		// the handler renders the failure without waiting for a reply
		closeListener()
		log.Warn().Err(cb.err).Msg("authorization callback rejected")
		return nil, cb.err
	}

	session, err := c.complete(ctx, cfg, clientID, cb.code)
	cb.reply <- err
	closeListener()
	if err != nil {
		log.Error().Err(err).Msg("authorization failed")
		return nil, err
	}

	c.setCurrent(session)
	if c.store != nil {
		if err := c.store.Save(session); err != nil {
			log.Warn().Err(err).Msg("failed to cache session")
		}
	}

	log.Info().
		Str("user_id", session.UserID).
		Str("login", session.Login).
		Msg("authorization complete")

	out, _ := c.Current()
	return &out, nil
}

// complete exchanges the code and fetches the user behind the new token.
func (c *Controller) complete(ctx context.Context, cfg *oauth2.Config, clientID, code string) (*Session, error) {
	exchangeCtx := ctx
	if c.httpClient != nil {
		exchangeCtx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}

	token, err := cfg.Exchange(exchangeCtx, code)
	if err != nil {
		return nil, newError(ErrTokenExchangeFailed, err)
	}

	user, err := c.users.GetAuthenticatedUser(ctx, clientID, token.AccessToken)
	if err != nil {
		return nil, newError(ErrUserFetchFailed, err)
	}

	return &Session{
		UserID:       user.ID,
		Login:        user.Login,
		DisplayName:  user.DisplayName,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Scopes:       cfg.Scopes,
		ObtainedAt:   c.clock.Now(),
	}, nil
}

// callbackHandler accepts the first redirect hit only.
func callbackHandler(state string, results chan<- callback, done <-chan struct{}) http.HandlerFunc {
	var once sync.Once
	return func(w http.ResponseWriter, r *http.Request) {
		first := false
		once.Do(func() { first = true })
		if !first {
			renderCallback(w, errors.New("this authorization attempt was already handled"))
			return
		}

		q := r.URL.Query()
		cb := callback{reply: make(chan error, 1)}
		switch {
		case q.Get("state") != state:
			cb.err = newError(ErrInvalidState, nil)
		case q.Get("code") == "":
			var upstream error
			if msg := q.Get("error_description"); msg != "" {
				upstream = errors.New(msg)
			} else if msg := q.Get("error"); msg != "" {
				upstream = errors.New(msg)
			}
			cb.err = newError(ErrMissingCode, upstream)
		default:
			cb.code = q.Get("code")
		}

		select {
		case results <- cb:
		case <-done:
			renderCallback(w, errors.New("authorization attempt is no longer active"))
			return
		}

		err := cb.err
		if err == nil {
			select {
			case err = <-cb.reply:
			case <-done:
				select {
				case err = <-cb.reply:
				default:
					err = errors.New("authorization attempt is no longer active")
				}
			case <-r.Context().Done():
				return
			}
		}
		renderCallback(w, err)
	}
}

func parseRedirectURI(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRedirectURI, err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("%w: scheme must be http, got %q", ErrInvalidRedirectURI, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidRedirectURI)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), "80")
	}
	return u, nil
}

// newState returns 16 random bytes, hex encoded.
func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
