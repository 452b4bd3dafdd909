package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/subathon/go/internal/auth"
	"github.com/mcdev12/subathon/go/internal/pipeline"
	"github.com/mcdev12/subathon/go/internal/sessions"
	"github.com/mcdev12/subathon/go/internal/timer"
	"github.com/rs/zerolog/log"
)

// DefaultInitialSeconds is put on a new session's timer when the request
// does not say otherwise.
const DefaultInitialSeconds = 300

// Authenticator runs the operator login.
type Authenticator interface {
	Authorize(ctx context.Context, clientID, redirectURI string, scopes []string) (*auth.Session, error)
	Current() (auth.Session, bool)
	Logout() error
}

// ChatRelay is the chat client surface the panel controls.
type ChatRelay interface {
	JoinChannel(name string) error
	LeaveChannel(name string) error
	SendMessage(ctx context.Context, channel, text string) error
	Channels() []string
}

// LoginHook runs after a successful login, typically to connect upstream.
type LoginHook func(ctx context.Context, s auth.Session) error

// AuthConfig is what the login endpoint passes to the Authenticator.
type AuthConfig struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
}

// Handler serves the operator HTTP API.
type Handler struct {
	pipeline       *pipeline.Pipeline
	engine         *timer.Engine
	store          sessions.Store
	auth           Authenticator
	chat           ChatRelay
	authConfig     AuthConfig
	onLogin        LoginHook
	clock          clockwork.Clock
	initialSeconds int
	probes         []probe
}

// Option configures a Handler
type Option func(*Handler)

func WithAuth(a Authenticator, cfg AuthConfig, onLogin LoginHook) Option {
	return func(h *Handler) {
		h.auth = a
		h.authConfig = cfg
		h.onLogin = onLogin
	}
}

func WithChat(c ChatRelay) Option {
	return func(h *Handler) {
		h.chat = c
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithProbe adds a dependency check to the health endpoint.
func WithProbe(name string, check func(ctx context.Context) error) Option {
	return func(h *Handler) {
		h.probes = append(h.probes, probe{name: name, check: check})
	}
}

func WithInitialSeconds(n int) Option {
	return func(h *Handler) {
		if n >= 0 {
			h.initialSeconds = n
		}
	}
}

func NewHandler(p *pipeline.Pipeline, engine *timer.Engine, store sessions.Store, opts ...Option) *Handler {
	h := &Handler{
		pipeline:       p,
		engine:         engine,
		store:          store,
		clock:          clockwork.NewRealClock(),
		initialSeconds: DefaultInitialSeconds,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts every API route on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.createSession)
	mux.HandleFunc("POST /api/sessions/create", h.createSession)
	mux.HandleFunc("POST /api/sessions/join", h.joinSession)
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)

	mux.HandleFunc("GET /api/settings/{id}", h.getSettings)
	mux.HandleFunc("PUT /api/settings/{id}", h.updateSettings)
	mux.HandleFunc("GET /api/event-toggles/{id}", h.getToggles)
	mux.HandleFunc("PUT /api/event-toggles/{id}", h.updateToggles)

	mux.HandleFunc("GET /api/channels/{id}", h.listChannels)
	mux.HandleFunc("POST /api/channels/{id}", h.addChannel)
	mux.HandleFunc("POST /api/channels/{id}/add", h.addChannel)
	mux.HandleFunc("DELETE /api/channels/{id}/{channelId}", h.removeChannel)

	mux.HandleFunc("GET /api/events/{id}", h.listEvents)

	mux.HandleFunc("GET /api/timer/{id}", h.timerState)
	mux.HandleFunc("POST /api/timer/{id}/start", h.timerCommand(h.pipeline.Start))
	mux.HandleFunc("POST /api/timer/{id}/pause", h.timerCommand(h.pipeline.Pause))
	mux.HandleFunc("POST /api/timer/{id}/reset", h.timerCommand(h.pipeline.Reset))
	mux.HandleFunc("POST /api/timer/{id}/add", h.addTime)

	mux.HandleFunc("POST /api/auth/login", h.login)
	mux.HandleFunc("POST /api/auth/logout", h.logout)
	mux.HandleFunc("GET /api/auth/user", h.currentUser)

	mux.HandleFunc("POST /api/chat/join", h.joinChat)
	mux.HandleFunc("POST /api/chat/leave", h.leaveChat)
	mux.HandleFunc("POST /api/chat/send", h.sendChat)
	mux.HandleFunc("GET /api/chat/channels", h.chatChannels)

	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("GET /health", h.health)
}

// statusRecorder captures the status code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes the connection through for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// LogRequests logs one line per request.
func LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
