package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/subathon/go/internal/events"
	"github.com/mcdev12/subathon/go/internal/hub"
	"github.com/mcdev12/subathon/go/internal/sessions"
	"github.com/mcdev12/subathon/go/internal/timer"
	"github.com/rs/zerolog/log"
)

// ErrNoActiveSession is returned when upstream input arrives before any
// session was created or joined.
var ErrNoActiveSession = errors.New("no active session")

// DefaultTickInterval matches the overlay refresh rate.
const DefaultTickInterval = time.Second

// Broadcaster fans a message out to every overlay.
type Broadcaster interface {
	Broadcast(msg any)
}

// Mirror copies applied events to an external stream.
type Mirror interface {
	Publish(ctx context.Context, sessionID string, ev events.CanonicalEvent) error
}

// Pipeline routes canonical events into the timer engine and pushes the
// results to overlays. Upstream events apply to the active session.
type Pipeline struct {
	engine *timer.Engine
	store  sessions.Store
	hub    Broadcaster
	bus    *events.Bus
	mirror Mirror
	clock  clockwork.Clock
	tick   time.Duration

	mu     sync.RWMutex
	active string
}

// Option configures a Pipeline
type Option func(*Pipeline)

func WithMirror(m Mirror) Option {
	return func(p *Pipeline) {
		p.mirror = m
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(p *Pipeline) {
		p.clock = clock
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.tick = d
		}
	}
}

func New(engine *timer.Engine, store sessions.Store, b Broadcaster, bus *events.Bus, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine: engine,
		store:  store,
		hub:    b,
		bus:    bus,
		clock:  clockwork.NewRealClock(),
		tick:   DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetActive selects the session upstream events and chat commands apply to.
func (p *Pipeline) SetActive(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != sessionID {
		log.Info().Str("session_id", sessionID).Msg("active session changed")
	}
	p.active = sessionID
}

// Active returns the current session id, empty if none.
func (p *Pipeline) Active() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Run consumes routed events and drives the overlay tick until ctx ends.
func (p *Pipeline) Run(ctx context.Context) error {
	inbound := make(chan events.CanonicalEvent, 64)
	for _, t := range events.AllTypes {
		p.bus.Route(t, inbound)
	}
	defer func() {
		for _, t := range events.AllTypes {
			p.bus.Unroute(t)
		}
	}()

	ticker := p.clock.NewTicker(p.tick)
	defer ticker.Stop()

	log.Info().Dur("tick", p.tick).Msg("pipeline started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("pipeline stopped")
			return ctx.Err()
		case ev := <-inbound:
			if err := p.HandleEvent(ctx, ev); err != nil {
				log.Warn().Err(err).
					Str("event_type", string(ev.Type)).
					Str("username", ev.Username).
					Msg("event not applied")
			}
		case <-ticker.Chan():
			p.broadcastRunning()
		}
	}
}

// eventAlert is the event-alert frame body.
type eventAlert struct {
	SessionID string `json:"sessionId"`
	timer.LogEntry
}

// HandleEvent applies ev to the active session with its stored settings.
func (p *Pipeline) HandleEvent(ctx context.Context, ev events.CanonicalEvent) error {
	sessionID := p.Active()
	if sessionID == "" {
		return ErrNoActiveSession
	}

	settings, err := p.store.GetSettings(ctx, sessionID)
	if err != nil {
		return err
	}
	toggles, err := p.store.GetToggles(ctx, sessionID)
	if err != nil {
		return err
	}

	entry, state, err := p.engine.ApplyEvent(sessionID, ev, settings, toggles)
	if err != nil {
		return err
	}

	p.hub.Broadcast(hub.NewMessage(hub.MessageEventAlert, eventAlert{SessionID: sessionID, LogEntry: entry}))
	if !entry.Processed {
		return nil
	}
	p.hub.Broadcast(hub.NewMessage(hub.MessageTimerUpdate, state))

	if p.mirror != nil {
		if err := p.mirror.Publish(ctx, sessionID, entry.CanonicalEvent); err != nil {
			log.Error().Err(err).Str("event_id", entry.ID).Msg("failed to mirror event")
		}
	}
	return nil
}

func (p *Pipeline) broadcastRunning() {
	for _, state := range p.engine.Running() {
		p.hub.Broadcast(hub.NewMessage(hub.MessageTimerUpdate, state))
	}
}

// WatchFatal turns terminal errors from an upstream client into an
// operator notification. It returns when ctx ends.
func (p *Pipeline) WatchFatal(ctx context.Context, source string, fatal <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-fatal:
			if !ok {
				return
			}
			log.Error().Err(err).Str("source", source).Msg("upstream connection lost")
			p.Notify("error", source, err.Error())
		}
	}
}

type notification struct {
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Notify pushes an operator-visible notice to every overlay and panel.
func (p *Pipeline) Notify(level, source, message string) {
	p.hub.Broadcast(hub.NewMessage(hub.MessageNotification, notification{
		Level:   level,
		Source:  source,
		Message: message,
	}))
}
