package timer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/subathon/go/internal/events"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionNotFound = errors.New("timer session not found")
	ErrSessionExists   = errors.New("timer session already exists")
)

// Status of a session countdown
type Status string

const (
	StatusStopped Status = "STOPPED"
	StatusRunning Status = "RUNNING"
	StatusPaused  Status = "PAUSED"
)

// DefaultLogSize caps the per-session event log.
const DefaultLogSize = 100

// State is a read-only snapshot of one session timer.
type State struct {
	SessionID        string     `json:"sessionId"`
	RemainingSeconds int        `json:"remainingSeconds"`
	Status           Status     `json:"status"`
	Running          bool       `json:"running"`
	Anchor           *time.Time `json:"anchor,omitempty"`
	Multiplier       float64    `json:"multiplier,omitempty"`
}

// LogEntry is a canonical event together with what it did to the timer.
type LogEntry struct {
	events.CanonicalEvent
	AddedSeconds int    `json:"addedSeconds"`
	Processed    bool   `json:"processed"`
	Reason       string `json:"reason"`
}

// activeMultiplier scales event deltas until it expires.
type activeMultiplier struct {
	factor    float64
	expiresAt time.Time
	by        string
}

// session holds the mutable state of one countdown. Every field is guarded
// by mu, which is the single write path for operator commands and events.
type session struct {
	mu         sync.Mutex
	id         string
	remaining  int
	status     Status
	anchor     time.Time // instant the countdown reaches zero while RUNNING
	log        []LogEntry
	multiplier *activeMultiplier
}

// Engine owns one countdown per session.
type Engine struct {
	clock   clockwork.Clock
	logSize int

	mu       sync.RWMutex
	sessions map[string]*session
}

// Option configures an Engine
type Option func(*Engine)

// WithClock injects the clock used for anchors, mostly a FakeClock in tests.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLogSize changes how many log entries are kept per session.
func WithLogSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.logSize = n
		}
	}
}

// NewEngine creates a timer engine backed by the real clock unless overridden.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		clock:    clockwork.NewRealClock(),
		logSize:  DefaultLogSize,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create starts tracking a STOPPED countdown with initialSeconds on it.
func (e *Engine) Create(sessionID string, initialSeconds int) (State, error) {
	if initialSeconds < 0 {
		initialSeconds = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.sessions[sessionID]; exists {
		return State{}, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}

	s := &session{
		id:        sessionID,
		remaining: initialSeconds,
		status:    StatusStopped,
	}
	e.sessions[sessionID] = s

	log.Info().
		Str("session_id", sessionID).
		Int("initial_seconds", initialSeconds).
		Msg("timer session created")

	return s.snapshot(e.clock.Now()), nil
}

// Remove discards a session's timer and log.
func (e *Engine) Remove(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

func (e *Engine) get(sessionID string) (*session, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// State returns the live snapshot of a session.
func (e *Engine) State(sessionID string) (State, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return State{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(e.clock.Now()), nil
}

// Start sets the countdown running. Starting a running timer is a no-op.
func (e *Engine) Start(sessionID string) (State, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return State{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := e.clock.Now()
	if s.status == StatusRunning {
		return s.snapshot(now), nil
	}

	s.anchor = now.Add(time.Duration(s.remaining) * time.Second)
	s.status = StatusRunning

	log.Info().Str("session_id", sessionID).Int("remaining_seconds", s.remaining).Msg("timer started")
	return s.snapshot(now), nil
}

// Pause freezes a running countdown. Pausing a timer that is not running is a no-op.
func (e *Engine) Pause(sessionID string) (State, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return State{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := e.clock.Now()
	if s.status != StatusRunning {
		return s.snapshot(now), nil
	}

	s.remaining = s.remainingAt(now)
	s.status = StatusPaused
	s.anchor = time.Time{}

	log.Info().Str("session_id", sessionID).Int("remaining_seconds", s.remaining).Msg("timer paused")
	return s.snapshot(now), nil
}

// Reset zeroes the countdown and stops it.
func (e *Engine) Reset(sessionID string) (State, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return State{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.remaining = 0
	s.status = StatusStopped
	s.anchor = time.Time{}

	log.Info().Str("session_id", sessionID).Msg("timer reset")
	return s.snapshot(e.clock.Now()), nil
}

// AddTime adds deltaSeconds (negative to remove) and logs a manual entry.
func (e *Engine) AddTime(sessionID string, deltaSeconds int, reason string) (LogEntry, State, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return LogEntry{}, State{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := e.clock.Now()
	if reason == "" {
		reason = "manual time add"
	}

	ev := events.New(events.TypeManual, "Manual Add", "System", now).WithAmount(deltaSeconds)
	s.add(now, deltaSeconds)

	entry := LogEntry{
		CanonicalEvent: ev,
		AddedSeconds:   deltaSeconds,
		Processed:      true,
		Reason:         reason,
	}
	s.append(entry, e.logSize)

	log.Info().
		Str("session_id", sessionID).
		Int("delta_seconds", deltaSeconds).
		Str("reason", reason).
		Msg("time added to timer")

	return entry, s.snapshot(now), nil
}

// ApplyEvent converts a platform event into seconds using the session's
// settings and adds them when the matching toggle is on. A disabled toggle
// still logs the event, unprocessed and with zero seconds.
func (e *Engine) ApplyEvent(sessionID string, ev events.CanonicalEvent, settings Settings, toggles Toggles) (LogEntry, State, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return LogEntry{}, State{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := e.clock.Now()
	entry := LogEntry{
		CanonicalEvent: ev,
		Reason:         reasonFor(ev),
	}

	if ev.ID == "" {
		entry.ID = uuid.New().String()
	}

	if !toggles.Enabled(ev.Type) {
		s.append(entry, e.logSize)
		log.Debug().
			Str("session_id", sessionID).
			Str("event_type", string(ev.Type)).
			Msg("event type disabled, not applied")
		return entry, s.snapshot(now), nil
	}

	if ev.Type == events.TypeRewardRedemption {
		if reward, ok := settings.MultiplierRewards[ev.RewardID]; ok && reward.Multiplier > 0 {
			s.multiplier = &activeMultiplier{
				factor:    reward.Multiplier,
				expiresAt: now.Add(reward.Duration()),
				by:        ev.Username,
			}
			entry.Reason = fmt.Sprintf("%.1fx multiplier for %s by %s", reward.Multiplier, FormatDuration(reward.Duration()), ev.Username)
			log.Info().
				Str("session_id", sessionID).
				Float64("multiplier", reward.Multiplier).
				Dur("duration", reward.Duration()).
				Str("username", ev.Username).
				Msg("multiplier activated")
		}
		entry.Processed = true
		s.append(entry, e.logSize)
		return entry, s.snapshot(now), nil
	}

	seconds := settings.SecondsFor(ev)
	if factor := s.multiplierAt(now); factor != 1 && seconds > 0 {
		seconds = int(float64(seconds) * factor)
	}

	s.add(now, seconds)
	entry.AddedSeconds = seconds
	entry.Processed = true
	s.append(entry, e.logSize)

	log.Info().
		Str("session_id", sessionID).
		Str("event_type", string(ev.Type)).
		Str("username", ev.Username).
		Int("added_seconds", seconds).
		Msg("event applied to timer")

	return entry, s.snapshot(now), nil
}

// Events returns the session's log, newest first.
func (e *Engine) Events(sessionID string) ([]LogEntry, error) {
	s, err := e.get(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LogEntry, len(s.log))
	copy(out, s.log)
	return out, nil
}

// Running lists sessions whose countdown is RUNNING, sorted by id.
func (e *Engine) Running() []State {
	e.mu.RLock()
	all := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		all = append(all, s)
	}
	e.mu.RUnlock()

	now := e.clock.Now()
	var states []State
	for _, s := range all {
		s.mu.Lock()
		if s.status == StatusRunning {
			states = append(states, s.snapshot(now))
		}
		s.mu.Unlock()
	}

	sort.Slice(states, func(i, j int) bool { return states[i].SessionID < states[j].SessionID })
	return states
}

// add applies delta without reading back a derived value: while running the
// zero instant moves, otherwise the frozen value changes. Never below zero.
func (s *session) add(now time.Time, delta int) {
	if s.status == StatusRunning {
		if s.anchor.Before(now) {
			s.anchor = now
		}
		s.anchor = s.anchor.Add(time.Duration(delta) * time.Second)
		if s.anchor.Before(now) {
			s.anchor = now
		}
		return
	}

	s.remaining += delta
	if s.remaining < 0 {
		s.remaining = 0
	}
}

// remainingAt truncates the millisecond difference to whole seconds.
func (s *session) remainingAt(now time.Time) int {
	if s.status != StatusRunning {
		return s.remaining
	}
	left := s.anchor.Sub(now).Milliseconds() / 1000
	if left < 0 {
		return 0
	}
	return int(left)
}

func (s *session) multiplierAt(now time.Time) float64 {
	if s.multiplier == nil {
		return 1
	}
	if !now.Before(s.multiplier.expiresAt) {
		s.multiplier = nil
		return 1
	}
	return s.multiplier.factor
}

func (s *session) append(entry LogEntry, limit int) {
	s.log = append([]LogEntry{entry}, s.log...)
	if len(s.log) > limit {
		s.log = s.log[:limit]
	}
}

func (s *session) snapshot(now time.Time) State {
	st := State{
		SessionID:        s.id,
		RemainingSeconds: s.remainingAt(now),
		Status:           s.status,
		Running:          s.status == StatusRunning,
	}
	if s.status == StatusRunning {
		anchor := s.anchor
		st.Anchor = &anchor
	}
	if s.multiplier != nil && now.Before(s.multiplier.expiresAt) {
		st.Multiplier = s.multiplier.factor
	}
	return st
}
