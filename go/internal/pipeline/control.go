package pipeline

import (
	"context"

	"github.com/mcdev12/subathon/go/internal/hub"
	"github.com/mcdev12/subathon/go/internal/timer"
	"github.com/rs/zerolog/log"
)

// Operator commands. Each one changes the engine and tells overlays.

func (p *Pipeline) Start(sessionID string) (timer.State, error) {
	state, err := p.engine.Start(sessionID)
	if err != nil {
		return timer.State{}, err
	}
	p.hub.Broadcast(hub.NewMessage(hub.MessageTimerStart, state))
	return state, nil
}

func (p *Pipeline) Pause(sessionID string) (timer.State, error) {
	state, err := p.engine.Pause(sessionID)
	if err != nil {
		return timer.State{}, err
	}
	p.hub.Broadcast(hub.NewMessage(hub.MessageTimerPause, state))
	return state, nil
}

func (p *Pipeline) Reset(sessionID string) (timer.State, error) {
	state, err := p.engine.Reset(sessionID)
	if err != nil {
		return timer.State{}, err
	}
	p.hub.Broadcast(hub.NewMessage(hub.MessageTimerReset, state))
	return state, nil
}

type timerAdd struct {
	SessionID        string `json:"sessionId"`
	Seconds          int    `json:"seconds"`
	Reason           string `json:"reason"`
	RemainingSeconds int    `json:"remainingSeconds"`
	Running          bool   `json:"running"`
}

// AddTime adds (or with a negative delta removes) seconds and logs it.
func (p *Pipeline) AddTime(ctx context.Context, sessionID string, seconds int, reason string) (timer.LogEntry, timer.State, error) {
	entry, state, err := p.engine.AddTime(sessionID, seconds, reason)
	if err != nil {
		return timer.LogEntry{}, timer.State{}, err
	}

	p.hub.Broadcast(hub.NewMessage(hub.MessageTimerAdd, timerAdd{
		SessionID:        sessionID,
		Seconds:          seconds,
		Reason:           entry.Reason,
		RemainingSeconds: state.RemainingSeconds,
		Running:          state.Running,
	}))
	p.hub.Broadcast(hub.NewMessage(hub.MessageTimerUpdate, state))

	if p.mirror != nil {
		if err := p.mirror.Publish(ctx, sessionID, entry.CanonicalEvent); err != nil {
			log.Error().Err(err).Str("event_id", entry.ID).Msg("failed to mirror manual adjustment")
		}
	}
	return entry, state, nil
}
