package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/mcdev12/subathon/go/internal/chat"
	"github.com/mcdev12/subathon/go/internal/hub"
	"github.com/mcdev12/subathon/go/internal/timer"
	"github.com/rs/zerolog/log"
)

// ChatClient is the part of the chat relay the pipeline drives.
type ChatClient interface {
	Subscribe() (<-chan chat.Message, func())
	SendMessage(ctx context.Context, channel, text string) error
}

const commandPrefix = "!timer"

// WatchChat relays chat lines to overlays and answers timer commands
// until ctx ends.
func (p *Pipeline) WatchChat(ctx context.Context, c ChatClient) {
	messages, cancel := c.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			p.hub.Broadcast(hub.NewMessage(hub.MessageChatMessage, msg))

			reply, handled := p.HandleCommand(ctx, msg)
			if !handled || reply == "" {
				continue
			}
			if err := c.SendMessage(ctx, msg.Channel, reply); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to reply to chat command")
			}
		}
	}
}

// HandleCommand runs "!timer add|remove <duration>" for moderators and the
// broadcaster. It reports whether msg was a command and the reply to send.
func (p *Pipeline) HandleCommand(ctx context.Context, msg chat.Message) (string, bool) {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 || !strings.EqualFold(fields[0], commandPrefix) {
		return "", false
	}
	if !msg.IsMod && !msg.IsBroadcaster {
		return "", false
	}

	if len(fields) < 2 {
		return "Usage: !timer add|remove <time> (e.g. !timer add 5m 30s)", true
	}
	sub := strings.ToLower(fields[1])
	if sub != "add" && sub != "remove" {
		return "Unknown command. Use: !timer add|remove <time>", true
	}
	if len(fields) < 3 {
		return "Please give a time (e.g. 5d 3h 30m 15s)", true
	}

	d, err := timer.ParseDuration(strings.Join(fields[2:], " "))
	if err != nil {
		return err.Error(), true
	}
	seconds := int(d.Seconds())

	sessionID := p.Active()
	if sessionID == "" {
		return "No active subathon session", true
	}

	reason := fmt.Sprintf("!timer %s by %s", sub, msg.Username)
	if sub == "add" {
		if _, _, err := p.AddTime(ctx, sessionID, seconds, reason); err != nil {
			log.Error().Err(err).Str("session_id", sessionID).Msg("chat command failed")
			return "Could not change the timer", true
		}
		return fmt.Sprintf("Added %s to the timer", timer.FormatDuration(d)), true
	}

	before, err := p.engine.State(sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("chat command failed")
		return "Could not change the timer", true
	}
	if _, _, err := p.AddTime(ctx, sessionID, -seconds, reason); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("chat command failed")
		return "Could not change the timer", true
	}
	if before.RemainingSeconds < seconds {
		return "Timer set to 0 (removed more time than was left)", true
	}
	return fmt.Sprintf("Removed %s from the timer", timer.FormatDuration(d)), true
}
