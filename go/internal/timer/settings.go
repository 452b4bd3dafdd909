package timer

import (
	"fmt"
	"time"

	"github.com/mcdev12/subathon/go/internal/events"
)

// MultiplierReward turns a channel-point reward into a temporary multiplier.
type MultiplierReward struct {
	Multiplier      float64 `json:"multiplier" yaml:"multiplier"`
	DurationSeconds int     `json:"durationSeconds" yaml:"duration_seconds"`
}

func (r MultiplierReward) Duration() time.Duration {
	return time.Duration(r.DurationSeconds) * time.Second
}

// Settings maps event types to seconds for one session.
type Settings struct {
	FollowSeconds        int                         `json:"followTime" yaml:"follow_seconds"`
	SubSeconds           int                         `json:"subTime" yaml:"sub_seconds"`
	GiftSubSeconds       int                         `json:"giftSubTime" yaml:"gift_sub_seconds"`
	BitsSecondsPer100    int                         `json:"bitsTimePer100" yaml:"bits_seconds_per_100"`
	RaidSecondsPerViewer int                         `json:"raidPerViewer" yaml:"raid_seconds_per_viewer"`
	MinimumBits          int                         `json:"minimumBits" yaml:"minimum_bits"`
	MultiplierRewards    map[string]MultiplierReward `json:"multiplierRewards,omitempty" yaml:"multiplier_rewards"`
}

// Toggles gate whether an event type contributes to the timer.
type Toggles struct {
	Follows  bool `json:"follows" yaml:"follows"`
	Subs     bool `json:"subs" yaml:"subs"`
	GiftSubs bool `json:"giftSubs" yaml:"gift_subs"`
	Bits     bool `json:"bits" yaml:"bits"`
	Raids    bool `json:"raids" yaml:"raids"`
	Rewards  bool `json:"rewards" yaml:"rewards"`
}

// Clone copies s so the reward map is not shared.
func (s Settings) Clone() Settings {
	out := s
	if s.MultiplierRewards != nil {
		out.MultiplierRewards = make(map[string]MultiplierReward, len(s.MultiplierRewards))
		for k, v := range s.MultiplierRewards {
			out.MultiplierRewards[k] = v
		}
	}
	return out
}

func DefaultSettings() Settings {
	return Settings{
		FollowSeconds:        30,
		SubSeconds:           300,
		GiftSubSeconds:       300,
		BitsSecondsPer100:    10,
		RaidSecondsPerViewer: 1,
	}
}

func DefaultToggles() Toggles {
	return Toggles{
		Follows:  true,
		Subs:     true,
		GiftSubs: true,
		Bits:     true,
		Raids:    true,
		Rewards:  true,
	}
}

// Enabled reports whether events of type t may change the timer.
// Manual adjustments are always enabled.
func (t Toggles) Enabled(typ events.Type) bool {
	switch typ {
	case events.TypeFollow:
		return t.Follows
	case events.TypeSubscription:
		return t.Subs
	case events.TypeGiftedSub:
		return t.GiftSubs
	case events.TypeBits:
		return t.Bits
	case events.TypeRaid:
		return t.Raids
	case events.TypeRewardRedemption:
		return t.Rewards
	case events.TypeManual:
		return true
	default:
		return false
	}
}

// SecondsFor computes the unscaled delta for an event.
func (s Settings) SecondsFor(ev events.CanonicalEvent) int {
	switch ev.Type {
	case events.TypeFollow:
		return s.FollowSeconds
	case events.TypeSubscription:
		return s.SubSeconds
	case events.TypeGiftedSub:
		count := ev.Amount
		if count < 1 {
			count = 1
		}
		return count * s.GiftSubSeconds
	case events.TypeBits:
		if ev.Bits < s.MinimumBits {
			return 0
		}
		return ev.Bits * s.BitsSecondsPer100 / 100
	case events.TypeRaid:
		return ev.Viewers * s.RaidSecondsPerViewer
	case events.TypeManual:
		return ev.Amount
	default:
		return 0
	}
}

// reasonFor describes an event for the log and overlays.
func reasonFor(ev events.CanonicalEvent) string {
	switch ev.Type {
	case events.TypeFollow:
		return fmt.Sprintf("follow by %s", ev.Username)
	case events.TypeSubscription:
		if ev.Tier != "" {
			return fmt.Sprintf("tier %s sub by %s", ev.Tier, ev.Username)
		}
		return fmt.Sprintf("sub by %s", ev.Username)
	case events.TypeGiftedSub:
		return fmt.Sprintf("%d gifted subs by %s", ev.Amount, ev.Username)
	case events.TypeBits:
		return fmt.Sprintf("%d bits from %s", ev.Bits, ev.Username)
	case events.TypeRaid:
		return fmt.Sprintf("raid by %s with %d viewers", ev.Username, ev.Viewers)
	case events.TypeRewardRedemption:
		return fmt.Sprintf("%s redeemed %s", ev.Username, ev.RewardTitle)
	default:
		return "manual adjustment"
	}
}
