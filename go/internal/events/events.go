package events

import (
	"time"

	"github.com/google/uuid"
)

// Type is the canonical kind of a platform event
type Type string

const (
	TypeFollow           Type = "FOLLOW"
	TypeSubscription     Type = "SUBSCRIPTION"
	TypeGiftedSub        Type = "GIFTED_SUB"
	TypeBits             Type = "BITS"
	TypeRaid             Type = "RAID"
	TypeRewardRedemption Type = "REWARD_REDEMPTION"
	TypeManual           Type = "MANUAL"
)

// AllTypes lists every canonical type in a stable order.
var AllTypes = []Type{
	TypeFollow,
	TypeSubscription,
	TypeGiftedSub,
	TypeBits,
	TypeRaid,
	TypeRewardRedemption,
	TypeManual,
}

// CanonicalEvent is the normalized form of an upstream notification or a
// manual adjustment. It is passed by value and never mutated.
type CanonicalEvent struct {
	ID            string    `json:"id"`
	Type          Type      `json:"eventType"`
	Username      string    `json:"username"`
	Amount        int       `json:"amount,omitempty"`  // gifted sub count or manual seconds
	Tier          string    `json:"tier,omitempty"`    // "1000", "2000", "3000"
	Bits          int       `json:"bits,omitempty"`    // cheered bits
	Viewers       int       `json:"viewers,omitempty"` // raid size
	RewardID      string    `json:"rewardId,omitempty"`
	RewardTitle   string    `json:"rewardTitle,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SourceChannel string    `json:"channelName"`
}

// New stamps an event with a fresh id and the given time.
func New(t Type, username, channel string, at time.Time) CanonicalEvent {
	return CanonicalEvent{
		ID:            uuid.New().String(),
		Type:          t,
		Username:      username,
		Timestamp:     at,
		SourceChannel: channel,
	}
}

func (e CanonicalEvent) WithAmount(n int) CanonicalEvent {
	e.Amount = n
	return e
}

func (e CanonicalEvent) WithTier(tier string) CanonicalEvent {
	e.Tier = tier
	return e
}

func (e CanonicalEvent) WithBits(n int) CanonicalEvent {
	e.Bits = n
	return e
}

func (e CanonicalEvent) WithViewers(n int) CanonicalEvent {
	e.Viewers = n
	return e
}

func (e CanonicalEvent) WithReward(id, title string) CanonicalEvent {
	e.RewardID = id
	e.RewardTitle = title
	return e
}
