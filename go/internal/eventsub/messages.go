package eventsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/subathon/go/internal/events"
)

const (
	messageSessionWelcome   = "session_welcome"
	messageSessionKeepalive = "session_keepalive"
	messageNotification     = "notification"
	messageSessionReconnect = "session_reconnect"
	messageRevocation       = "revocation"
)

type envelope struct {
	Metadata metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type metadata struct {
	MessageID        string    `json:"message_id"`
	MessageType      string    `json:"message_type"`
	MessageTimestamp time.Time `json:"message_timestamp"`
	SubscriptionType string    `json:"subscription_type,omitempty"`
}

type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

type followEvent struct {
	UserName             string `json:"user_name"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
}

type subscribeEvent struct {
	UserName             string `json:"user_name"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	Tier                 string `json:"tier"`
	IsGift               bool   `json:"is_gift"`
}

type giftEvent struct {
	UserName             string `json:"user_name"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	Total                int    `json:"total"`
	Tier                 string `json:"tier"`
	IsAnonymous          bool   `json:"is_anonymous"`
}

type cheerEvent struct {
	UserName             string `json:"user_name"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	Bits                 int    `json:"bits"`
	IsAnonymous          bool   `json:"is_anonymous"`
}

type raidEvent struct {
	FromBroadcasterUserName string `json:"from_broadcaster_user_name"`
	ToBroadcasterUserLogin  string `json:"to_broadcaster_user_login"`
	Viewers                 int    `json:"viewers"`
}

type redemptionEvent struct {
	ID                   string `json:"id"`
	UserName             string `json:"user_name"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	Reward               struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Cost  int    `json:"cost"`
	} `json:"reward"`
}

const anonymous = "Anonymous"

// toCanonical decodes the event body of one notification. ok is false for
// subscription types this client does not translate, and for subscribe
// notifications that belong to a gift already counted by the gift event.
func toCanonical(subscriptionType string, raw json.RawMessage, at time.Time) (ev events.CanonicalEvent, ok bool, err error) {
	switch subscriptionType {
	case TypeChannelFollow:
		var e followEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", subscriptionType, err)
		}
		return events.New(events.TypeFollow, e.UserName, e.BroadcasterUserLogin, at), true, nil

	case TypeChannelSubscribe:
		var e subscribeEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", subscriptionType, err)
		}
		if e.IsGift {
			return ev, false, nil
		}
		return events.New(events.TypeSubscription, e.UserName, e.BroadcasterUserLogin, at).WithTier(e.Tier), true, nil

	case TypeChannelSubscriptionGift:
		var e giftEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", subscriptionType, err)
		}
		name := e.UserName
		if e.IsAnonymous || name == "" {
			name = anonymous
		}
		return events.New(events.TypeGiftedSub, name, e.BroadcasterUserLogin, at).
			WithAmount(e.Total).
			WithTier(e.Tier), true, nil

	case TypeChannelCheer:
		var e cheerEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", subscriptionType, err)
		}
		name := e.UserName
		if e.IsAnonymous || name == "" {
			name = anonymous
		}
		return events.New(events.TypeBits, name, e.BroadcasterUserLogin, at).WithBits(e.Bits), true, nil

	case TypeChannelRaid:
		var e raidEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", subscriptionType, err)
		}
		return events.New(events.TypeRaid, e.FromBroadcasterUserName, e.ToBroadcasterUserLogin, at).WithViewers(e.Viewers), true, nil

	case TypeRewardRedemptionAdd:
		var e redemptionEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return ev, false, fmt.Errorf("decode %s: %w", subscriptionType, err)
		}
		return events.New(events.TypeRewardRedemption, e.UserName, e.BroadcasterUserLogin, at).
			WithReward(e.Reward.ID, e.Reward.Title), true, nil
	}

	return ev, false, nil
}
