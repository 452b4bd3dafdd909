package eventsub

// SubscriptionSpec is one (type, version, condition) tuple that must be
// registered against every new stream session.
type SubscriptionSpec struct {
	Type      string
	Version   string
	Condition map[string]string
}

const (
	TypeChannelFollow           = "channel.follow"
	TypeChannelSubscribe        = "channel.subscribe"
	TypeChannelSubscriptionGift = "channel.subscription.gift"
	TypeChannelCheer            = "channel.cheer"
	TypeChannelRaid             = "channel.raid"
	TypeRewardRedemptionAdd     = "channel.channel_points_custom_reward_redemption.add"
)

// RequiredSubscriptions returns the ordered set for userID. Follows need the
// user as moderator too; raids are keyed on the receiving channel.
func RequiredSubscriptions(userID string) []SubscriptionSpec {
	broadcaster := func() map[string]string {
		return map[string]string{"broadcaster_user_id": userID}
	}

	return []SubscriptionSpec{
		{
			Type:    TypeChannelFollow,
			Version: "2",
			Condition: map[string]string{
				"broadcaster_user_id": userID,
				"moderator_user_id":   userID,
			},
		},
		{Type: TypeChannelSubscribe, Version: "1", Condition: broadcaster()},
		{Type: TypeChannelSubscriptionGift, Version: "1", Condition: broadcaster()},
		{Type: TypeChannelCheer, Version: "1", Condition: broadcaster()},
		{
			Type:      TypeChannelRaid,
			Version:   "1",
			Condition: map[string]string{"to_broadcaster_user_id": userID},
		},
		{Type: TypeRewardRedemptionAdd, Version: "1", Condition: broadcaster()},
	}
}
