package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/pscheid92/streamrelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

var (
	viewer = domain.ChatUser{ID: "11", Login: "viewer", DisplayName: "Viewer"}
	gifter = domain.ChatUser{ID: "22", Login: "gifter", DisplayName: "Gifter"}
	tier1  = domain.SubPlan{Plan: "1000", PlanName: "Channel Subscription"}
	prime  = domain.SubPlan{Plan: "Prime", PlanName: "Channel Subscription (Prime)"}
)

func TestChatNormalization(t *testing.T) {
	tests := []struct {
		name        string
		event       domain.ChatEvent
		wantName    domain.EventName
		wantChannel string
		wantPayload domain.Payload
	}{
		{
			name:        "message",
			event:       domain.ChatMessage{Channel: "#streamer", User: viewer, Text: "hello"},
			wantName:    domain.EventMessage,
			wantChannel: "streamer",
			wantPayload: domain.MessagePayload{User: "viewer", Name: "Viewer", Message: "hello"},
		},
		{
			name:        "action",
			event:       domain.ChatAction{Channel: "#streamer", User: viewer, Text: "dances"},
			wantName:    domain.EventAction,
			wantChannel: "streamer",
			wantPayload: domain.ActionPayload{User: "viewer", Name: "Viewer", Message: "dances"},
		},
		{
			name:        "whisper has no channel",
			event:       domain.ChatWhisper{User: viewer, Text: "psst"},
			wantName:    domain.EventWhisper,
			wantChannel: "",
			wantPayload: domain.WhisperPayload{User: "viewer", Name: "Viewer", Message: "psst"},
		},
		{
			name:        "sub",
			event:       domain.ChatSub{Channel: "#streamer", User: viewer, Plan: prime, Months: 1},
			wantName:    domain.EventSub,
			wantChannel: "streamer",
			wantPayload: domain.SubPayload{User: "viewer", Name: "Viewer", IsPrime: true, Months: 1, Tier: "Prime"},
		},
		{
			name:        "resub with streak",
			event:       domain.ChatSub{Channel: "#streamer", User: viewer, Plan: tier1, Message: "still here", Months: 12, Streak: intPtr(3), Resub: true},
			wantName:    domain.EventResub,
			wantChannel: "streamer",
			wantPayload: domain.SubPayload{User: "viewer", Name: "Viewer", Message: "still here", Months: 12, Streak: intPtr(3), Tier: "1000", Resub: true},
		},
		{
			name:        "subGift",
			event:       domain.ChatSubGift{Channel: "#streamer", Gifter: gifter, Recipient: viewer, Plan: tier1, Months: 1, GifterTotal: intPtr(40)},
			wantName:    domain.EventSubGift,
			wantChannel: "streamer",
			wantPayload: domain.SubGiftPayload{User: "viewer", Name: "Viewer", GifterUser: "gifter", GifterName: "Gifter", TotalGiftCount: intPtr(40), Months: 1, Tier: "1000"},
		},
		{
			name:        "subGiftCommunity uses gifter display name",
			event:       domain.ChatCommunitySub{Channel: "#streamer", Gifter: gifter, Plan: tier1, Count: 5},
			wantName:    domain.EventSubGiftCommunity,
			wantChannel: "streamer",
			wantPayload: domain.SubGiftCommunityPayload{User: "gifter", Name: "Gifter", GiftCount: 5, Tier: "1000"},
		},
		{
			name:        "subGiftCommunityPayForward",
			event:       domain.ChatCommunityPayForward{Channel: "#streamer", User: viewer, OriginalGifterName: "Gifter"},
			wantName:    domain.EventSubGiftCommunityPayForward,
			wantChannel: "streamer",
			wantPayload: domain.SubGiftCommunityPayForwardPayload{User: "viewer", Name: "Viewer", OriginalGifter: "Gifter"},
		},
		{
			name:        "subGiftPayForward",
			event:       domain.ChatStandardPayForward{Channel: "#streamer", User: viewer, OriginalGifterName: "Gifter", RecipientName: "Lucky"},
			wantName:    domain.EventSubGiftPayForward,
			wantChannel: "streamer",
			wantPayload: domain.SubGiftPayForwardPayload{User: "viewer", Name: "Viewer", OriginalGifter: "Gifter", Recipient: "Lucky"},
		},
		{
			name:        "subGiftUpgrade",
			event:       domain.ChatGiftPaidUpgrade{Channel: "#streamer", User: viewer, GifterName: "Gifter"},
			wantName:    domain.EventSubGiftUpgrade,
			wantChannel: "streamer",
			wantPayload: domain.SubGiftUpgradePayload{User: "viewer", Name: "Viewer", Gifter: "Gifter"},
		},
		{
			name:        "subPrimeUpgraded",
			event:       domain.ChatPrimePaidUpgrade{Channel: "#streamer", User: viewer, Plan: tier1},
			wantName:    domain.EventSubPrimeUpgraded,
			wantChannel: "streamer",
			wantPayload: domain.SubPrimeUpgradedPayload{User: "viewer", Name: "Viewer", Tier: "1000"},
		},
		{
			name:        "subExtend",
			event:       domain.ChatExtendSub{Channel: "#streamer", User: viewer, Plan: tier1, Months: 6},
			wantName:    domain.EventSubExtend,
			wantChannel: "streamer",
			wantPayload: domain.SubExtendPayload{User: "viewer", Name: "Viewer", Months: 6, Tier: "1000"},
		},
		{
			name:        "giftPrime",
			event:       domain.ChatPrimeCommunityGift{Channel: "#streamer", Gifter: gifter, GiftName: "Prime Loot", Recipient: "viewer"},
			wantName:    domain.EventGiftPrime,
			wantChannel: "streamer",
			wantPayload: domain.GiftPrimePayload{User: "gifter", Name: "Gifter", Gift: "Prime Loot"},
		},
		{
			name:        "raided",
			event:       domain.ChatRaid{Channel: "#streamer", Raider: gifter, ViewerCount: 150},
			wantName:    domain.EventRaided,
			wantChannel: "streamer",
			wantPayload: domain.RaidedPayload{User: "gifter", Name: "Gifter", ViewerCount: 150},
		},
		{
			name:        "ritual",
			event:       domain.ChatRitual{Channel: "#streamer", User: viewer, Ritual: "new_chatter", Message: "first time"},
			wantName:    domain.EventRitual,
			wantChannel: "streamer",
			wantPayload: domain.RitualPayload{User: "viewer", Name: "Viewer", Message: "first time", Ritual: "new_chatter"},
		},
		{
			name:        "channel without prefix kept",
			event:       domain.ChatMessage{Channel: "streamer", User: viewer, Text: "x"},
			wantName:    domain.EventMessage,
			wantChannel: "streamer",
			wantPayload: domain.MessagePayload{User: "viewer", Name: "Viewer", Message: "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newChatFixture(t)
			require.NoError(t, f.chat.Setup(context.Background()))

			f.factory.latest(t, domain.IdentityBroadcaster).emit(tt.event)

			events := f.pub.all()
			require.Len(t, events, 1)
			assert.Equal(t, tt.wantName, events[0].Name)
			assert.Equal(t, tt.wantChannel, events[0].Channel)
			assert.Equal(t, tt.wantPayload, events[0].Payload)
			assert.NotEqual(t, uuid.Nil, events[0].ID)
			assert.Equal(t, f.clock.Now(), events[0].At)
		})
	}
}

func TestChatNormalization_CoversEveryKind(t *testing.T) {
	normalizers := chatNormalizers(&mockLookup{}, nil)

	kinds := []domain.ChatEventKind{
		domain.ChatKindMessage, domain.ChatKindAction, domain.ChatKindWhisper,
		domain.ChatKindSub, domain.ChatKindResub, domain.ChatKindSubGift,
		domain.ChatKindCommunitySub, domain.ChatKindCommunityPayForward, domain.ChatKindStandardPayForward,
		domain.ChatKindGiftPaidUpgrade, domain.ChatKindPrimePaidUpgrade, domain.ChatKindExtendSub,
		domain.ChatKindPrimeCommunityGift, domain.ChatKindRaid, domain.ChatKindRitual,
		domain.ChatKindHost, domain.ChatKindHosted,
	}
	for _, kind := range kinds {
		assert.Contains(t, normalizers, kind)
	}
	assert.Len(t, normalizers, len(kinds))
}

func TestChatNormalization_HostResolvesLogin(t *testing.T) {
	f := newChatFixture(t)
	f.lookup.loginByDisplayNameFn = func(_ context.Context, displayName string) (string, error) {
		assert.Equal(t, "OtherStreamer", displayName)
		return "otherstreamer", nil
	}
	require.NoError(t, f.chat.Setup(context.Background()))

	f.factory.latest(t, domain.IdentityBroadcaster).emit(domain.ChatHost{Channel: "#streamer", Target: "OtherStreamer", ViewerCount: intPtr(12)})

	events := f.pub.named(domain.EventHost)
	require.Len(t, events, 1)
	assert.Equal(t, domain.HostPayload{User: "otherstreamer", Name: "OtherStreamer", ViewerCount: intPtr(12)}, events[0].Payload)
}

func TestChatNormalization_HostLookupFailureFallsBack(t *testing.T) {
	f := newChatFixture(t)
	f.lookup.loginByDisplayNameFn = func(context.Context, string) (string, error) {
		return "", &domain.LookupError{Kind: domain.LookupChannel, Key: "OtherStreamer", Err: errors.New("503")}
	}
	require.NoError(t, f.chat.Setup(context.Background()))

	f.factory.latest(t, domain.IdentityBroadcaster).emit(domain.ChatHost{Channel: "#streamer", Target: "OtherStreamer"})

	events := f.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.HostPayload{User: "OtherStreamer", Name: "OtherStreamer"}, events[0].Payload)
}

func TestChatNormalization_HostedStripsPrefix(t *testing.T) {
	f := newChatFixture(t)
	require.NoError(t, f.chat.Setup(context.Background()))

	f.factory.latest(t, domain.IdentityBroadcaster).emit(domain.ChatHosted{Channel: "#streamer", By: "#Friendly", Auto: true, ViewerCount: intPtr(4)})

	events := f.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventHosted, events[0].Name)
	assert.Equal(t, domain.HostedPayload{User: "Friendly", Name: "Friendly", Auto: true, ViewerCount: intPtr(4)}, events[0].Payload)
}
