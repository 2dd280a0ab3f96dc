package app

import (
	"context"
	"log/slog"

	"github.com/pscheid92/streamrelay/internal/adapter/metrics"
	"github.com/pscheid92/streamrelay/internal/domain"
)

// chatNormalizer turns one chat event into its canonical payload. A nil
// payload means the event is not published.
type chatNormalizer func(ctx context.Context, ev domain.ChatEvent) domain.Payload

func typed[T domain.ChatEvent](fn func(ctx context.Context, ev T) domain.Payload) chatNormalizer {
	return func(ctx context.Context, ev domain.ChatEvent) domain.Payload {
		e, ok := ev.(T)
		if !ok {
			return nil
		}
		return fn(ctx, e)
	}
}

func chatNormalizers(lookup domain.UserLookup, relayMetrics *metrics.RelayMetrics) map[domain.ChatEventKind]chatNormalizer {
	sub := typed(func(_ context.Context, e domain.ChatSub) domain.Payload {
		return domain.SubPayload{
			User:    e.User.Login,
			Name:    e.User.DisplayName,
			IsPrime: e.Plan.IsPrime(),
			Message: e.Message,
			Months:  e.Months,
			Streak:  e.Streak,
			Tier:    e.Plan.Plan,
			Resub:   e.Resub,
		}
	})

	loginFor := func(ctx context.Context, displayName string) string {
		login, err := lookup.LoginByDisplayName(ctx, displayName)
		if err != nil || login == "" {
			relayMetrics.LookupFailed(domain.LookupChannel)
			slog.WarnContext(ctx, "Channel lookup failed, using display name", "name", displayName, "error", err)
			return displayName
		}
		return login
	}

	return map[domain.ChatEventKind]chatNormalizer{
		domain.ChatKindMessage: typed(func(_ context.Context, e domain.ChatMessage) domain.Payload {
			return domain.MessagePayload{User: e.User.Login, Name: e.User.DisplayName, Message: e.Text}
		}),
		domain.ChatKindAction: typed(func(_ context.Context, e domain.ChatAction) domain.Payload {
			return domain.ActionPayload{User: e.User.Login, Name: e.User.DisplayName, Message: e.Text}
		}),
		domain.ChatKindWhisper: typed(func(_ context.Context, e domain.ChatWhisper) domain.Payload {
			return domain.WhisperPayload{User: e.User.Login, Name: e.User.DisplayName, Message: e.Text}
		}),
		domain.ChatKindSub:   sub,
		domain.ChatKindResub: sub,
		domain.ChatKindSubGift: typed(func(_ context.Context, e domain.ChatSubGift) domain.Payload {
			return domain.SubGiftPayload{
				User:           e.Recipient.Login,
				Name:           e.Recipient.DisplayName,
				GifterUser:     e.Gifter.Login,
				GifterName:     e.Gifter.DisplayName,
				TotalGiftCount: e.GifterTotal,
				IsPrime:        e.Plan.IsPrime(),
				Message:        e.Message,
				Months:         e.Months,
				Streak:         e.Streak,
				Tier:           e.Plan.Plan,
			}
		}),
		domain.ChatKindCommunitySub: typed(func(_ context.Context, e domain.ChatCommunitySub) domain.Payload {
			return domain.SubGiftCommunityPayload{
				User:           e.Gifter.Login,
				Name:           e.Gifter.DisplayName,
				GiftCount:      e.Count,
				TotalGiftCount: e.GifterTotal,
				Tier:           e.Plan.Plan,
			}
		}),
		domain.ChatKindCommunityPayForward: typed(func(_ context.Context, e domain.ChatCommunityPayForward) domain.Payload {
			return domain.SubGiftCommunityPayForwardPayload{
				User:           e.User.Login,
				Name:           e.User.DisplayName,
				OriginalGifter: e.OriginalGifterName,
			}
		}),
		domain.ChatKindStandardPayForward: typed(func(_ context.Context, e domain.ChatStandardPayForward) domain.Payload {
			return domain.SubGiftPayForwardPayload{
				User:           e.User.Login,
				Name:           e.User.DisplayName,
				OriginalGifter: e.OriginalGifterName,
				Recipient:      e.RecipientName,
			}
		}),
		domain.ChatKindGiftPaidUpgrade: typed(func(_ context.Context, e domain.ChatGiftPaidUpgrade) domain.Payload {
			return domain.SubGiftUpgradePayload{
				User:   e.User.Login,
				Name:   e.User.DisplayName,
				Gifter: e.GifterName,
				Tier:   e.Plan.Plan,
			}
		}),
		domain.ChatKindPrimePaidUpgrade: typed(func(_ context.Context, e domain.ChatPrimePaidUpgrade) domain.Payload {
			return domain.SubPrimeUpgradedPayload{User: e.User.Login, Name: e.User.DisplayName, Tier: e.Plan.Plan}
		}),
		domain.ChatKindExtendSub: typed(func(_ context.Context, e domain.ChatExtendSub) domain.Payload {
			return domain.SubExtendPayload{User: e.User.Login, Name: e.User.DisplayName, Months: e.Months, Tier: e.Plan.Plan}
		}),
		domain.ChatKindPrimeCommunityGift: typed(func(_ context.Context, e domain.ChatPrimeCommunityGift) domain.Payload {
			return domain.GiftPrimePayload{User: e.Gifter.Login, Name: e.Gifter.DisplayName, Gift: e.GiftName}
		}),
		domain.ChatKindRaid: typed(func(_ context.Context, e domain.ChatRaid) domain.Payload {
			return domain.RaidedPayload{User: e.Raider.Login, Name: e.Raider.DisplayName, ViewerCount: e.ViewerCount}
		}),
		domain.ChatKindRitual: typed(func(_ context.Context, e domain.ChatRitual) domain.Payload {
			return domain.RitualPayload{User: e.User.Login, Name: e.User.DisplayName, Message: e.Message, Ritual: e.Ritual}
		}),
		domain.ChatKindHost: typed(func(ctx context.Context, e domain.ChatHost) domain.Payload {
			return domain.HostPayload{User: loginFor(ctx, e.Target), Name: e.Target, ViewerCount: e.ViewerCount}
		}),
		domain.ChatKindHosted: typed(func(ctx context.Context, e domain.ChatHosted) domain.Payload {
			by := stripChannelPrefix(e.By)
			return domain.HostedPayload{User: loginFor(ctx, by), Name: by, Auto: e.Auto, ViewerCount: e.ViewerCount}
		}),
	}
}
