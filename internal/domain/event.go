package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventName is the canonical kind of a normalized event.
type EventName string

const (
	EventSub                        EventName = "sub"
	EventResub                      EventName = "resub"
	EventSubGift                    EventName = "subGift"
	EventSubGiftCommunity           EventName = "subGiftCommunity"
	EventSubGiftCommunityPayForward EventName = "subGiftCommunityPayForward"
	EventSubGiftPayForward          EventName = "subGiftPayForward"
	EventSubGiftUpgrade             EventName = "subGiftUpgrade"
	EventSubPrimeUpgraded           EventName = "subPrimeUpgraded"
	EventSubExtend                  EventName = "subExtend"
	EventGiftPrime                  EventName = "giftPrime"
	EventBits                       EventName = "bits"
	EventRedemption                 EventName = "redemption"
	EventFollow                     EventName = "follow"
	EventHost                       EventName = "host"
	EventHosted                     EventName = "hosted"
	EventRaided                     EventName = "raided"
	EventStream                     EventName = "stream"
	EventOffline                    EventName = "offline"
	EventMessage                    EventName = "message"
	EventWhisper                    EventName = "whisper"
	EventAction                     EventName = "action"
	EventRitual                     EventName = "ritual"
	EventError                      EventName = "error"
)

// AnonymousUser is the user and name reported for anonymous cheers.
const AnonymousUser = "Anonymous"

// Event is a normalized event. It is immutable once published.
type Event struct {
	ID      uuid.UUID `json:"id"`
	Name    EventName `json:"name"`
	Channel string    `json:"channel,omitempty"`
	Payload Payload   `json:"payload"`
	At      time.Time `json:"at"`
}

// NewEvent stamps a payload with an id, its canonical name and the given time.
func NewEvent(channel string, payload Payload, at time.Time) Event {
	return Event{
		ID:      uuid.New(),
		Name:    payload.EventName(),
		Channel: channel,
		Payload: payload,
		At:      at,
	}
}

// EventPublisher is the publish side of the event bus.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}

// Payload is the closed set of canonical event payloads.
type Payload interface {
	EventName() EventName
	payload()
}

type MessagePayload struct {
	User    string `json:"user"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

type ActionPayload struct {
	User    string `json:"user"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

type WhisperPayload struct {
	User    string `json:"user"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// SubPayload is shared by sub and resub; Resub selects the event name.
type SubPayload struct {
	User    string `json:"user"`
	Name    string `json:"name"`
	IsPrime bool   `json:"isPrime"`
	Message string `json:"message,omitempty"`
	Months  int    `json:"months"`
	Streak  *int   `json:"streak,omitempty"`
	Tier    string `json:"tier"`
	Resub   bool   `json:"-"`
}

type SubGiftPayload struct {
	User           string `json:"user"`
	Name           string `json:"name"`
	GifterUser     string `json:"gifterUser"`
	GifterName     string `json:"gifterName"`
	TotalGiftCount *int   `json:"totalGiftCount,omitempty"`
	IsPrime        bool   `json:"isPrime"`
	Message        string `json:"message,omitempty"`
	Months         int    `json:"months"`
	Streak         *int   `json:"streak,omitempty"`
	Tier           string `json:"tier"`
}

type SubGiftCommunityPayload struct {
	User           string `json:"user"`
	Name           string `json:"name"`
	GiftCount      int    `json:"giftCount"`
	TotalGiftCount *int   `json:"totalGiftCount,omitempty"`
	Tier           string `json:"tier"`
}

type SubGiftCommunityPayForwardPayload struct {
	User           string `json:"user"`
	Name           string `json:"name"`
	OriginalGifter string `json:"originalGifter,omitempty"`
}

type SubGiftPayForwardPayload struct {
	User           string `json:"user"`
	Name           string `json:"name"`
	OriginalGifter string `json:"originalGifter,omitempty"`
	Recipient      string `json:"recipient"`
}

type SubGiftUpgradePayload struct {
	User   string `json:"user"`
	Name   string `json:"name"`
	Gifter string `json:"gifter"`
	Tier   string `json:"tier,omitempty"`
}

type SubPrimeUpgradedPayload struct {
	User string `json:"user"`
	Name string `json:"name"`
	Tier string `json:"tier"`
}

type SubExtendPayload struct {
	User   string `json:"user"`
	Name   string `json:"name"`
	Months int    `json:"months"`
	Tier   string `json:"tier"`
}

type GiftPrimePayload struct {
	User string `json:"user"`
	Name string `json:"name"`
	Gift string `json:"gift"`
}

type HostPayload struct {
	User        string `json:"user"`
	Name        string `json:"name"`
	ViewerCount *int   `json:"viewerCount,omitempty"`
}

type HostedPayload struct {
	User        string `json:"user"`
	Name        string `json:"name"`
	Auto        bool   `json:"auto"`
	ViewerCount *int   `json:"viewerCount,omitempty"`
}

type RaidedPayload struct {
	User        string `json:"user"`
	Name        string `json:"name"`
	ViewerCount int    `json:"viewerCount"`
}

type RitualPayload struct {
	User    string `json:"user"`
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
	Ritual  string `json:"ritual"`
}

type BitsPayload struct {
	UserID      string `json:"userId,omitempty"`
	User        string `json:"user"`
	Name        string `json:"name"`
	Bits        int    `json:"bits"`
	TotalBits   *int   `json:"totalBits,omitempty"`
	Message     string `json:"message,omitempty"`
	IsAnonymous bool   `json:"isAnonymous"`
}

type RedemptionPayload struct {
	UserID   string    `json:"userId"`
	User     string    `json:"user"`
	Name     string    `json:"name"`
	Message  string    `json:"message,omitempty"`
	Date     time.Time `json:"date"`
	Cost     int       `json:"cost"`
	Reward   string    `json:"reward"`
	IsQueued bool      `json:"isQueued"`
}

type FollowPayload struct {
	UserID string    `json:"userId"`
	User   string    `json:"user"`
	Name   string    `json:"name"`
	Date   time.Time `json:"date"`
}

type StreamPayload struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Game         string    `json:"game"`
	StartDate    time.Time `json:"startDate"`
	ThumbnailURL string    `json:"thumbnailUrl"`
}

type OfflinePayload struct{}

type ErrorPayload struct {
	Message string `json:"message"`
	Err     string `json:"err,omitempty"`
}

func (MessagePayload) EventName() EventName          { return EventMessage }
func (ActionPayload) EventName() EventName           { return EventAction }
func (WhisperPayload) EventName() EventName          { return EventWhisper }
func (SubGiftPayload) EventName() EventName          { return EventSubGift }
func (SubGiftCommunityPayload) EventName() EventName { return EventSubGiftCommunity }
func (SubGiftCommunityPayForwardPayload) EventName() EventName {
	return EventSubGiftCommunityPayForward
}
func (SubGiftPayForwardPayload) EventName() EventName { return EventSubGiftPayForward }
func (SubGiftUpgradePayload) EventName() EventName    { return EventSubGiftUpgrade }
func (SubPrimeUpgradedPayload) EventName() EventName  { return EventSubPrimeUpgraded }
func (SubExtendPayload) EventName() EventName         { return EventSubExtend }
func (GiftPrimePayload) EventName() EventName         { return EventGiftPrime }
func (HostPayload) EventName() EventName              { return EventHost }
func (HostedPayload) EventName() EventName            { return EventHosted }
func (RaidedPayload) EventName() EventName            { return EventRaided }
func (RitualPayload) EventName() EventName            { return EventRitual }
func (BitsPayload) EventName() EventName              { return EventBits }
func (RedemptionPayload) EventName() EventName        { return EventRedemption }
func (FollowPayload) EventName() EventName            { return EventFollow }
func (StreamPayload) EventName() EventName            { return EventStream }
func (OfflinePayload) EventName() EventName           { return EventOffline }
func (ErrorPayload) EventName() EventName             { return EventError }

func (p SubPayload) EventName() EventName {
	if p.Resub {
		return EventResub
	}
	return EventSub
}

func (MessagePayload) payload()                    {}
func (ActionPayload) payload()                     {}
func (WhisperPayload) payload()                    {}
func (SubPayload) payload()                        {}
func (SubGiftPayload) payload()                    {}
func (SubGiftCommunityPayload) payload()           {}
func (SubGiftCommunityPayForwardPayload) payload() {}
func (SubGiftPayForwardPayload) payload()          {}
func (SubGiftUpgradePayload) payload()             {}
func (SubPrimeUpgradedPayload) payload()           {}
func (SubExtendPayload) payload()                  {}
func (GiftPrimePayload) payload()                  {}
func (HostPayload) payload()                       {}
func (HostedPayload) payload()                     {}
func (RaidedPayload) payload()                     {}
func (RitualPayload) payload()                     {}
func (BitsPayload) payload()                       {}
func (RedemptionPayload) payload()                 {}
func (FollowPayload) payload()                     {}
func (StreamPayload) payload()                     {}
func (OfflinePayload) payload()                    {}
func (ErrorPayload) payload()                      {}
