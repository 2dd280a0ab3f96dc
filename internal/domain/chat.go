package domain

import "context"

// ChatEventKind identifies a chat callback kind delivered by a chat client.
type ChatEventKind string

const (
	ChatKindMessage             ChatEventKind = "message"
	ChatKindAction              ChatEventKind = "action"
	ChatKindWhisper             ChatEventKind = "whisper"
	ChatKindSub                 ChatEventKind = "sub"
	ChatKindResub               ChatEventKind = "resub"
	ChatKindSubGift             ChatEventKind = "subgift"
	ChatKindCommunitySub        ChatEventKind = "submysterygift"
	ChatKindCommunityPayForward ChatEventKind = "communitypayforward"
	ChatKindStandardPayForward  ChatEventKind = "standardpayforward"
	ChatKindGiftPaidUpgrade     ChatEventKind = "giftpaidupgrade"
	ChatKindPrimePaidUpgrade    ChatEventKind = "primepaidupgrade"
	ChatKindExtendSub           ChatEventKind = "extendsub"
	ChatKindPrimeCommunityGift  ChatEventKind = "primecommunitygiftreceived"
	ChatKindRaid                ChatEventKind = "raid"
	ChatKindRitual              ChatEventKind = "ritual"
	ChatKindHost                ChatEventKind = "host"
	ChatKindHosted              ChatEventKind = "hosted"
)

// ChatEvent is a parsed chat callback. ChannelName returns the raw channel
// name, which may still carry its leading "#".
type ChatEvent interface {
	Kind() ChatEventKind
	ChannelName() string
}

// ChatUser is the sender of a chat line or user notice.
type ChatUser struct {
	ID          string
	Login       string
	DisplayName string
}

// SubPlan is the platform's plan code: "Prime", "1000", "2000" or "3000".
type SubPlan struct {
	Plan     string
	PlanName string
}

// IsPrime reports whether the plan is a Prime subscription.
func (p SubPlan) IsPrime() bool { return p.Plan == "Prime" }

type ChatMessage struct {
	Channel string
	User    ChatUser
	Text    string
}

type ChatAction struct {
	Channel string
	User    ChatUser
	Text    string
}

type ChatWhisper struct {
	User ChatUser
	Text string
}

type ChatSub struct {
	Channel string
	User    ChatUser
	Plan    SubPlan
	Message string
	Months  int
	Streak  *int
	Resub   bool
}

type ChatSubGift struct {
	Channel     string
	Gifter      ChatUser
	Recipient   ChatUser
	Plan        SubPlan
	Months      int
	Streak      *int
	GifterTotal *int
	Message     string
}

type ChatCommunitySub struct {
	Channel     string
	Gifter      ChatUser
	Plan        SubPlan
	Count       int
	GifterTotal *int
}

type ChatCommunityPayForward struct {
	Channel            string
	User               ChatUser
	OriginalGifterName string
}

type ChatStandardPayForward struct {
	Channel            string
	User               ChatUser
	OriginalGifterName string
	RecipientName      string
}

type ChatGiftPaidUpgrade struct {
	Channel    string
	User       ChatUser
	GifterName string
	Plan       SubPlan
}

type ChatPrimePaidUpgrade struct {
	Channel string
	User    ChatUser
	Plan    SubPlan
}

type ChatExtendSub struct {
	Channel string
	User    ChatUser
	Plan    SubPlan
	Months  int
}

type ChatPrimeCommunityGift struct {
	Channel   string
	Gifter    ChatUser
	GiftName  string
	Recipient string
}

type ChatRaid struct {
	Channel     string
	Raider      ChatUser
	ViewerCount int
}

type ChatRitual struct {
	Channel string
	User    ChatUser
	Ritual  string
	Message string
}

// ChatHost is sent when the channel starts hosting Target.
type ChatHost struct {
	Channel     string
	Target      string
	ViewerCount *int
}

// ChatHosted is sent when another channel starts hosting this one.
type ChatHosted struct {
	Channel     string
	By          string
	Auto        bool
	ViewerCount *int
}

func (ChatMessage) Kind() ChatEventKind             { return ChatKindMessage }
func (ChatAction) Kind() ChatEventKind              { return ChatKindAction }
func (ChatWhisper) Kind() ChatEventKind             { return ChatKindWhisper }
func (ChatSubGift) Kind() ChatEventKind             { return ChatKindSubGift }
func (ChatCommunitySub) Kind() ChatEventKind        { return ChatKindCommunitySub }
func (ChatCommunityPayForward) Kind() ChatEventKind { return ChatKindCommunityPayForward }
func (ChatStandardPayForward) Kind() ChatEventKind  { return ChatKindStandardPayForward }
func (ChatGiftPaidUpgrade) Kind() ChatEventKind     { return ChatKindGiftPaidUpgrade }
func (ChatPrimePaidUpgrade) Kind() ChatEventKind    { return ChatKindPrimePaidUpgrade }
func (ChatExtendSub) Kind() ChatEventKind           { return ChatKindExtendSub }
func (ChatPrimeCommunityGift) Kind() ChatEventKind  { return ChatKindPrimeCommunityGift }
func (ChatRaid) Kind() ChatEventKind                { return ChatKindRaid }
func (ChatRitual) Kind() ChatEventKind              { return ChatKindRitual }
func (ChatHost) Kind() ChatEventKind                { return ChatKindHost }
func (ChatHosted) Kind() ChatEventKind              { return ChatKindHosted }

func (s ChatSub) Kind() ChatEventKind {
	if s.Resub {
		return ChatKindResub
	}
	return ChatKindSub
}

func (e ChatMessage) ChannelName() string             { return e.Channel }
func (e ChatAction) ChannelName() string              { return e.Channel }
func (ChatWhisper) ChannelName() string               { return "" }
func (e ChatSub) ChannelName() string                 { return e.Channel }
func (e ChatSubGift) ChannelName() string             { return e.Channel }
func (e ChatCommunitySub) ChannelName() string        { return e.Channel }
func (e ChatCommunityPayForward) ChannelName() string { return e.Channel }
func (e ChatStandardPayForward) ChannelName() string  { return e.Channel }
func (e ChatGiftPaidUpgrade) ChannelName() string     { return e.Channel }
func (e ChatPrimePaidUpgrade) ChannelName() string    { return e.Channel }
func (e ChatExtendSub) ChannelName() string           { return e.Channel }
func (e ChatPrimeCommunityGift) ChannelName() string  { return e.Channel }
func (e ChatRaid) ChannelName() string                { return e.Channel }
func (e ChatRitual) ChannelName() string              { return e.Channel }
func (e ChatHost) ChannelName() string                { return e.Channel }
func (e ChatHosted) ChannelName() string              { return e.Channel }

// ChatClient is one chat connection for one identity. Connect starts the
// connection in the background and returns once it has been initiated;
// drops are reported through the disconnect handler.
type ChatClient interface {
	OnEvent(handler func(ChatEvent))
	OnConnect(handler func())
	OnDisconnect(handler func(manually bool, reason error))
	Connect(ctx context.Context) error
	Quit(ctx context.Context) error
	Say(channel, message string)
}

// ChatClientFactory builds chat clients for an identity. login is the account
// login the connection authenticates as, token its chat access token, and
// channel the channel it joins.
type ChatClientFactory interface {
	NewChatClient(identity Identity, login, token, channel string) ChatClient
}
