package twitch

import (
	"regexp"
	"strconv"
	"strings"

	twitchirc "github.com/gempir/go-twitch-irc/v4"
	"github.com/pscheid92/streamrelay/internal/domain"
)

// hostNoticeUser sends the "is now hosting you" lines.
const hostNoticeUser = "jtv"

var hostedPattern = regexp.MustCompile(`^(\S+) is now (auto )?hosting you(?: for(?: up to)? (\d+) viewers?)?\.?$`)

func chatUser(u twitchirc.User) domain.ChatUser {
	return domain.ChatUser{ID: u.ID, Login: u.Name, DisplayName: u.DisplayName}
}

func fromPrivateMessage(m twitchirc.PrivateMessage) domain.ChatEvent {
	if strings.EqualFold(m.User.Name, hostNoticeUser) {
		if ev, ok := parseHosted(m.Channel, m.Message); ok {
			return ev
		}
		return nil
	}

	if m.Action {
		return domain.ChatAction{Channel: m.Channel, User: chatUser(m.User), Text: m.Message}
	}
	return domain.ChatMessage{Channel: m.Channel, User: chatUser(m.User), Text: m.Message}
}

func fromWhisper(m twitchirc.WhisperMessage) domain.ChatEvent {
	return domain.ChatWhisper{User: chatUser(m.User), Text: m.Message}
}

func fromUserNotice(m twitchirc.UserNoticeMessage) domain.ChatEvent {
	p := noticeParams(m.MsgParams)
	user := chatUser(m.User)

	switch m.MsgID {
	case "sub", "resub":
		ev := domain.ChatSub{
			Channel: m.Channel,
			User:    user,
			Plan:    p.plan(),
			Message: m.Message,
			Months:  p.num("cumulative-months"),
			Resub:   m.MsgID == "resub",
		}
		if p.str("should-share-streak") == "1" {
			ev.Streak = p.optNum("streak-months")
		}
		return ev

	case "subgift", "anonsubgift":
		return domain.ChatSubGift{
			Channel: m.Channel,
			Gifter:  user,
			Recipient: domain.ChatUser{
				ID:          p.str("recipient-id"),
				Login:       p.str("recipient-user-name"),
				DisplayName: p.str("recipient-display-name"),
			},
			Plan:        p.plan(),
			Months:      p.num("months"),
			GifterTotal: p.optNum("sender-count"),
			Message:     m.Message,
		}

	case "submysterygift", "anonsubmysterygift":
		return domain.ChatCommunitySub{
			Channel:     m.Channel,
			Gifter:      user,
			Plan:        p.plan(),
			Count:       p.num("mass-gift-count"),
			GifterTotal: p.optNum("sender-count"),
		}

	case "communitypayforward":
		return domain.ChatCommunityPayForward{
			Channel:            m.Channel,
			User:               user,
			OriginalGifterName: p.str("prior-gifter-display-name"),
		}

	case "standardpayforward":
		return domain.ChatStandardPayForward{
			Channel:            m.Channel,
			User:               user,
			OriginalGifterName: p.str("prior-gifter-display-name"),
			RecipientName:      p.str("recipient-display-name"),
		}

	case "giftpaidupgrade", "anongiftpaidupgrade":
		return domain.ChatGiftPaidUpgrade{
			Channel:    m.Channel,
			User:       user,
			GifterName: p.str("sender-name"),
			Plan:       p.plan(),
		}

	case "primepaidupgrade":
		return domain.ChatPrimePaidUpgrade{Channel: m.Channel, User: user, Plan: p.plan()}

	case "extendsub":
		return domain.ChatExtendSub{
			Channel: m.Channel,
			User:    user,
			Plan:    p.plan(),
			Months:  p.num("cumulative-months"),
		}

	case "primecommunitygiftreceived":
		return domain.ChatPrimeCommunityGift{
			Channel:   m.Channel,
			Gifter:    user,
			GiftName:  p.str("gift-name"),
			Recipient: p.str("recipient"),
		}

	case "raid":
		return domain.ChatRaid{
			Channel: m.Channel,
			Raider: domain.ChatUser{
				ID:          m.User.ID,
				Login:       p.str("login"),
				DisplayName: p.str("displayName"),
			},
			ViewerCount: p.num("viewerCount"),
		}

	case "ritual":
		return domain.ChatRitual{
			Channel: m.Channel,
			User:    user,
			Ritual:  p.str("ritual-name"),
			Message: m.Message,
		}
	}
	return nil
}

// fromHostTarget parses ":tmi.twitch.tv HOSTTARGET #channel :target [viewers]".
// A target of "-" ends hosting and yields no event.
func fromHostTarget(raw string) domain.ChatEvent {
	_, rest, ok := strings.Cut(raw, "HOSTTARGET ")
	if !ok {
		return nil
	}
	channel, trailing, ok := strings.Cut(rest, " :")
	if !ok {
		return nil
	}

	fields := strings.Fields(trailing)
	if len(fields) == 0 || fields[0] == "-" {
		return nil
	}

	ev := domain.ChatHost{Channel: strings.TrimSpace(channel), Target: fields[0]}
	if len(fields) > 1 {
		if n, err := strconv.Atoi(fields[1]); err == nil {
			ev.ViewerCount = &n
		}
	}
	return ev
}

func parseHosted(channel, text string) (domain.ChatHosted, bool) {
	m := hostedPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return domain.ChatHosted{}, false
	}

	ev := domain.ChatHosted{Channel: channel, By: m[1], Auto: m[2] != ""}
	if m[3] != "" {
		if n, err := strconv.Atoi(m[3]); err == nil {
			ev.ViewerCount = &n
		}
	}
	return ev, true
}

// noticeParams reads USERNOTICE "msg-param-*" tags by their short name.
type noticeParams map[string]string

func (p noticeParams) str(name string) string {
	return p["msg-param-"+name]
}

func (p noticeParams) num(name string) int {
	n, _ := strconv.Atoi(p.str(name))
	return n
}

// optNum treats a missing or zero value as not shared.
func (p noticeParams) optNum(name string) *int {
	n := p.num(name)
	if n == 0 {
		return nil
	}
	return &n
}

func (p noticeParams) plan() domain.SubPlan {
	return domain.SubPlan{Plan: p.str("sub-plan"), PlanName: strings.ReplaceAll(p.str("sub-plan-name"), `\s`, " ")}
}
