package chatlog

import (
	"fmt"
	"time"
)

// EventType is the classification label assigned to a line. It is the name of
// the rule that matched.
type EventType string

const (
	StreamLive           EventType = "stream_live"
	SubBasic             EventType = "sub_basic"
	SubPrimeBasic        EventType = "sub_prime_basic"
	SubWithMonths        EventType = "sub_with_months"
	SubWithStreak        EventType = "sub_with_streak"
	SubAdvance           EventType = "sub_advance"
	GiftAnnouncement     EventType = "gift_announcement"
	GiftIndividual       EventType = "gift_individual"
	GiftFirst            EventType = "gift_first"
	AnonGiftAnnouncement EventType = "anon_gift_announcement"
	AnonGiftIndividual   EventType = "anon_gift_individual"
	Timeout              EventType = "timeout"
	PermanentBan         EventType = "permanent_ban"
	Raid                 EventType = "raid"
	RoomModeOn           EventType = "room_mode_on"
	RoomModeOff          EventType = "room_mode_off"
	Announcement         EventType = "announcement"
	ChatMessage          EventType = "chat_message"
	ChatMessageForeign   EventType = "chat_message_foreign"

	// NoMatch is only used as a tally key for lines no rule recognised.
	NoMatch EventType = "no_match"
)

// EventTypes returns every classifiable event type in registry priority order.
func EventTypes() []EventType {
	return []EventType{
		StreamLive, SubBasic, SubPrimeBasic, SubWithMonths, SubWithStreak, SubAdvance,
		GiftAnnouncement, GiftIndividual, GiftFirst, AnonGiftAnnouncement, AnonGiftIndividual,
		Timeout, PermanentBan, Raid, RoomModeOn, RoomModeOff, Announcement,
		ChatMessage, ChatMessageForeign,
	}
}

// IsChat reports whether t is one of the two chat message types.
func (t EventType) IsChat() bool {
	return t == ChatMessage || t == ChatMessageForeign
}

// ParseEventType validates a user supplied event type name.
func ParseEventType(s string) (EventType, error) {
	for _, t := range EventTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// ChatEvent is the normalized record recovered from one event line.
type ChatEvent struct {
	// Timestamp is the stream date combined with the line's time of day, in UTC.
	Timestamp time.Time
	// ChannelName is supplied by the caller; it is not part of the line.
	ChannelName string
	// Username is the primary actor, nil for room-mode and announcement lines.
	Username *string
	// Usernames holds every user-like capture in rule order; Username is the first.
	Usernames   []string
	MessageText string
	EventType   EventType
	// Details carries the remaining captured entities (tier, months, reason, ...).
	Details map[string]string
	// CreatedAt is the ingestion time, stamped by the caller.
	CreatedAt time.Time
	// LineNo is the 1-based line number in the source log, 0 when unknown.
	LineNo int
}

// UsernameOrEmpty returns the primary username or "".
func (e *ChatEvent) UsernameOrEmpty() string {
	if e.Username == nil {
		return ""
	}
	return *e.Username
}
