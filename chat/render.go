package chat

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Line is one rendered export line for a channel.
type Line struct {
	Channel string
	At      time.Time
	Text    string
}

// String formats the line as it appears in an exported log.
func (l Line) String() string {
	return "[" + l.At.UTC().Format(time.TimeOnly) + "] " + l.Text
}

// StreamDate is the UTC calendar day of the line.
func (l Line) StreamDate() time.Time {
	y, m, d := l.At.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// oneLine folds embedded line breaks so a message cannot spill into the next
// log line.
func oneLine(s string) string {
	return strings.TrimSpace(lineBreaks.Replace(s))
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// speaker renders the author prefix: the display name, or "Display login"
// when the display name is localized.
func speaker(u twitch.User) string {
	switch {
	case u.DisplayName == "":
		return u.Name
	case isASCII(u.DisplayName):
		return u.DisplayName
	default:
		return u.DisplayName + " " + u.Name
	}
}

// RenderPrivateMessage renders a chat message as "user: text".
func RenderPrivateMessage(m twitch.PrivateMessage) []Line {
	text := oneLine(m.Message)
	if text == "" {
		return nil
	}
	return []Line{{Channel: m.Channel, At: m.Time, Text: speaker(m.User) + ": " + text}}
}

// RenderUserNotice renders subs, gifts, raids and announcements. Announcements
// emit an "Announcement" marker followed by the announced chat line; other
// notices emit the system message and, when the user attached one, their chat
// line.
func RenderUserNotice(m twitch.UserNoticeMessage) []Line {
	var out []Line
	add := func(text string) {
		if text = oneLine(text); text != "" {
			out = append(out, Line{Channel: m.Channel, At: m.Time, Text: text})
		}
	}
	userLine := func() {
		if msg := oneLine(m.Message); msg != "" {
			add(speaker(m.User) + ": " + msg)
		}
	}

	if m.MsgID == "announcement" {
		add("Announcement")
		userLine()
		return out
	}
	add(m.SystemMsg)
	userLine()
	return out
}

// RenderClearChat renders timeouts and permanent bans. Whole-chat clears
// carry no target and render nothing.
func RenderClearChat(m twitch.ClearChatMessage) []Line {
	if m.TargetUsername == "" {
		return nil
	}
	text := m.TargetUsername + " has been permanently banned."
	if m.BanDuration > 0 {
		text = m.TargetUsername + " has been timed out for " + formatBanDuration(m.BanDuration) + "."
	}
	return []Line{{Channel: m.Channel, At: m.Time, Text: text}}
}

// formatBanDuration renders seconds as "1d 2h 3m 4s", omitting zero units.
func formatBanDuration(secs int) string {
	units := []struct {
		n    int
		unit string
	}{{86400, "d"}, {3600, "h"}, {60, "m"}, {1, "s"}}
	var parts []string
	for _, u := range units {
		if secs >= u.n {
			parts = append(parts, fmt.Sprintf("%d%s", secs/u.n, u.unit))
			secs %= u.n
		}
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, " ")
}

// roomModes maps ROOMSTATE keys to the mode names used in export lines.
var roomModes = map[string]string{
	"emote-only":     "emote-only",
	"subs-only":      "subscribers-only",
	"r9k":            "unique-chat",
	"slow":           "slow",
	"followers-only": "followers-only",
}

// RenderRoomState renders a single mode change. The ROOMSTATE sent on join
// lists every mode at once and is ignored. ROOMSTATE carries no server time,
// so the line is left unstamped for the recorder's clock.
func RenderRoomState(m twitch.RoomStateMessage) []Line {
	if len(m.State) != 1 {
		return nil
	}
	for key, val := range m.State {
		mode, ok := roomModes[key]
		if !ok {
			return nil
		}
		on := val > 0
		if key == "followers-only" {
			// -1 is off; 0 is on with no minimum follow age.
			on = val >= 0
			if val > 0 {
				mode = fmt.Sprintf("%d minutes followers-only", val)
			}
		}
		text := "This room is no longer in " + mode + " mode."
		if on {
			text = "This room is now in " + mode + " mode."
		}
		return []Line{{Channel: m.Channel, Text: text}}
	}
	return nil
}
