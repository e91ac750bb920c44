package chatlog

import (
	"fmt"
	"regexp"
	"sync"
)

// MessageKind selects how a rule derives ChatEvent.MessageText.
type MessageKind int

const (
	// MessageFromLine uses the whole line minus the leading "[HH:MM:SS] " bracket.
	MessageFromLine MessageKind = iota
	// MessageFromGroups concatenates the listed capture groups.
	MessageFromGroups
)

// MessageStrategy is the per-rule message extraction descriptor.
type MessageStrategy struct {
	Kind   MessageKind
	Groups []int
}

// Rule pairs a matcher with its extraction descriptor. Group indices refer to
// regexp submatch positions; group 1 is always the time of day.
type Rule struct {
	Type    EventType
	Pattern *regexp.Regexp
	// UserGroups lists the user-like captures; the first non-empty one becomes
	// the primary username.
	UserGroups []int
	Message    MessageStrategy
	// Fields names additional captures copied into ChatEvent.Details.
	Fields map[string]int
}

// Pattern is a (name, matcher) pair as exposed by Registry.Patterns.
type Pattern struct {
	Name    EventType
	Matcher *regexp.Regexp
}

// Registry is an immutable, ordered list of rules. Order is priority.
type Registry struct {
	rules []Rule
}

// NewRegistry validates rules and returns them as a registry in the given order.
func NewRegistry(rules ...Rule) (*Registry, error) {
	seen := make(map[EventType]struct{}, len(rules))
	for i, r := range rules {
		if r.Type == "" || r.Pattern == nil {
			return nil, fmt.Errorf("rule %d: type and pattern are required", i)
		}
		if _, dup := seen[r.Type]; dup {
			return nil, fmt.Errorf("rule %d: duplicate type %q", i, r.Type)
		}
		seen[r.Type] = struct{}{}
		n := r.Pattern.NumSubexp()
		if n < 1 {
			return nil, fmt.Errorf("rule %q: pattern must capture the time of day as group 1", r.Type)
		}
		groups := append([]int{}, r.UserGroups...)
		groups = append(groups, r.Message.Groups...)
		for _, g := range r.Fields {
			groups = append(groups, g)
		}
		for _, g := range groups {
			if g < 1 || g > n {
				return nil, fmt.Errorf("rule %q: group %d out of range (pattern has %d)", r.Type, g, n)
			}
		}
		if r.Message.Kind == MessageFromGroups && len(r.Message.Groups) == 0 {
			return nil, fmt.Errorf("rule %q: message groups strategy without groups", r.Type)
		}
	}
	return &Registry{rules: append([]Rule(nil), rules...)}, nil
}

// MustRegistry is like NewRegistry but panics on invalid rules.
func MustRegistry(rules ...Rule) *Registry {
	r, err := NewRegistry(rules...)
	if err != nil {
		panic(err)
	}
	return r
}

// Rules returns a copy of the rules in priority order.
func (r *Registry) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// Patterns returns the ordered (name, matcher) pairs.
func (r *Registry) Patterns() []Pattern {
	out := make([]Pattern, len(r.rules))
	for i, rule := range r.rules {
		out[i] = Pattern{Name: rule.Type, Matcher: rule.Pattern}
	}
	return out
}

// Types returns the rule names in priority order.
func (r *Registry) Types() []EventType {
	out := make([]EventType, len(r.rules))
	for i, rule := range r.rules {
		out[i] = rule.Type
	}
	return out
}

// Len returns the number of rules.
func (r *Registry) Len() int { return len(r.rules) }

const (
	tsPrefix = `^\[(\d{2}:\d{2}:\d{2})\]\s+`
	// word mirrors a Unicode-aware \w.
	word = `([\pL\pN_]+)`
	// displayName additionally admits any non-ASCII rune, as localized display names do.
	displayName = `([\pL\pN_\x{0080}-\x{FFFF}]+)`
)

func anchored(body string) *regexp.Regexp {
	return regexp.MustCompile(tsPrefix + body + `$`)
}

func fromGroups(g ...int) MessageStrategy {
	return MessageStrategy{Kind: MessageFromGroups, Groups: g}
}

// DefaultRegistry returns the rules for the Chatterino Twitch log format.
// Structured events come first; the two chat shapes are the fallback, and
// chat_message is tried before chat_message_foreign.
var DefaultRegistry = sync.OnceValue(func() *Registry {
	return MustRegistry(
		Rule{
			Type:       StreamLive,
			Pattern:    anchored(word + `\s+is live!`),
			UserGroups: []int{2},
		},
		Rule{
			Type:       SubBasic,
			Pattern:    anchored(word + `\s+subscribed at Tier (\d+)\.`),
			UserGroups: []int{2},
			Fields:     map[string]int{"tier": 3},
		},
		Rule{
			Type:       SubPrimeBasic,
			Pattern:    anchored(word + `\s+subscribed with Prime\.`),
			UserGroups: []int{2},
		},
		Rule{
			Type:       SubWithMonths,
			Pattern:    anchored(word + `\s+subscribed (?:at Tier (\d+)|with Prime)\.\s+They've subscribed for (\d+) months?!`),
			UserGroups: []int{2},
			Fields:     map[string]int{"tier": 3, "months": 4},
		},
		Rule{
			Type:       SubWithStreak,
			Pattern:    anchored(word + `\s+subscribed (?:at Tier (\d+)|with Prime)\.\s+They've subscribed for (\d+) months?, currently on a (\d+) month streak!`),
			UserGroups: []int{2},
			Fields:     map[string]int{"tier": 3, "months": 4, "streak": 5},
		},
		Rule{
			Type:       SubAdvance,
			Pattern:    anchored(word + `\s+subscribed at Tier (\d+) for (\d+) months? in advance(?:, reaching (\d+) months cumulatively so far)?!`),
			UserGroups: []int{2},
			Fields:     map[string]int{"tier": 3, "months": 4, "cumulative": 5},
		},
		Rule{
			Type:       GiftAnnouncement,
			Pattern:    anchored(word + `\s+is gifting (\d+) Tier (\d+) Subs? to ` + word + `'s community!\s+They've gifted a total of (\d+) in the channel!`),
			UserGroups: []int{2, 5},
			Fields:     map[string]int{"count": 3, "tier": 4, "channel": 5, "total": 6},
		},
		Rule{
			Type:       GiftIndividual,
			Pattern:    anchored(word + `\s+gifted a Tier (\d+) sub to ` + word + `!(?:\s+They have given (\d+) Gift Subs in the channel!)?`),
			UserGroups: []int{2, 4},
			Fields:     map[string]int{"tier": 3, "recipient": 4, "total": 5},
		},
		Rule{
			Type:       GiftFirst,
			Pattern:    anchored(word + `\s+gifted a Tier (\d+) sub to ` + word + `!\s+This is their first Gift Sub in the channel!`),
			UserGroups: []int{2, 4},
			Fields:     map[string]int{"tier": 3, "recipient": 4},
		},
		Rule{
			Type:       AnonGiftAnnouncement,
			Pattern:    anchored(`AnAnonymousGifter is gifting (\d+) Tier (\d+) Subs? to ` + word + `'s community!`),
			UserGroups: []int{4},
			Fields:     map[string]int{"count": 2, "tier": 3, "channel": 4},
		},
		Rule{
			Type:       AnonGiftIndividual,
			Pattern:    anchored(`An anonymous user gifted(?: (\d+) months? of)? a Tier (\d+) sub to ` + word + `!`),
			UserGroups: []int{4},
			Fields:     map[string]int{"months": 2, "tier": 3, "recipient": 4},
		},
		Rule{
			Type:       Timeout,
			Pattern:    anchored(word + `\s+has been timed out for (.+)\.`),
			UserGroups: []int{2},
			Fields:     map[string]int{"reason": 3},
		},
		Rule{
			Type:       PermanentBan,
			Pattern:    anchored(word + `\s+has been permanently banned\.`),
			UserGroups: []int{2},
		},
		Rule{
			Type:       Raid,
			Pattern:    anchored(`(\d+) raiders? from ` + word + ` have joined!`),
			UserGroups: []int{3},
			Fields:     map[string]int{"count": 2},
		},
		Rule{
			Type:    RoomModeOn,
			Pattern: anchored(`This room is now in (.+) mode\.`),
			Fields:  map[string]int{"mode": 2},
		},
		Rule{
			Type:    RoomModeOff,
			Pattern: anchored(`This room is no longer in (.+) mode\.`),
			Fields:  map[string]int{"mode": 2},
		},
		Rule{
			Type:    Announcement,
			Pattern: anchored(`Announcement`),
		},
		Rule{
			Type:       ChatMessage,
			Pattern:    anchored(word + `:\s(.+)`),
			UserGroups: []int{2},
			Message:    fromGroups(3),
		},
		Rule{
			Type:       ChatMessageForeign,
			Pattern:    anchored(displayName + `\s+` + word + `:\s(.+)`),
			UserGroups: []int{2, 3},
			Message:    fromGroups(4),
			Fields:     map[string]int{"display_name": 2, "login": 3},
		},
	)
})
