package chatlog

import (
	"strings"
	"time"
)

// OutcomeKind is the bucket a classified line falls into.
type OutcomeKind int

const (
	// Matched lines produced a ChatEvent.
	Matched OutcomeKind = iota
	// Unmatched lines matched no rule.
	Unmatched
	// BadTimestamp lines matched a rule but their time of day did not combine
	// with the stream date.
	BadTimestamp
)

func (k OutcomeKind) String() string {
	switch k {
	case Matched:
		return "matched"
	case Unmatched:
		return "no_match"
	case BadTimestamp:
		return "timestamp_error"
	default:
		return "unknown"
	}
}

// Outcome is the result of classifying one line.
type Outcome struct {
	Kind OutcomeKind
	// Type is the matching rule's type, or NoMatch.
	Type  EventType
	Event *ChatEvent
	Line  string
	// Err is ErrNoMatch for Unmatched and a *TimestampError for BadTimestamp.
	Err error
}

// Classifier applies a Registry to single lines.
type Classifier struct {
	registry *Registry
}

// NewClassifier returns a classifier over r, or over DefaultRegistry when r is nil.
func NewClassifier(r *Registry) *Classifier {
	if r == nil {
		r = DefaultRegistry()
	}
	return &Classifier{registry: r}
}

// Registry returns the classifier's rule set.
func (c *Classifier) Registry() *Registry { return c.registry }

// Classify matches one line (surrounding whitespace is ignored) against the
// registry in priority order and stops at the first match. streamDate supplies
// the calendar date; only its year, month and day are used.
func (c *Classifier) Classify(line string, streamDate time.Time) Outcome {
	line = strings.TrimSpace(line)
	for i := range c.registry.rules {
		rule := &c.registry.rules[i]
		m := rule.Pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ts, err := combine(streamDate, m[1])
		if err != nil {
			return Outcome{Kind: BadTimestamp, Type: rule.Type, Line: line, Err: err}
		}
		return Outcome{Kind: Matched, Type: rule.Type, Line: line, Event: extract(rule, m, line, ts)}
	}
	return Outcome{Kind: Unmatched, Type: NoMatch, Line: line, Err: ErrNoMatch}
}

func extract(rule *Rule, m []string, line string, ts time.Time) *ChatEvent {
	ev := &ChatEvent{
		Timestamp: ts,
		EventType: rule.Type,
	}
	for _, g := range rule.UserGroups {
		if m[g] != "" {
			ev.Usernames = append(ev.Usernames, m[g])
		}
	}
	if len(ev.Usernames) > 0 {
		u := ev.Usernames[0]
		ev.Username = &u
	}
	switch rule.Message.Kind {
	case MessageFromGroups:
		var sb strings.Builder
		for _, g := range rule.Message.Groups {
			sb.WriteString(m[g])
		}
		ev.MessageText = sb.String()
	default:
		ev.MessageText = stripTimestamp(line)
	}
	for name, g := range rule.Fields {
		if m[g] == "" {
			continue
		}
		if ev.Details == nil {
			ev.Details = make(map[string]string, len(rule.Fields))
		}
		ev.Details[name] = m[g]
	}
	return ev
}

// stripTimestamp removes the leading "[HH:MM:SS]" bracket and the single
// space that separates it from the text. Anything after that is kept as is.
func stripTimestamp(line string) string {
	if !strings.HasPrefix(line, "[") {
		return line
	}
	i := strings.IndexByte(line, ']')
	if i < 0 {
		return line
	}
	return strings.TrimPrefix(line[i+1:], " ")
}

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04:05"
)

func combine(streamDate time.Time, clock string) (time.Time, error) {
	value := streamDate.Format(dateLayout) + " " + clock
	ts, err := time.ParseInLocation(dateTimeLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, &TimestampError{Value: value, Err: err}
	}
	return ts, nil
}
