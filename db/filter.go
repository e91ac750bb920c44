package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/tlc/backend/chatlog"
)

// Query limits.
const (
	DefaultLimit = 100
	MaxLimit     = 100
)

// sortColumns whitelists the sort keys accepted from callers.
var sortColumns = map[string]string{
	"timestamp":    `"timestamp"`,
	"created_at":   "created_at",
	"username":     "username",
	"message_type": "message_type",
	"channel_name": "channel_name",
}

// SortKeys returns the accepted sort keys.
func SortKeys() []string {
	return []string{"timestamp", "created_at", "username", "message_type", "channel_name"}
}

// Filter selects chat rows. Zero fields do not filter.
type Filter struct {
	Channel   string
	Username  string
	EventType chatlog.EventType
	Since     time.Time // inclusive
	Until     time.Time // exclusive
	Sort      string
	Desc      bool
	Offset    int
	Limit     int
}

// Normalize fills defaults and validates the filter.
func (f Filter) Normalize() (Filter, error) {
	if f.Sort == "" {
		f.Sort = "timestamp"
	}
	f.Sort = strings.ToLower(f.Sort)
	if _, ok := sortColumns[f.Sort]; !ok {
		return f, fmt.Errorf("invalid sort key %q (want one of %s)", f.Sort, strings.Join(SortKeys(), ", "))
	}
	if f.Offset < 0 {
		return f, errors.New("offset must be >= 0")
	}
	if f.Limit < 0 {
		return f, errors.New("limit must be >= 0")
	}
	if f.Limit == 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.EventType != "" {
		if _, err := chatlog.ParseEventType(string(f.EventType)); err != nil {
			return f, err
		}
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Until.After(f.Since) {
		return f, errors.New("until must be after since")
	}
	return f, nil
}

// whereClause builds the WHERE clause and positional args for f.
func (f Filter) whereClause() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Channel != "" {
		add("channel_name = $%d", f.Channel)
	}
	if f.Username != "" {
		add("username = $%d", f.Username)
	}
	if f.EventType != "" {
		add("message_type = $%d", string(f.EventType))
	}
	if !f.Since.IsZero() {
		add(`"timestamp" >= $%d`, f.Since)
	}
	if !f.Until.IsZero() {
		add(`"timestamp" < $%d`, f.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// orderClause returns ORDER BY with seq as the tie-break. f must be normalized.
func (f Filter) orderClause() string {
	dir := "ASC"
	if f.Desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s NULLS LAST, seq %s", sortColumns[f.Sort], dir, dir)
}
