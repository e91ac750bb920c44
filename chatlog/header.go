package chatlog

import (
	"strings"
	"time"
)

// ParseStreamDate extracts the stream date from a log header such as
// "# Start logging at 2023-05-01 19:00:00 Eastern Daylight Time". The date is
// the first whitespace-delimited token after the first "at ". The result is
// midnight UTC of that date. Any failure is a *FormatError.
func ParseStreamDate(header string) (time.Time, error) {
	_, rest, ok := strings.Cut(header, "at ")
	if !ok {
		return time.Time{}, &FormatError{Header: header, Err: ErrMissingDate}
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return time.Time{}, &FormatError{Header: header, Err: ErrMissingDate}
	}
	d, err := time.ParseInLocation(dateLayout, fields[0], time.UTC)
	if err != nil {
		return time.Time{}, &FormatError{Header: header, Err: err}
	}
	return d, nil
}
