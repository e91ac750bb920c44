package chatlog

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingDate means the header carries no "at YYYY-MM-DD" date.
	ErrMissingDate = errors.New("no stream date after \"at \"")
	// ErrNoMatch marks a line that no rule recognised.
	ErrNoMatch = errors.New("line matches no pattern")
)

// FormatError reports an unusable log header. It is fatal for the whole file.
type FormatError struct {
	Header string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid log header %q: %v", e.Header, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// TimestampError reports a time of day that does not combine with the stream date.
type TimestampError struct {
	Value string
	Err   error
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("invalid timestamp %q: %v", e.Value, e.Err)
}

func (e *TimestampError) Unwrap() error { return e.Err }
