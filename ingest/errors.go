package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/tlc/backend/chatlog"
)

// ErrFormatDrift aborts a run whose unmatched share exceeds the configured threshold.
var ErrFormatDrift = errors.New("unmatched line ratio above threshold")

// StorageError reports a batch the store rejected.
type StorageError struct {
	FirstLine int
	LastLine  int
	Rows      int
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store rejected %d events (lines %d-%d): %v", e.Rows, e.FirstLine, e.LastLine, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ErrorClass tells the caller whether an error ends the run or only its line.
type ErrorClass int

const (
	// ErrorClassFatal stops the whole file.
	ErrorClassFatal ErrorClass = iota
	// ErrorClassLine is counted against a single line and the run continues.
	ErrorClassLine
	// ErrorClassUnknown is returned for a nil error.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassFatal:
		return "fatal"
	case ErrorClassLine:
		return "line"
	default:
		return "unknown"
	}
}

// ClassifyError sorts an ingest error into fatal vs per-line.
//
// Per-line: unmatched lines and bad timestamps.
// Fatal: header errors, format drift, storage errors under the fail policy,
// cancellation and any I/O error.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	var tsErr *chatlog.TimestampError
	if errors.Is(err, chatlog.ErrNoMatch) || errors.As(err, &tsErr) {
		return ErrorClassLine
	}
	return ErrorClassFatal
}

// IsCanceled reports whether err came from context cancellation or deadline.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
