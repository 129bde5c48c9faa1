package domain

import (
	"errors"
	"fmt"
	"time"
)

// Common domain errors
var (
	ErrOutOfRange   = errors.New("sheet index out of range")
	ErrInvalidInput = errors.New("invalid input")
	ErrStoreClosed  = errors.New("sheet store is closed")

	// Persisted state errors. These are never repaired silently; the caller
	// has to start a fresh download.
	ErrCorruptIndex     = errors.New("sheet index does not have a valid length")
	ErrCorruptJobFile   = errors.New("corrupt job file")
	ErrSavePathMismatch = errors.New("job file belongs to a different save path")
	ErrJobExists        = errors.New("job file already exists")
	ErrJobNotExists     = errors.New("job file does not exist")

	// Scheduler / orchestrator errors
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrStaleToken             = errors.New("token does not match the outstanding fetch for this sheet")

	// Transport errors
	ErrRangeNotSupported = errors.New("target does not support range requests")
	ErrUnsupportedProxy  = errors.New("unsupported proxy protocol")
	ErrLengthMismatch    = errors.New("response body length does not match requested range")
	ErrUnexpectedStatus  = errors.New("unexpected http status")
	ErrNoUsableRelay     = errors.New("no usable relay")
	ErrUnreachable       = errors.New("target unreachable")

	// Session errors
	ErrOutputExists      = errors.New("output path exists without a job file")
	ErrInsufficientSpace = errors.New("not enough free disk space")
	ErrSizeChanged       = errors.New("remote file size differs from the job file")
	ErrInterrupted       = errors.New("download interrupted")
)

// RangeError reports a precondition violation on a sheet index.
type RangeError struct {
	Arg   string
	Value int64
	Limit int64
}

// Error returns the error message
func (e *RangeError) Error() string {
	return fmt.Sprintf("%s=%d out of range [0, %d)", e.Arg, e.Value, e.Limit)
}

// Unwrap returns ErrOutOfRange so callers can match with errors.Is
func (e *RangeError) Unwrap() error {
	return ErrOutOfRange
}

// NewRangeError creates a new range error
func NewRangeError(arg string, value, limit int64) *RangeError {
	return &RangeError{Arg: arg, Value: value, Limit: limit}
}

// IOError is a filesystem failure on a specific path.
type IOError struct {
	Op   string
	Path string
	Err  error
}

// Error returns the error message
func (e *IOError) Error() string {
	if e.Err != nil {
		return e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path
}

// Unwrap returns the underlying error
func (e *IOError) Unwrap() error {
	return e.Err
}

// NewIOError creates a new filesystem error
func NewIOError(op, path string, err error) *IOError {
	return &IOError{Op: op, Path: path, Err: err}
}

// WriteBackError is returned by the page cache when buffered sheets could not
// be written to the store. Sheets lists the sheet indices that were dropped
// from the cache without reaching disk.
type WriteBackError struct {
	Sheets []int64
	Err    error
}

// Error returns the error message
func (e *WriteBackError) Error() string {
	return fmt.Sprintf("write-back of %d sheets failed: %v", len(e.Sheets), e.Err)
}

// Unwrap returns the underlying error
func (e *WriteBackError) Unwrap() error {
	return e.Err
}

// Join merges another write-back failure into e and returns e.
func (e *WriteBackError) Join(other *WriteBackError) *WriteBackError {
	if other == nil {
		return e
	}
	if e == nil {
		return other
	}
	e.Sheets = append(e.Sheets, other.Sheets...)
	e.Err = errors.Join(e.Err, other.Err)
	return e
}

// AsWriteBackError extracts a WriteBackError from err, if any
func AsWriteBackError(err error) (*WriteBackError, bool) {
	var wb *WriteBackError
	if errors.As(err, &wb) {
		return wb, true
	}
	return nil, false
}

// RetryableError represents a transport failure that is absorbed by rolling
// the sheet back and fetching it again.
type RetryableError struct {
	Err        error
	Status     int
	RetryAfter time.Duration
}

// Error returns the error message
func (e *RetryableError) Error() string {
	if e.Err != nil {
		if e.Status != 0 {
			return fmt.Sprintf("http %d: %v", e.Status, e.Err)
		}
		return e.Err.Error()
	}
	return "retryable error"
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error, status int, retryAfter time.Duration) *RetryableError {
	return &RetryableError{Err: err, Status: status, RetryAfter: retryAfter}
}

// IsRetryable returns true if the error should be retried
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// GetRetryAfter returns the retry duration if the error is retryable
func GetRetryAfter(err error) (time.Duration, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}

// IsCorrupt reports whether err means persisted state cannot be trusted
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptIndex) ||
		errors.Is(err, ErrCorruptJobFile) ||
		errors.Is(err, ErrSavePathMismatch)
}
