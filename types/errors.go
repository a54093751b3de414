// Package types holds the contracts this module's three core
// subsystems (segment writer, log writer, segment reader) consume but
// do not implement: the segment store, the coordinator, and the
// shared error taxonomy they all speak.
package types

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the error taxonomy from the specification's
// error handling design. Components compare against these with
// errors.Is; TransmitError additionally carries the segment store's
// raw status code.
var (
	// ErrOverLimit is returned when a record or transmission unit
	// exceeds the configured size limit.
	ErrOverLimit = errors.New("streamlog: record exceeds max size")

	// ErrEndOfStream is returned once a terminal record has been
	// observed, by either a writer (further writes rejected) or a
	// reader (no further records will ever arrive).
	ErrEndOfStream = errors.New("streamlog: end of stream")

	// ErrInvalidTxId is returned for a negative txid or for use of the
	// reserved MAX_TXID outside the terminal-marker path.
	ErrInvalidTxId = errors.New("streamlog: invalid transaction id")

	// ErrFenced indicates another writer has taken ownership of the
	// stream lock and this instance's appends are no longer accepted.
	ErrFenced = errors.New("streamlog: fenced by another writer")

	// ErrClosed is returned by writers/readers once closed, and by
	// pending operations cancelled as part of a close.
	ErrClosed = errors.New("streamlog: closed")

	// ErrCancelled is returned to promises cancelled without a more
	// specific cause (abort, reader cancellation).
	ErrCancelled = errors.New("streamlog: write cancelled")

	// ErrTruncated indicates an operation referenced a position at or
	// below the stream's truncation marker.
	ErrTruncated = errors.New("streamlog: position has been truncated")

	// ErrInvalidStreamName indicates a reserved or malformed stream
	// name (leading '.' or embedded '/').
	ErrInvalidStreamName = errors.New("streamlog: invalid stream name")

	// ErrCorrupt indicates a record or position buffer failed to
	// decode: negative length, truncated buffer, or unknown version.
	ErrCorrupt = errors.New("streamlog: corrupt data")

	// ErrCorruptMetadata indicates a segment metadata blob carried an
	// unknown leading version byte or was too short for its fields.
	ErrCorruptMetadata = errors.New("streamlog: corrupt segment metadata")

	// ErrFlushTimeout indicates a flush() call exceeded its configured
	// deadline while waiting for outstanding transmissions to be
	// acknowledged.
	ErrFlushTimeout = errors.New("streamlog: flush timed out")

	// ErrNotReady is returned by writes submitted while the log writer
	// is mid-roll and configured to fail fast rather than queue.
	ErrNotReady = errors.New("streamlog: stream not ready (rolling)")

	// ErrIdleReader indicates a tailing reader exceeded the configured
	// error-idle threshold with no new records delivered.
	ErrIdleReader = errors.New("streamlog: reader idle for too long")

	// ErrSegmentNotFound indicates a metadata store lookup found no
	// segment for the requested sequence number.
	ErrSegmentNotFound = errors.New("streamlog: segment not found")

	// ErrAlreadyComplete indicates a Complete call on a segment that is
	// already complete.
	ErrAlreadyComplete = errors.New("streamlog: segment already complete")
)

// TransmitError wraps a non-OK acknowledgement from the segment store.
// Callers recover the underlying store status with Code; Unwrap exposes
// the wrapped cause for errors.Is/As chains (e.g. a wrapped ErrFenced).
type TransmitError struct {
	Code int32
	Err  error
}

func (e *TransmitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("streamlog: transmit failed (code=%d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("streamlog: transmit failed (code=%d)", e.Code)
}

func (e *TransmitError) Unwrap() error { return e.Err }

// StatusCode mirrors the front-end server's wire status codes. The
// core translates its internal errors onto these via Translate; the
// RPC server itself is out of scope.
type StatusCode int32

const (
	StatusSuccess StatusCode = iota
	StatusFound
	StatusServiceUnavailable
	StatusStreamUnavailable
	StatusLockingException
	StatusBKTransmitError
	StatusFlushTimeout
	StatusEndOfStream
	StatusInvalidStreamName
	StatusTooLargeRecord
	StatusTransactionOutOfOrder
	StatusLogNotFound
	StatusUnexpected
)

// Translate maps an internal error onto the front-end server's status
// code taxonomy (spec §6). It is a pure function: the RPC server that
// would actually use it is out of scope for this module.
func Translate(err error) StatusCode {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrOverLimit):
		return StatusTooLargeRecord
	case errors.Is(err, ErrEndOfStream):
		return StatusEndOfStream
	case errors.Is(err, ErrInvalidTxId):
		return StatusTransactionOutOfOrder
	case errors.Is(err, ErrFenced):
		return StatusLockingException
	case errors.Is(err, ErrInvalidStreamName):
		return StatusInvalidStreamName
	case errors.Is(err, ErrFlushTimeout):
		return StatusFlushTimeout
	case errors.Is(err, ErrSegmentNotFound):
		return StatusLogNotFound
	case errors.Is(err, ErrNotReady):
		return StatusStreamUnavailable
	}
	var te *TransmitError
	if errors.As(err, &te) {
		return StatusBKTransmitError
	}
	return StatusUnexpected
}
