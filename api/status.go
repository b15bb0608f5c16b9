package api

import (
	"errors"
	"fmt"
)

// Status is the outcome code surfaced to callers.
type Status uint8

const (
	StatusOk Status = iota
	// StatusInterrupted means the lock wait was cancelled; the caller retries.
	StatusInterrupted
	// StatusEndOfStream means no new data for this caller. Not a failure.
	StatusEndOfStream
	StatusNotSupported
	StatusFaultyArgument
)

var (
	ErrInterrupted    = errors.New("interrupted")
	ErrEndOfStream    = errors.New("end of stream")
	ErrNotSupported   = errors.New("operation not supported")
	ErrFaultyArgument = errors.New("faulty argument")
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "OK"
	case StatusInterrupted:
		return "INTERRUPTED"
	case StatusEndOfStream:
		return "END_OF_STREAM"
	case StatusNotSupported:
		return "NOT_SUPPORTED"
	case StatusFaultyArgument:
		return "FAULTY_ARGUMENT"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// Err returns the sentinel error for s, or nil for StatusOk.
func (s Status) Err() error {
	switch s {
	case StatusOk:
		return nil
	case StatusInterrupted:
		return ErrInterrupted
	case StatusEndOfStream:
		return ErrEndOfStream
	case StatusNotSupported:
		return ErrNotSupported
	case StatusFaultyArgument:
		return ErrFaultyArgument
	default:
		return fmt.Errorf("unknown status %d", uint8(s))
	}
}

// StatusOf maps err to a Status. Errors outside the taxonomy map to
// StatusNotSupported.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOk
	case errors.Is(err, ErrInterrupted):
		return StatusInterrupted
	case errors.Is(err, ErrEndOfStream):
		return StatusEndOfStream
	case errors.Is(err, ErrFaultyArgument):
		return StatusFaultyArgument
	default:
		return StatusNotSupported
	}
}
