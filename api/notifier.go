package api

import (
	"errors"
	"syscall"
)

// ErrNoObserver is returned by a Notifier when the owner of a signal is gone.
var ErrNoObserver = errors.New("observer gone")

// Signal tells an owner that a handle became readable.
type Signal struct {
	Owner  PID
	Device string
	Handle Handle
	Signo  syscall.Signal
	Band   int16
	// Seq is the write sequence number that produced the signal.
	Seq uint64
}

// Notifier delivers signals to owners. Notify must not block.
type Notifier interface {
	Notify(sig Signal) error
}
