// Package api defines public API contracts for shmdev.
package api

import "context"

// PID identifies the process on whose behalf an operation runs.
// The zero PID is used for callers without a process identity.
type PID int32

// NoPID is the identity of anonymous callers, such as the monitor view.
const NoPID PID = 0

// Handle identifies one open of a device. The zero handle is never
// returned by Open.
type Handle uint64

// Device is the operation table a Registrar dispatches to.
type Device interface {
	// Open associates a new handle with the device.
	Open(ctx context.Context, caller PID) (Handle, error)
	// Release detaches a handle.
	Release(ctx context.Context, h Handle) error
	// Read returns up to n bytes of the current content.
	// ErrEndOfStream is returned with no data when caller already
	// consumed the current content.
	Read(ctx context.Context, h Handle, caller PID, n int) ([]byte, error)
	// Write replaces the content and returns the stored length.
	Write(ctx context.Context, h Handle, caller PID, data []byte) (int, error)
	// Command executes an out-of-band opcode.
	Command(ctx context.Context, h Handle, op Opcode, arg []byte) error
	// RegisterNotification adds or removes h from the set of handles
	// signalled after each write.
	RegisterNotification(h Handle, caller PID, enable bool) error
}

// Snapshotter renders the device state without mutating it.
type Snapshotter interface {
	Snapshot(ctx context.Context) (string, error)
}
