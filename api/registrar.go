package api

import "errors"

var (
	// ErrBusy is returned by a Registrar when the name is held by another device.
	ErrBusy = errors.New("device name busy")
	// ErrNotFound is returned when no device is registered under the name.
	ErrNotFound = errors.New("device not found")
)

// Registrar exposes devices under a name.
type Registrar interface {
	Register(name string, dev Device) error
	Unregister(name string) error
}
