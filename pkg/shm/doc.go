// Package shm provides the fixed-capacity buffer behind a shmdev device.
//
// A Buffer holds at most MaxCapacity bytes followed by a NUL terminator.
// Longer stores are truncated silently; the content length is measured up
// to the first NUL, so embedded NUL bytes shorten what readers see.
//
// The memory lives on the heap by default or, on Linux, in an anonymous
// memfd mapping (see internal/shm).
//
// Example usage:
//
//	buf, err := shm.Open(ctx, shm.OpenOptions{
//	  Name:     "dirbtree",
//	  Capacity: shm.MaxCapacity,
//	  Initial:  "EMPTY",
//	})
//	// ...
//	n := buf.Store([]byte("hello"))
package shm
