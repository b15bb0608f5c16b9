package shm

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	internalshm "github.com/srediag/shmdev/internal/shm"
)

// MaxCapacity is the largest number of data bytes a Buffer holds. One more
// byte is reserved for the terminator.
const MaxCapacity = 31

// ErrInvalidCapacity is returned by Open for capacities outside 1..MaxCapacity.
var ErrInvalidCapacity = errors.New("invalid buffer capacity")

// Buffer is a fixed-capacity, NUL-terminated byte store. It is not safe
// for concurrent use; the owner serializes access.
type Buffer struct {
	region   *internalshm.MappedRegion
	capacity int
}

// OpenOptions defines options for creating a buffer.
type OpenOptions struct {
	// Name labels the backing memory (visible in /proc/<pid>/fd for memfd).
	Name string
	// Capacity is the number of data bytes, at most MaxCapacity.
	Capacity int
	// MemFd backs the buffer with an anonymous memfd mapping instead of the heap.
	MemFd bool
	// Initial is stored before Open returns.
	Initial string
}

// Open creates a buffer with the given options.
func Open(ctx context.Context, opts OpenOptions) (*Buffer, error) {
	if opts.Capacity <= 0 || opts.Capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, opts.Capacity)
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:  opts.Name,
		Size:  opts.Capacity + 1,
		MemFd: opts.MemFd,
	})
	if err != nil {
		return nil, err
	}
	b := &Buffer{region: region, capacity: opts.Capacity}
	b.Store([]byte(opts.Initial))
	return b, nil
}

// Store replaces the content with data, truncated to the capacity, and
// terminates it. It returns the number of bytes stored.
func (b *Buffer) Store(data []byte) int {
	if len(data) > b.capacity {
		data = data[:b.capacity]
	}
	n := copy(b.region.Addr, data)
	b.region.Addr[n] = 0
	return n
}

// Len is the content length up to the first NUL.
func (b *Buffer) Len() int {
	if i := bytes.IndexByte(b.region.Addr, 0); i >= 0 {
		return i
	}
	return b.capacity
}

// Cap returns the capacity in data bytes.
func (b *Buffer) Cap() int { return b.capacity }

// Bytes returns a copy of the first n content bytes.
func (b *Buffer) Bytes(n int) []byte {
	if l := b.Len(); n > l {
		n = l
	}
	if n <= 0 {
		return []byte{}
	}
	out := make([]byte, n)
	copy(out, b.region.Addr[:n])
	return out
}

func (b *Buffer) String() string {
	return string(b.region.Addr[:b.Len()])
}

// MemFd reports whether the buffer lives in a memfd mapping.
func (b *Buffer) MemFd() bool { return b.region.IsMemFd() }

// Close releases the backing memory.
func (b *Buffer) Close() error {
	return internalshm.UnmapRegion(context.Background(), b.region)
}
