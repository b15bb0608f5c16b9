// Package shm contains platform-specific helpers for the memory backing a device buffer.
package shm

import (
	"context"
	"errors"
)

// ErrMemFdUnsupported is returned when memfd backing is requested on a
// platform without memfd_create.
var ErrMemFdUnsupported = errors.New("memfd backing not supported on this platform")

// MappedRegion represents the memory a device buffer lives in.
type MappedRegion struct {
	Addr []byte
	fd   int
	kind regionKind
}

type regionKind uint8

const (
	regionHeap regionKind = iota
	regionMemFd
)

// MapOptions defines options for mapping a region.
type MapOptions struct {
	Name  string
	Size  int
	MemFd bool
}

// MapRegion maps a region of opts.Size bytes. Heap regions are plain
// slices; memfd regions are anonymous shared mappings that vanish with
// the process.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, errors.New("invalid region size")
	}
	if !opts.MemFd {
		return &MappedRegion{Addr: make([]byte, opts.Size), fd: -1, kind: regionHeap}, nil
	}
	return mapMemFd(ctx, opts)
}

// UnmapRegion releases the region. It is a no-op for nil or heap regions.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if region.kind == regionHeap {
		region.Addr = nil
		return nil
	}
	return unmapMemFd(ctx, region)
}

// IsMemFd reports whether the region is backed by a memfd.
func (r *MappedRegion) IsMemFd() bool {
	return r != nil && r.kind == regionMemFd
}
