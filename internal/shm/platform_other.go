//go:build !linux

package shm

import "context"

func mapMemFd(context.Context, MapOptions) (*MappedRegion, error) {
	return nil, ErrMemFdUnsupported
}

func unmapMemFd(context.Context, *MappedRegion) error {
	return ErrMemFdUnsupported
}
