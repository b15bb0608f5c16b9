package transport

import (
	"fmt"
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/shmdev/api"
)

// Registry is an in-process api.Registrar.
type Registry struct {
	devices cmap.ConcurrentMap[string, api.Device]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: cmap.New[api.Device]()}
}

// Register implements api.Registrar. A name in use yields api.ErrBusy.
func (r *Registry) Register(name string, dev api.Device) error {
	if name == "" || dev == nil {
		return fmt.Errorf("%w: empty device name or nil device", api.ErrFaultyArgument)
	}
	if !r.devices.SetIfAbsent(name, dev) {
		return fmt.Errorf("%w: %s", api.ErrBusy, name)
	}
	return nil
}

// Unregister implements api.Registrar.
func (r *Registry) Unregister(name string) error {
	if _, ok := r.devices.Pop(name); !ok {
		return fmt.Errorf("%w: %s", api.ErrNotFound, name)
	}
	return nil
}

// Lookup returns the device registered under name.
func (r *Registry) Lookup(name string) (api.Device, error) {
	dev, ok := r.devices.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrNotFound, name)
	}
	return dev, nil
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	names := r.devices.Keys()
	sort.Strings(names)
	return names
}

var _ api.Registrar = (*Registry)(nil)
