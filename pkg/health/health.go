// Package health provides liveness and readiness checks for served devices.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmdev/api"
)

const (
	DefaultGoroutineThreshold = 10000
	DefaultLockTimeout        = 500 * time.Millisecond
)

// Finder looks devices up by name.
type Finder interface {
	Lookup(name string) (api.Device, error)
}

// Prober takes and releases a device lock.
type Prober interface {
	Probe(ctx context.Context) error
}

// Options tune NewHandler and Register.
type Options struct {
	// Registerer exports check results as gauges when set.
	Registerer prometheus.Registerer
	Namespace  string

	GoroutineThreshold int
	LockTimeout        time.Duration
}

func (o *Options) defaults() {
	if o.GoroutineThreshold <= 0 {
		o.GoroutineThreshold = DefaultGoroutineThreshold
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
}

// NewHandler returns a handler serving /live and /ready.
func NewHandler(o Options) healthcheck.Handler {
	if o.Registerer != nil {
		return healthcheck.NewMetricsHandler(o.Registerer, o.Namespace)
	}
	return healthcheck.NewHandler()
}

// DeviceRegistered fails while no device is registered under name.
func DeviceRegistered(f Finder, name string) healthcheck.Check {
	return func() error {
		_, err := f.Lookup(name)
		return err
	}
}

// LockAvailable fails when the device lock cannot be taken within timeout.
func LockAvailable(p Prober, timeout time.Duration) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := p.Probe(ctx); err != nil {
			return fmt.Errorf("device lock: %w", err)
		}
		return nil
	}
}

// Register adds the checks for the device served as name to h.
func Register(h healthcheck.Handler, f Finder, p Prober, name string, o Options) {
	o.defaults()
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(o.GoroutineThreshold))
	h.AddReadinessCheck(name+"-registered", DeviceRegistered(f, name))
	h.AddReadinessCheck(name+"-lock", healthcheck.Timeout(LockAvailable(p, o.LockTimeout), 2*o.LockTimeout))
}
