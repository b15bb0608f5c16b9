/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package plugin

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmdev/api"
	"github.com/srediag/shmdev/pkg/audit"
	"github.com/srediag/shmdev/pkg/shm"
)

const (
	defaultInitialContent = "EMPTY"
	defaultNotifyWorkers  = 4
)

// MemMapType selects the memory backing the device buffer.
type MemMapType uint8

const (
	// MemMapTypeHeap keeps the buffer in process memory.
	MemMapTypeHeap MemMapType = iota
	// MemMapTypeMemFd keeps the buffer in an anonymous memfd mapping (Linux).
	MemMapTypeMemFd
)

// Config is used to tune a SharedDevice.
type Config struct {
	// Capacity is the number of data bytes the device stores, 1..31.
	Capacity int

	// InitialContent is the buffer content right after creation.
	InitialContent string

	MemMapType MemMapType

	// NotifyWorkers bounds the goroutines delivering write notifications.
	NotifyWorkers int

	// PruneDeadObservers drops registrations whose owning process no longer
	// exists instead of signalling them.
	PruneDeadObservers bool

	// Notifier delivers signals. A notify.Hub is created when nil.
	Notifier api.Notifier

	// Registerer receives the device metrics. Metrics are not registered when nil.
	Registerer prometheus.Registerer

	// Meter and Tracer default to no-op implementations.
	Meter  metric.Meter
	Tracer trace.Tracer

	// Audit receives diagnostic trace events. Discarded when nil.
	Audit audit.Sink
}

// DefaultConfig returns the default config.
func DefaultConfig() *Config {
	return &Config{
		Capacity:       shm.MaxCapacity,
		InitialContent: defaultInitialContent,
		MemMapType:     MemMapTypeHeap,
		NotifyWorkers:  defaultNotifyWorkers,
	}
}

// VerifyConfig is used to verify the sanity of configuration.
func VerifyConfig(config *Config) error {
	if config.Capacity <= 0 || config.Capacity > shm.MaxCapacity {
		return fmt.Errorf("%w: Capacity must be in [1, %d], got %d", ErrInvalidConfig, shm.MaxCapacity, config.Capacity)
	}
	if len(config.InitialContent) > config.Capacity {
		return fmt.Errorf("%w: InitialContent is longer than Capacity", ErrInvalidConfig)
	}
	if config.NotifyWorkers <= 0 {
		return fmt.Errorf("%w: NotifyWorkers must be positive", ErrInvalidConfig)
	}
	if config.MemMapType > MemMapTypeMemFd {
		return fmt.Errorf("%w: unknown MemMapType %d", ErrInvalidConfig, config.MemMapType)
	}
	return nil
}
