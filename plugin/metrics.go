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
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "shmdev"

// Notification delivery results.
const (
	notifyDelivered = "delivered"
	notifyDropped   = "dropped"
	notifyPruned    = "pruned"
)

type deviceMetrics struct {
	operations    *prometheus.CounterVec
	truncated     prometheus.Counter
	notifications *prometheus.CounterVec
	openHandles   prometheus.Gauge
	observers     prometheus.Gauge
}

func newDeviceMetrics(device string) *deviceMetrics {
	labels := prometheus.Labels{"device": device}
	return &deviceMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "operations_total",
			Help:        "Device operations by operation and status.",
			ConstLabels: labels,
		}, []string{"op", "status"}),
		truncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "truncated_writes_total",
			Help:        "Writes longer than the buffer capacity.",
			ConstLabels: labels,
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "notifications_total",
			Help:        "Readable signals by delivery result.",
			ConstLabels: labels,
		}, []string{"result"}),
		openHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "open_handles",
			Help:        "Handles currently open.",
			ConstLabels: labels,
		}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "observers",
			Help:        "Handles registered for notification.",
			ConstLabels: labels,
		}),
	}
}

func (m *deviceMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.operations, m.truncated, m.notifications, m.openHandles, m.observers}
}

func (m *deviceMetrics) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	var done []prometheus.Collector
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			for _, r := range done {
				reg.Unregister(r)
			}
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return errors.New("device metrics already registered, is the device name unique?")
			}
			return err
		}
		done = append(done, c)
	}
	return nil
}

func (m *deviceMetrics) unregister(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}
