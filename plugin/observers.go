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
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/shmdev/api"
)

// observer is one notification registration.
type observer struct {
	handle api.Handle
	owner  api.PID
}

// observerRegistry is keyed by handle: registering a handle twice keeps one
// entry owned by the latest caller.
type observerRegistry struct {
	entries cmap.ConcurrentMap[api.Handle, observer]
}

func newObserverRegistry() *observerRegistry {
	return &observerRegistry{
		entries: cmap.NewWithCustomShardingFunction[api.Handle, observer](func(h api.Handle) uint32 {
			return uint32(h ^ h>>32)
		}),
	}
}

func (r *observerRegistry) add(h api.Handle, owner api.PID) {
	r.entries.Set(h, observer{handle: h, owner: owner})
}

func (r *observerRegistry) remove(h api.Handle) {
	r.entries.Remove(h)
}

// removeIf drops o unless the handle was re-registered meanwhile.
func (r *observerRegistry) removeIf(o observer) bool {
	return r.entries.RemoveCb(o.handle, func(_ api.Handle, v observer, exists bool) bool {
		return exists && v == o
	})
}

func (r *observerRegistry) list() []observer {
	out := make([]observer, 0, r.entries.Count())
	r.entries.IterCb(func(_ api.Handle, v observer) {
		out = append(out, v)
	})
	return out
}

func (r *observerRegistry) count() int {
	return r.entries.Count()
}
