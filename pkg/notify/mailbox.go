/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
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

// Package notify delivers device signals to per-owner mailboxes.
package notify

import (
	"context"
	"errors"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"

	"github.com/srediag/shmdev/api"
)

const (
	defaultMailboxHint = 16
	pollInterval       = 20 * time.Millisecond
)

// ErrMailboxClosed is returned by Next once the mailbox was closed.
var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is an unbounded signal queue owned by one process identity.
// Put never blocks, so writers are never held up by slow observers.
type Mailbox struct {
	owner api.PID
	q     *queuepkg.Queue
}

func newMailbox(owner api.PID) *Mailbox {
	return &Mailbox{owner: owner, q: queuepkg.New(defaultMailboxHint)}
}

// Owner returns the identity the mailbox belongs to.
func (m *Mailbox) Owner() api.PID { return m.owner }

func (m *Mailbox) put(sig api.Signal) error {
	if err := m.q.Put(sig); err != nil {
		return api.ErrNoObserver
	}
	return nil
}

// Next blocks until a signal arrives, ctx is done or the mailbox is closed.
func (m *Mailbox) Next(ctx context.Context) (api.Signal, error) {
	for {
		items, err := m.q.Poll(1, pollInterval)
		switch {
		case err == nil && len(items) > 0:
			sig, ok := items[0].(api.Signal)
			if !ok {
				return api.Signal{}, errors.New("invalid mailbox element type")
			}
			return sig, nil
		case err == nil || errors.Is(err, queuepkg.ErrTimeout):
			select {
			case <-ctx.Done():
				return api.Signal{}, ctx.Err()
			default:
			}
		default:
			return api.Signal{}, ErrMailboxClosed
		}
	}
}

// TryNext returns a pending signal without waiting.
func (m *Mailbox) TryNext() (api.Signal, bool) {
	if m.q.Empty() {
		return api.Signal{}, false
	}
	items, err := m.q.Poll(1, time.Millisecond)
	if err != nil || len(items) == 0 {
		return api.Signal{}, false
	}
	sig, ok := items[0].(api.Signal)
	return sig, ok
}

// Len returns the number of pending signals.
func (m *Mailbox) Len() int { return int(m.q.Len()) }

// Close discards pending signals. Later deliveries fail with api.ErrNoObserver.
func (m *Mailbox) Close() {
	m.q.Dispose()
}

// Closed reports whether Close was called.
func (m *Mailbox) Closed() bool { return m.q.Disposed() }
