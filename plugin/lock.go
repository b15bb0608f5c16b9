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
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/srediag/shmdev/api"
)

// deviceLock is a mutex whose acquisition can be interrupted through a
// context.
type deviceLock struct {
	sem *semaphore.Weighted
}

func newDeviceLock() *deviceLock {
	return &deviceLock{sem: semaphore.NewWeighted(1)}
}

// lock blocks until the lock is held or ctx is done. An interrupted wait
// returns an error matching api.ErrInterrupted; the caller resubmits.
func (l *deviceLock) lock(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %w", api.ErrInterrupted, err)
	}
	return nil
}

func (l *deviceLock) tryLock() bool {
	return l.sem.TryAcquire(1)
}

func (l *deviceLock) unlock() {
	l.sem.Release(1)
}
