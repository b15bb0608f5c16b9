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
	"github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/shmdev/api"
)

// ownerAlive reports whether the process behind pid still exists. Lookup
// failures count as alive so that a flaky /proc never drops an observer.
func ownerAlive(pid api.PID) bool {
	if pid <= 0 {
		return true
	}
	ok, err := process.PidExists(int32(pid))
	return err != nil || ok
}

// processName returns the command name of pid, or "" when unknown.
func processName(pid api.PID) string {
	if pid <= 0 {
		return ""
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}
