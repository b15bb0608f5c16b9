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
	"os"

	"github.com/srediag/shmdev/internal/debug"
)

var internalLogger = debug.New("shmdev", os.Stdout)

// SetLogLevel used to change the internal logger's level and the default level is Warning.
// The process env `SHMDEV_LOG_LEVEL` also could set log level
func SetLogLevel(l int) {
	debug.SetLevel(l)
}

// DebugDeviceDetail describes the device state. It does not wait for the
// device lock: a busy device is reported as such.
func DebugDeviceDetail(d *SharedDevice) string {
	if d.closed.Load() {
		return fmt.Sprintf("name:%s closed", d.name)
	}
	if !d.lock.tryLock() {
		return fmt.Sprintf("name:%s busy observers:%d", d.name, d.observers.count())
	}
	defer d.lock.unlock()
	if d.closed.Load() {
		return fmt.Sprintf("name:%s closed", d.name)
	}
	reader := "none"
	if d.hasReader {
		reader = fmt.Sprint(d.lastReader)
	}
	return fmt.Sprintf("name:%s data:%q len:%d cap:%d last_reader:%s seq:%d observers:%d memfd:%v",
		d.name, d.buf.String(), d.buf.Len(), d.buf.Cap(), reader, d.seq, d.observers.count(), d.buf.MemFd())
}
