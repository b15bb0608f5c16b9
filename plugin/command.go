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

	"github.com/srediag/shmdev/api"
	"github.com/srediag/shmdev/pkg/audit"
)

const (
	// DeviceMagic is the command family tag of the device.
	DeviceMagic byte = 't'
	// MaxCommandNr is the highest sequence number accepted in DeviceMagic.
	MaxCommandNr = 1
)

// CmdPrint emits the current buffer content to the diagnostic stream.
var CmdPrint = api.IO(DeviceMagic, 0)

// validateCommand rejects op before anything runs.
func validateCommand(op api.Opcode, arg []byte) error {
	if op.Type() != DeviceMagic {
		return fmt.Errorf("%w: command family %q", api.ErrNotSupported, op.Type())
	}
	if op.Nr() > MaxCommandNr {
		return fmt.Errorf("%w: command number %d", api.ErrNotSupported, op.Nr())
	}
	// Read means the device fills arg, write means it consumes it; either
	// way the whole declared size must be addressable.
	if op.Dir()&(api.DirRead|api.DirWrite) != 0 && !argAccessible(arg, op.Size()) {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", api.ErrFaultyArgument, op, op.Size(), len(arg))
	}
	return nil
}

func argAccessible(arg []byte, size uint32) bool {
	return arg != nil && uint64(len(arg)) >= uint64(size)
}

// Command implements api.Device. Only CmdPrint does anything; other
// well-formed opcodes of the family succeed without effect.
func (d *SharedDevice) Command(ctx context.Context, h api.Handle, op api.Opcode, arg []byte) (err error) {
	ctx, span := d.startSpan(ctx, opCommand, h, api.NoPID)
	defer func() { d.finish(ctx, span, opCommand, err) }()

	if err := validateCommand(op, arg); err != nil {
		internalLogger.Debugf("device %s rejected %s: %v", d.name, op, err)
		return err
	}
	switch op {
	case CmdPrint:
		return d.print(ctx, h)
	default:
		internalLogger.Tracef("device %s ignoring %s", d.name, op)
		return nil
	}
}

func (d *SharedDevice) print(ctx context.Context, h api.Handle) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	content := d.buf.String()
	d.lock.unlock()

	internalLogger.Infof("device %s data: %s", d.name, content)
	d.record(audit.KindPrint, h, api.NoPID, content)
	return nil
}
