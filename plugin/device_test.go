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
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	"github.com/srediag/shmdev/api"
	"github.com/srediag/shmdev/pkg/audit"
	"github.com/srediag/shmdev/pkg/notify"
)

const (
	pidA api.PID = 1001
	pidB api.PID = 1002
)

type DeviceTestSuite struct {
	suite.Suite
	ctx   context.Context
	hub   *notify.Hub
	sink  *audit.MemorySink
	reg   *prometheus.Registry
	dev   *SharedDevice
	hndlA api.Handle
	hndlB api.Handle
}

func (s *DeviceTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.hub = notify.NewHub()
	s.sink = audit.NewMemorySink(0)
	s.reg = prometheus.NewRegistry()
	s.dev = s.newDevice(nil)
	var err error
	s.hndlA, err = s.dev.Open(s.ctx, pidA)
	s.Require().NoError(err)
	s.hndlB, err = s.dev.Open(s.ctx, pidB)
	s.Require().NoError(err)
}

func (s *DeviceTestSuite) TearDownTest() {
	s.Require().NoError(s.dev.Close(s.ctx))
}

func (s *DeviceTestSuite) newDevice(tune func(*Config)) *SharedDevice {
	config := DefaultConfig()
	config.Notifier = s.hub
	config.Audit = s.sink
	config.Registerer = s.reg
	if tune != nil {
		tune(config)
	}
	dev, err := NewSharedDevice(s.ctx, "dirbtree", config)
	s.Require().NoError(err)
	return dev
}

func (s *DeviceTestSuite) write(caller api.PID, h api.Handle, data string) int {
	n, err := s.dev.Write(s.ctx, h, caller, []byte(data))
	s.Require().NoError(err)
	return n
}

func (s *DeviceTestSuite) TestInitialState() {
	snap, err := s.dev.Snapshot(s.ctx)
	s.Require().NoError(err)
	s.Equal("Device data: EMPTY", snap)

	data, err := s.dev.Read(s.ctx, s.hndlA, pidA, 100)
	s.Require().NoError(err)
	s.Equal("EMPTY", string(data))
}

func (s *DeviceTestSuite) TestOpenHandlesAreDistinct() {
	s.NotEqual(api.Handle(0), s.hndlA)
	s.NotEqual(s.hndlA, s.hndlB)
	s.Len(s.sink.Filter(audit.KindOpen), 2)

	s.Require().NoError(s.dev.Release(s.ctx, s.hndlB))
	s.Len(s.sink.Filter(audit.KindRelease), 1)
	s.Equal(float64(1), gaugeValue(s.dev.metrics.openHandles))
}

func (s *DeviceTestSuite) TestReadOnceRule() {
	s.Equal(5, s.write(pidA, s.hndlA, "HELLO"))

	data, err := s.dev.Read(s.ctx, s.hndlA, pidA, 100)
	s.Require().NoError(err)
	s.Equal("HELLO", string(data))

	data, err = s.dev.Read(s.ctx, s.hndlA, pidA, 100)
	s.ErrorIs(err, api.ErrEndOfStream)
	s.Empty(data)
}

func (s *DeviceTestSuite) TestReadOnceRuleSpansHandles() {
	other, err := s.dev.Open(s.ctx, pidA)
	s.Require().NoError(err)
	s.write(pidB, s.hndlB, "HELLO")

	_, err = s.dev.Read(s.ctx, s.hndlA, pidA, 100)
	s.Require().NoError(err)
	_, err = s.dev.Read(s.ctx, other, pidA, 100)
	s.ErrorIs(err, api.ErrEndOfStream)
}

func (s *DeviceTestSuite) TestReReadAfterWrite() {
	s.write(pidA, s.hndlA, "A")
	data, err := s.dev.Read(s.ctx, s.hndlA, pidA, 10)
	s.Require().NoError(err)
	s.Equal("A", string(data))

	s.write(pidA, s.hndlA, "B")
	data, err = s.dev.Read(s.ctx, s.hndlA, pidA, 10)
	s.Require().NoError(err)
	s.Equal("B", string(data))
}

func (s *DeviceTestSuite) TestCrossIdentityIndependence() {
	s.write(pidA, s.hndlA, "X")

	data, err := s.dev.Read(s.ctx, s.hndlB, pidB, 10)
	s.Require().NoError(err)
	s.Equal("X", string(data))

	data, err = s.dev.Read(s.ctx, s.hndlA, pidA, 10)
	s.Require().NoError(err)
	s.Equal("X", string(data))

	_, err = s.dev.Read(s.ctx, s.hndlA, pidA, 10)
	s.ErrorIs(err, api.ErrEndOfStream)

	// B is no longer the last reader, so it sees the value again.
	data, err = s.dev.Read(s.ctx, s.hndlB, pidB, 10)
	s.Require().NoError(err)
	s.Equal("X", string(data))
	_, err = s.dev.Read(s.ctx, s.hndlB, pidB, 10)
	s.ErrorIs(err, api.ErrEndOfStream)
}

func (s *DeviceTestSuite) TestPartialRead() {
	s.write(pidA, s.hndlA, "HELLO")
	data, err := s.dev.Read(s.ctx, s.hndlB, pidB, 2)
	s.Require().NoError(err)
	s.Equal("HE", string(data))
	_, err = s.dev.Read(s.ctx, s.hndlB, pidB, 2)
	s.ErrorIs(err, api.ErrEndOfStream)
}

func (s *DeviceTestSuite) TestZeroLengthReadDoesNotConsume() {
	s.write(pidA, s.hndlA, "HELLO")
	data, err := s.dev.Read(s.ctx, s.hndlB, pidB, 0)
	s.Require().NoError(err)
	s.Empty(data)
	data, err = s.dev.Read(s.ctx, s.hndlB, pidB, -3)
	s.Require().NoError(err)
	s.Empty(data)

	data, err = s.dev.Read(s.ctx, s.hndlB, pidB, 10)
	s.Require().NoError(err)
	s.Equal("HELLO", string(data))
}

func (s *DeviceTestSuite) TestEmptyBuffer() {
	s.Equal(0, s.write(pidA, s.hndlA, ""))
	for i := 0; i < 3; i++ {
		data, err := s.dev.Read(s.ctx, s.hndlB, pidB, 10)
		s.Require().NoError(err)
		s.Empty(data)
	}
	snap, err := s.dev.Snapshot(s.ctx)
	s.Require().NoError(err)
	s.Equal("Device data: ", snap)
}

func (s *DeviceTestSuite) TestTruncation() {
	payload := strings.Repeat("0123456789", 4)
	s.Equal(31, s.write(pidA, s.hndlA, payload))

	data, err := s.dev.Read(s.ctx, s.hndlB, pidB, 100)
	s.Require().NoError(err)
	s.Equal(payload[:31], string(data))
	s.Equal(float64(1), counterValue(s.dev.metrics.truncated))
}

func (s *DeviceTestSuite) TestSnapshotDoesNotConsume() {
	s.write(pidA, s.hndlA, "HELLO")
	_, err := s.dev.Read(s.ctx, s.hndlB, pidB, 10)
	s.Require().NoError(err)

	snap, err := s.dev.Snapshot(s.ctx)
	s.Require().NoError(err)
	s.Equal("Device data: HELLO", snap)

	_, err = s.dev.Read(s.ctx, s.hndlB, pidB, 10)
	s.ErrorIs(err, api.ErrEndOfStream)
	data, err := s.dev.Read(s.ctx, s.hndlA, pidA, 10)
	s.Require().NoError(err)
	s.Equal("HELLO", string(data))
}

func (s *DeviceTestSuite) TestStoreWritesThrough() {
	_, err := s.dev.Read(s.ctx, s.hndlA, pidA, 10)
	s.Require().NoError(err)

	n, err := s.dev.Store(s.ctx, []byte("from monitor"))
	s.Require().NoError(err)
	s.Equal(12, n)

	data, err := s.dev.Read(s.ctx, s.hndlA, pidA, 100)
	s.Require().NoError(err)
	s.Equal("from monitor", string(data))
}

func (s *DeviceTestSuite) TestInterruptedLockWait() {
	s.Require().NoError(s.dev.lock.lock(s.ctx))

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err := s.dev.Read(ctx, s.hndlA, pidA, 10)
	s.ErrorIs(err, api.ErrInterrupted)
	s.ErrorIs(err, context.DeadlineExceeded)

	_, err = s.dev.Write(ctx, s.hndlA, pidA, []byte("lost"))
	s.ErrorIs(err, api.ErrInterrupted)

	_, err = s.dev.Snapshot(ctx)
	s.ErrorIs(err, api.ErrInterrupted)

	s.ErrorIs(s.dev.Command(ctx, s.hndlA, CmdPrint, nil), api.ErrInterrupted)
	s.ErrorIs(s.dev.Probe(ctx), api.ErrInterrupted)

	s.dev.lock.unlock()

	// The interrupted write never happened.
	data, err := s.dev.Read(s.ctx, s.hndlA, pidA, 10)
	s.Require().NoError(err)
	s.Equal("EMPTY", string(data))
	s.Equal(float64(1), counterValue(s.dev.metrics.operations.WithLabelValues(opWrite, "INTERRUPTED")))
}

func (s *DeviceTestSuite) TestMutualExclusion() {
	const writers = 16
	const rounds = 200
	payloads := make(map[string]bool, writers)
	for i := 0; i < writers; i++ {
		payloads[strings.Repeat(string(rune('a'+i)), 20+i%10)] = true
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers*2)
	for p := range payloads {
		p := p
		wg.Add(2)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				if _, err := s.dev.Write(s.ctx, 0, pidA, []byte(p)); err != nil {
					errs <- err
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			reader := api.PID(5000 + len(p))
			for r := 0; r < rounds; r++ {
				data, err := s.dev.Read(s.ctx, 0, reader, 64)
				if errors.Is(err, api.ErrEndOfStream) {
					continue
				}
				if err != nil {
					errs <- err
					return
				}
				if len(data) > 0 && data[0] != 'E' && !payloads[string(data)] {
					errs <- fmt.Errorf("torn read %q", data)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Fail(err.Error())
	}

	snap, err := s.dev.Snapshot(s.ctx)
	s.Require().NoError(err)
	s.True(payloads[strings.TrimPrefix(snap, "Device data: ")], snap)
}

func (s *DeviceTestSuite) TestNotificationOncePerWrite() {
	box := s.hub.Mailbox(pidA)
	s.Require().NoError(s.dev.RegisterNotification(s.hndlA, pidA, true))
	s.Require().NoError(s.dev.RegisterNotification(s.hndlA, pidA, true))

	for i := 0; i < 3; i++ {
		s.write(pidB, s.hndlB, fmt.Sprintf("w%d", i))
	}
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	seqs := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		sig, err := box.Next(ctx)
		s.Require().NoError(err)
		s.Equal(pidA, sig.Owner)
		s.Equal(s.hndlA, sig.Handle)
		s.Equal("dirbtree", sig.Device)
		s.Equal(unix.SIGIO, sig.Signo)
		s.EqualValues(unix.POLLIN, sig.Band)
		seqs[sig.Seq] = true
	}
	s.Len(seqs, 3)

	_, err := s.dev.Read(s.ctx, s.hndlB, pidB, 10)
	s.Require().NoError(err)
	_, err = s.dev.Snapshot(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.dev.Command(s.ctx, s.hndlB, CmdPrint, nil))

	s.Eventually(func() bool {
		return counterValue(s.dev.metrics.notifications.WithLabelValues(notifyDelivered)) == 3
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	s.Equal(0, box.Len())
}

func (s *DeviceTestSuite) TestNoNotificationForFailedWrite() {
	box := s.hub.Mailbox(pidA)
	s.Require().NoError(s.dev.RegisterNotification(s.hndlA, pidA, true))

	s.Require().NoError(s.dev.lock.lock(s.ctx))
	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	_, err := s.dev.Write(ctx, s.hndlB, pidB, []byte("nope"))
	cancel()
	s.dev.lock.unlock()
	s.ErrorIs(err, api.ErrInterrupted)

	time.Sleep(50 * time.Millisecond)
	s.Equal(0, box.Len())
}

func (s *DeviceTestSuite) TestUnregisterAndRelease() {
	box := s.hub.Mailbox(pidA)
	s.Require().NoError(s.dev.RegisterNotification(s.hndlA, pidA, true))
	s.Require().NoError(s.dev.RegisterNotification(s.hndlA, pidA, false))
	s.Require().NoError(s.dev.RegisterNotification(s.hndlA, pidA, false))
	s.write(pidB, s.hndlB, "one")

	s.Require().NoError(s.dev.RegisterNotification(s.hndlA, pidA, true))
	s.Require().NoError(s.dev.Release(s.ctx, s.hndlA))
	s.write(pidB, s.hndlB, "two")

	time.Sleep(50 * time.Millisecond)
	s.Equal(0, box.Len())
	s.Equal(float64(0), gaugeValue(s.dev.metrics.observers))
}

func (s *DeviceTestSuite) TestGoneObserverDoesNotFailWrite() {
	boxB := s.hub.Mailbox(pidB)
	s.Require().NoError(s.dev.RegisterNotification(s.hndlA, pidA, true))
	s.Require().NoError(s.dev.RegisterNotification(s.hndlB, pidB, true))

	// pidA never created a mailbox: its signal is dropped, pidB still gets one.
	s.Equal(4, s.write(pidB, s.hndlB, "data"))

	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	sig, err := boxB.Next(ctx)
	s.Require().NoError(err)
	s.Equal(s.hndlB, sig.Handle)
	s.Eventually(func() bool {
		return counterValue(s.dev.metrics.notifications.WithLabelValues(notifyDropped)) == 1
	}, time.Second, 10*time.Millisecond)
}

func (s *DeviceTestSuite) TestPruneDeadObservers() {
	dev := s.newDeviceWithRegistry(func(c *Config) { c.PruneDeadObservers = true })
	defer func() { s.Require().NoError(dev.Close(s.ctx)) }()

	const deadPID api.PID = 0x7ffffff0
	self := api.PID(os.Getpid())
	box := s.hub.Mailbox(self)
	s.hub.Mailbox(deadPID)
	s.Require().NoError(dev.RegisterNotification(1, deadPID, true))
	s.Require().NoError(dev.RegisterNotification(2, self, true))

	_, err := dev.Write(s.ctx, 3, self, []byte("x"))
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	sig, err := box.Next(ctx)
	s.Require().NoError(err)
	s.Equal(api.Handle(2), sig.Handle)
	s.Eventually(func() bool { return dev.observers.count() == 1 }, time.Second, 10*time.Millisecond)
}

func (s *DeviceTestSuite) newDeviceWithRegistry(tune func(*Config)) *SharedDevice {
	prev := s.reg
	s.reg = prometheus.NewRegistry()
	defer func() { s.reg = prev }()
	return s.newDevice(tune)
}

func (s *DeviceTestSuite) TestPrintCommand() {
	s.write(pidA, s.hndlA, "HELLO")
	_, err := s.dev.Read(s.ctx, s.hndlB, pidB, 10)
	s.Require().NoError(err)

	s.Require().NoError(s.dev.Command(s.ctx, s.hndlA, CmdPrint, nil))
	prints := s.sink.Filter(audit.KindPrint)
	s.Require().Len(prints, 1)
	s.Equal("HELLO", prints[0].Detail)

	// PRINT changed neither the content nor the last reader.
	_, err = s.dev.Read(s.ctx, s.hndlB, pidB, 10)
	s.ErrorIs(err, api.ErrEndOfStream)
	snap, err := s.dev.Snapshot(s.ctx)
	s.Require().NoError(err)
	s.Equal("Device data: HELLO", snap)
}

func (s *DeviceTestSuite) TestCommandValidation() {
	err := s.dev.Command(s.ctx, s.hndlA, api.IO('k', 0), nil)
	s.ErrorIs(err, api.ErrNotSupported)

	err = s.dev.Command(s.ctx, s.hndlA, api.IO(DeviceMagic, MaxCommandNr+1), nil)
	s.ErrorIs(err, api.ErrNotSupported)

	err = s.dev.Command(s.ctx, s.hndlA, api.IOR(DeviceMagic, 1, 8), nil)
	s.ErrorIs(err, api.ErrFaultyArgument)
	err = s.dev.Command(s.ctx, s.hndlA, api.IOW(DeviceMagic, 1, 8), make([]byte, 4))
	s.ErrorIs(err, api.ErrFaultyArgument)

	// Well-formed but unknown: forward compatible no-op.
	s.NoError(s.dev.Command(s.ctx, s.hndlA, api.IO(DeviceMagic, 1), nil))
	s.NoError(s.dev.Command(s.ctx, s.hndlA, api.IOWR(DeviceMagic, 1, 8), make([]byte, 8)))
	s.Empty(s.sink.Filter(audit.KindPrint))

	snap, err := s.dev.Snapshot(s.ctx)
	s.Require().NoError(err)
	s.Equal("Device data: EMPTY", snap)
}

func (s *DeviceTestSuite) TestClosedDevice() {
	dev := s.newDeviceWithRegistry(nil)
	s.Require().NoError(dev.Close(s.ctx))
	s.Require().NoError(dev.Close(s.ctx))
	s.True(dev.Closed())

	_, err := dev.Read(s.ctx, 1, pidA, 10)
	s.ErrorIs(err, ErrDeviceClosed)
	_, err = dev.Write(s.ctx, 1, pidA, []byte("x"))
	s.ErrorIs(err, ErrDeviceClosed)
	_, err = dev.Snapshot(s.ctx)
	s.ErrorIs(err, ErrDeviceClosed)
	s.Contains(DebugDeviceDetail(dev), "closed")
}

func (s *DeviceTestSuite) TestDebugDeviceDetail() {
	s.write(pidA, s.hndlA, "HELLO")
	_, err := s.dev.Read(s.ctx, s.hndlB, pidB, 10)
	s.Require().NoError(err)
	detail := DebugDeviceDetail(s.dev)
	s.Contains(detail, `data:"HELLO"`)
	s.Contains(detail, "last_reader:1002")

	s.Require().NoError(s.dev.lock.lock(s.ctx))
	s.Contains(DebugDeviceDetail(s.dev), "busy")
	s.dev.lock.unlock()
}

func (s *DeviceTestSuite) TestMemFdBacking() {
	if runtime.GOOS != "linux" {
		s.T().Skip("memfd is linux only")
	}
	dev := s.newDeviceWithRegistry(func(c *Config) { c.MemMapType = MemMapTypeMemFd })
	defer func() { s.Require().NoError(dev.Close(s.ctx)) }()
	s.Contains(DebugDeviceDetail(dev), "memfd:true")
	snap, err := dev.Snapshot(s.ctx)
	s.Require().NoError(err)
	s.Equal("Device data: EMPTY", snap)
}

func (s *DeviceTestSuite) TestDuplicateMetricsRegistration() {
	_, err := NewSharedDevice(s.ctx, "dirbtree", &Config{
		Capacity:      31,
		NotifyWorkers: 1,
		Registerer:    s.reg,
	})
	s.Error(err)
}

func TestDeviceTestSuite(t *testing.T) {
	suite.Run(t, new(DeviceTestSuite))
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func gaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	_ = g.Write(m)
	return m.GetGauge().GetValue()
}
