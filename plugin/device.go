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
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sys/unix"

	"github.com/srediag/shmdev/api"
	"github.com/srediag/shmdev/internal/debug"
	"github.com/srediag/shmdev/pkg/audit"
	"github.com/srediag/shmdev/pkg/notify"
	"github.com/srediag/shmdev/pkg/shm"
)

const instrumentationName = "github.com/srediag/shmdev/plugin"

const (
	opOpen     = "open"
	opRelease  = "release"
	opRead     = "read"
	opWrite    = "write"
	opCommand  = "command"
	opSnapshot = "snapshot"
)

// SharedDevice is a single buffer shared by every caller. The buffer and
// the identity of its last reader change together under one lock; the
// notification registry has its own synchronization.
type SharedDevice struct {
	name   string
	config *Config

	lock       *deviceLock
	buf        *shm.Buffer
	lastReader api.PID
	hasReader  bool
	seq        uint64
	closed     atomic.Bool

	nextHandle atomic.Uint64
	observers  *observerRegistry
	notifier   api.Notifier
	pool       *ants.Pool

	metrics *deviceMetrics
	tracer  trace.Tracer
	opCount metric.Int64Counter
	audit   audit.Sink
}

// NewSharedDevice creates the device and stores the initial content.
func NewSharedDevice(ctx context.Context, name string, config *Config) (*SharedDevice, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := VerifyConfig(config); err != nil {
		return nil, err
	}
	cfg := *config
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewHub()
	}
	if cfg.Meter == nil {
		cfg.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopSink{}
	}

	opCount, err := cfg.Meter.Int64Counter("shmdev.device.operations",
		metric.WithDescription("Device operations by operation and status."))
	if err != nil {
		return nil, fmt.Errorf("create operations counter: %w", err)
	}

	buf, err := shm.Open(ctx, shm.OpenOptions{
		Name:     name,
		Capacity: cfg.Capacity,
		MemFd:    cfg.MemMapType == MemMapTypeMemFd,
		Initial:  cfg.InitialContent,
	})
	if err != nil {
		return nil, fmt.Errorf("open device buffer: %w", err)
	}

	pool, err := ants.NewPool(cfg.NotifyWorkers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			internalLogger.Errorf("device %s notification panic: %v", name, p)
		}))
	if err != nil {
		_ = buf.Close()
		return nil, fmt.Errorf("create notification pool: %w", err)
	}

	metrics := newDeviceMetrics(name)
	if err := metrics.register(cfg.Registerer); err != nil {
		pool.Release()
		_ = buf.Close()
		return nil, err
	}

	d := &SharedDevice{
		name:      name,
		config:    &cfg,
		lock:      newDeviceLock(),
		buf:       buf,
		observers: newObserverRegistry(),
		notifier:  cfg.Notifier,
		pool:      pool,
		metrics:   metrics,
		tracer:    cfg.Tracer,
		opCount:   opCount,
		audit:     cfg.Audit,
	}
	internalLogger.Debugf("device %s created, capacity=%d memfd=%v", name, cfg.Capacity, buf.MemFd())
	return d, nil
}

// Name returns the device name.
func (d *SharedDevice) Name() string { return d.name }

// Notifier returns the notifier signals are delivered through.
func (d *SharedDevice) Notifier() api.Notifier { return d.notifier }

// Closed reports whether Close was called.
func (d *SharedDevice) Closed() bool { return d.closed.Load() }

func (d *SharedDevice) acquire(ctx context.Context) error {
	if err := d.lock.lock(ctx); err != nil {
		return err
	}
	if d.closed.Load() {
		d.lock.unlock()
		return ErrDeviceClosed
	}
	return nil
}

// Open implements api.Device. It never fails.
func (d *SharedDevice) Open(ctx context.Context, caller api.PID) (api.Handle, error) {
	h := api.Handle(d.nextHandle.Add(1))
	_, span := d.startSpan(ctx, opOpen, h, caller)
	defer d.finish(ctx, span, opOpen, nil)

	d.metrics.openHandles.Inc()
	if debug.Enabled(debug.LevelDebug) {
		internalLogger.Debugf("opened device %s handle=%d pid=%d comm=%q", d.name, h, caller, processName(caller))
	}
	d.record(audit.KindOpen, h, caller, "")
	return h, nil
}

// Release implements api.Device. The handle's notification registration
// is dropped with it.
func (d *SharedDevice) Release(ctx context.Context, h api.Handle) error {
	_, span := d.startSpan(ctx, opRelease, h, api.NoPID)
	defer d.finish(ctx, span, opRelease, nil)

	d.observers.remove(h)
	d.metrics.observers.Set(float64(d.observers.count()))
	d.metrics.openHandles.Dec()
	internalLogger.Debugf("released device %s handle=%d", d.name, h)
	d.record(audit.KindRelease, h, api.NoPID, "")
	return nil
}

// Read implements api.Device.
//
// A caller that already read the current content gets ErrEndOfStream until
// the next write, whatever handle it reads through. An empty buffer yields
// zero bytes without marking the caller as reader.
func (d *SharedDevice) Read(ctx context.Context, h api.Handle, caller api.PID, n int) (data []byte, err error) {
	ctx, span := d.startSpan(ctx, opRead, h, caller)
	defer func() { d.finish(ctx, span, opRead, err) }()

	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	if n < 0 {
		n = 0
	}
	if l := d.buf.Len(); n > l {
		n = l
	}
	if d.hasReader && d.lastReader == caller {
		d.lock.unlock()
		return nil, api.ErrEndOfStream
	}
	data = d.buf.Bytes(n)
	if n > 0 {
		d.lastReader, d.hasReader = caller, true
	}
	d.lock.unlock()

	internalLogger.Debugf("reading: %s", data)
	d.record(audit.KindRead, h, caller, string(data))
	return data, nil
}

// Write implements api.Device. Data beyond the capacity is dropped
// silently; the returned length is what was stored.
func (d *SharedDevice) Write(ctx context.Context, h api.Handle, caller api.PID, data []byte) (n int, err error) {
	ctx, span := d.startSpan(ctx, opWrite, h, caller)
	defer func() { d.finish(ctx, span, opWrite, err) }()

	truncated := len(data) > d.buf.Cap()
	if truncated {
		data = data[:d.buf.Cap()]
	}

	if err := d.acquire(ctx); err != nil {
		return 0, err
	}
	n = d.buf.Store(data)
	d.lastReader, d.hasReader = api.NoPID, false
	d.seq++
	seq := d.seq
	content := d.buf.String()
	d.lock.unlock()

	if truncated {
		d.metrics.truncated.Inc()
	}
	internalLogger.Debugf("writing: %s", content)
	d.record(audit.KindWrite, h, caller, content)
	d.notifyReadable(seq)
	return n, nil
}

// RegisterNotification implements api.Device. It is idempotent and never fails.
func (d *SharedDevice) RegisterNotification(h api.Handle, caller api.PID, enable bool) error {
	if enable {
		d.observers.add(h, caller)
	} else {
		d.observers.remove(h)
	}
	d.metrics.observers.Set(float64(d.observers.count()))
	internalLogger.Debugf("device %s handle=%d pid=%d notification=%v", d.name, h, caller, enable)
	return nil
}

// Snapshot implements api.Snapshotter. It never changes which caller
// counts as last reader.
func (d *SharedDevice) Snapshot(ctx context.Context) (s string, err error) {
	ctx, span := d.startSpan(ctx, opSnapshot, 0, api.NoPID)
	defer func() { d.finish(ctx, span, opSnapshot, err) }()

	if err := d.acquire(ctx); err != nil {
		return "", err
	}
	s = shm.FormatSnapshot(d.buf)
	d.lock.unlock()
	return s, nil
}

// Store implements api.MonitorSource by writing as an anonymous caller.
func (d *SharedDevice) Store(ctx context.Context, data []byte) (int, error) {
	return d.Write(ctx, 0, api.NoPID, data)
}

// Probe takes and releases the lock. It fails when ctx ends first.
func (d *SharedDevice) Probe(ctx context.Context) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	d.lock.unlock()
	return nil
}

// Close waits for the lock, releases the buffer and stops notification
// delivery. Later reads and writes fail with ErrDeviceClosed.
func (d *SharedDevice) Close(ctx context.Context) error {
	if err := d.lock.lock(ctx); err != nil {
		return err
	}
	if d.closed.Swap(true) {
		d.lock.unlock()
		return nil
	}
	err := d.buf.Close()
	d.lock.unlock()

	d.pool.Release()
	d.metrics.unregister(d.config.Registerer)
	internalLogger.Debugf("device %s closed", d.name)
	return err
}

// notifyReadable signals every registered handle. Delivery runs on the
// pool and never fails the write; when the pool refuses work it runs
// inline, which is safe because Notifier.Notify does not block.
func (d *SharedDevice) notifyReadable(seq uint64) {
	targets := d.observers.list()
	if len(targets) == 0 {
		return
	}
	deliver := func() {
		for _, o := range targets {
			d.deliver(o, seq)
		}
	}
	if err := d.pool.Submit(deliver); err != nil {
		internalLogger.Debugf("device %s notification pool: %v, delivering inline", d.name, err)
		deliver()
	}
}

func (d *SharedDevice) deliver(o observer, seq uint64) {
	if d.config.PruneDeadObservers && !ownerAlive(o.owner) {
		if d.observers.removeIf(o) {
			d.metrics.observers.Set(float64(d.observers.count()))
		}
		d.metrics.notifications.WithLabelValues(notifyPruned).Inc()
		internalLogger.Infof("device %s pruned observer handle=%d pid=%d", d.name, o.handle, o.owner)
		return
	}
	err := d.notifier.Notify(api.Signal{
		Owner:  o.owner,
		Device: d.name,
		Handle: o.handle,
		Signo:  unix.SIGIO,
		Band:   unix.POLLIN,
		Seq:    seq,
	})
	if err != nil {
		d.metrics.notifications.WithLabelValues(notifyDropped).Inc()
		internalLogger.Debugf("device %s signal to pid=%d dropped: %v", d.name, o.owner, err)
		return
	}
	d.metrics.notifications.WithLabelValues(notifyDelivered).Inc()
	d.record(audit.KindNotify, o.handle, o.owner, "")
}

func (d *SharedDevice) record(kind audit.Kind, h api.Handle, caller api.PID, detail string) {
	d.audit.Record(audit.Event{
		Kind:   kind,
		Device: d.name,
		Handle: h,
		Caller: caller,
		Detail: detail,
		Time:   time.Now(),
	})
}

func (d *SharedDevice) startSpan(ctx context.Context, op string, h api.Handle, caller api.PID) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, "shmdev."+op, trace.WithAttributes(
		attribute.String("shmdev.device", d.name),
		attribute.Int64("shmdev.handle", int64(h)),
		attribute.Int("shmdev.pid", int(caller)),
	))
}

func (d *SharedDevice) finish(ctx context.Context, span trace.Span, op string, err error) {
	status := statusLabel(err)
	switch {
	case err == nil, errors.Is(err, api.ErrEndOfStream):
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	d.metrics.operations.WithLabelValues(op, status).Inc()
	d.opCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	))
}

func statusLabel(err error) string {
	switch {
	case err == nil,
		errors.Is(err, api.ErrInterrupted),
		errors.Is(err, api.ErrEndOfStream),
		errors.Is(err, api.ErrNotSupported),
		errors.Is(err, api.ErrFaultyArgument):
		return api.StatusOf(err).String()
	default:
		return "ERROR"
	}
}

var (
	_ api.Device        = (*SharedDevice)(nil)
	_ api.MonitorSource = (*SharedDevice)(nil)
)
