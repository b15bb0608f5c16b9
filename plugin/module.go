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
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/shmdev/api"
	"github.com/srediag/shmdev/pkg/lifecycle"
)

const (
	defaultRegisterInitialInterval = 50 * time.Millisecond
	defaultRegisterMaxElapsed      = 2 * time.Second
)

// Module makes a device reachable: registered under its name and rendered
// by a monitor view. Load either completes both steps or neither.
type Module struct {
	name       string
	dev        *SharedDevice
	registrar  api.Registrar
	monitors   api.MonitorFactory
	newBackOff func() backoff.BackOff

	view  api.MonitorView
	state lifecycle.Tracker
}

// ModuleOption customizes a Module.
type ModuleOption func(*Module)

// WithRegisterBackOff sets the policy used while the device name is busy.
func WithRegisterBackOff(f func() backoff.BackOff) ModuleOption {
	return func(m *Module) { m.newBackOff = f }
}

// NewModule returns an unloaded module for dev.
func NewModule(dev *SharedDevice, registrar api.Registrar, monitors api.MonitorFactory, opts ...ModuleOption) *Module {
	m := &Module{
		name:      dev.Name(),
		dev:       dev,
		registrar: registrar,
		monitors:  monitors,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = defaultRegisterInitialInterval
			b.MaxElapsedTime = defaultRegisterMaxElapsed
			return b
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Device returns the module's device.
func (m *Module) Device() *SharedDevice { return m.dev }

// State implements lifecycle.Manager.
func (m *Module) State() lifecycle.State { return m.state.State() }

// Load registers the device and creates its monitor view. A busy name is
// retried with backoff. When the view cannot be created the device is
// unregistered again before the error is returned.
func (m *Module) Load(ctx context.Context) error {
	if m.dev.Closed() {
		return ErrDeviceClosed
	}
	if err := m.state.Transition(lifecycle.Unloaded, lifecycle.Loading); err != nil {
		return err
	}
	internalLogger.Debugf("loading module %s", m.name)

	register := func() error {
		err := m.registrar.Register(m.name, m.dev)
		if err == nil || errors.Is(err, api.ErrBusy) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		internalLogger.Infof("register device %s: %v, retrying in %s", m.name, err, wait)
	}
	if err := backoff.RetryNotify(register, backoff.WithContext(m.newBackOff(), ctx), notify); err != nil {
		m.state.Set(lifecycle.Unloaded)
		return fmt.Errorf("register device %s: %w", m.name, err)
	}

	view, err := m.monitors.CreateView(m.name, m.dev)
	if err != nil {
		if uerr := m.registrar.Unregister(m.name); uerr != nil {
			internalLogger.Errorf("unwind device %s registration: %v", m.name, uerr)
		}
		m.state.Set(lifecycle.Unloaded)
		return fmt.Errorf("create monitor view %s: %w", m.name, err)
	}
	m.view = view
	m.state.Set(lifecycle.Loaded)
	internalLogger.Infof("module %s loaded", m.name)
	return nil
}

// Unload removes the view, unregisters the device and closes it. Every
// step runs even if an earlier one fails; the errors are joined.
func (m *Module) Unload(ctx context.Context) error {
	if err := m.state.Transition(lifecycle.Loaded, lifecycle.Unloading); err != nil {
		return err
	}
	var errs []error
	if err := m.view.Remove(); err != nil {
		errs = append(errs, fmt.Errorf("remove monitor view: %w", err))
	}
	m.view = nil
	if err := m.registrar.Unregister(m.name); err != nil {
		errs = append(errs, fmt.Errorf("unregister device: %w", err))
	}
	if err := m.dev.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}
	m.state.Set(lifecycle.Unloaded)
	internalLogger.Infof("module %s unloaded", m.name)
	return errors.Join(errs...)
}

var _ lifecycle.Manager = (*Module)(nil)
