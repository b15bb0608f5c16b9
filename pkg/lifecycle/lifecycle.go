// Package lifecycle tracks the load state of a device module.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
)

// State is the load state of a module.
type State uint8

const (
	Unloaded State = iota
	Loading
	Loaded
	Unloading
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Unloading:
		return "unloading"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Manager loads and unloads a module.
type Manager interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	State() State
}

// ErrTransition is returned for a transition from an unexpected state.
type ErrTransition struct {
	From, To, Actual State
}

func (e *ErrTransition) Error() string {
	return fmt.Sprintf("cannot move %s -> %s: module is %s", e.From, e.To, e.Actual)
}

// Tracker guards state transitions.
type Tracker struct {
	mu    sync.Mutex
	state State
}

// Transition moves from -> to, failing when the current state is not from.
func (t *Tracker) Transition(from, to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return &ErrTransition{From: from, To: to, Actual: t.state}
	}
	t.state = to
	return nil
}

// Set forces the state.
func (t *Tracker) Set(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
