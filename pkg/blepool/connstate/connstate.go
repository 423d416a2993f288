// Package connstate owns the per-device BLE connection state machine: the
// state enum, transition validation, and a bounded history ring buffer for
// diagnostics.
package connstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
)

// State is one of the six connection lifecycle states a device can be in.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	Reconnecting
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// validTransitions encodes the table in the component design: the set of
// states a transition may legally enter from a given state.
var validTransitions = map[State]map[State]bool{
	Disconnected:  {Connecting: true},
	Connecting:    {Connected: true, Error: true},
	Connected:     {Disconnecting: true, Reconnecting: true, Error: true},
	Disconnecting: {Disconnected: true},
	Reconnecting:  {Connecting: true, Error: true},
	Error:         {Connecting: true, Disconnected: true},
}

// historySize is the per-device ring buffer capacity; the history keeps at
// least the 20 most recent transitions.
const historySize = 32

// Entry is one recorded transition.
type Entry struct {
	State     State
	Timestamp time.Time
	Reason    string
}

type deviceState struct {
	current State
	history []Entry
	next    int
	filled  bool
}

// Machine owns the connection state of every device the pool knows about.
// All mutation is guarded by a single mutex, matching the pool's own
// single-lock discipline.
type Machine struct {
	mu      sync.Mutex
	devices map[battery.Address]*deviceState
}

// New creates an empty state machine.
func New() *Machine {
	return &Machine{devices: make(map[battery.Address]*deviceState)}
}

func (m *Machine) entryFor(address battery.Address) *deviceState {
	d, ok := m.devices[address]
	if !ok {
		d = &deviceState{current: Disconnected, history: make([]Entry, historySize)}
		m.devices[address] = d
	}
	return d
}

// Current returns the device's current state, defaulting to Disconnected
// for a device not yet seen.
func (m *Machine) Current(address battery.Address) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[address]
	if !ok {
		return Disconnected
	}
	return d.current
}

// History returns the device's recorded transitions, oldest first.
func (m *Machine) History(address battery.Address) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[address]
	if !ok {
		return nil
	}

	if !d.filled {
		out := make([]Entry, d.next)
		copy(out, d.history[:d.next])
		return out
	}

	out := make([]Entry, historySize)
	copy(out, d.history[d.next:])
	copy(out[historySize-d.next:], d.history[:d.next])
	return out
}

// Transition moves a device to newState, validating against the table.
// Invalid transitions are programming errors, not runtime conditions, and
// return battery.InvalidStateTransition without mutating state.
func (m *Machine) Transition(address battery.Address, newState State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.entryFor(address)

	if d.current != newState {
		allowed := validTransitions[d.current]
		if !allowed[newState] {
			return fmt.Errorf("%w: %s -> %s for %s", battery.InvalidStateTransition, d.current, newState, address)
		}
	}

	d.current = newState
	d.history[d.next] = Entry{State: newState, Timestamp: time.Now().UTC(), Reason: reason}
	d.next = (d.next + 1) % historySize
	if d.next == 0 {
		d.filled = true
	}

	return nil
}

// Remove drops all tracked state for a device, e.g. on removal from the
// registry.
func (m *Machine) Remove(address battery.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, address)
}
