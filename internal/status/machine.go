package status

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatvault/internal/bus"
)

// ErrInvalidTransition is returned when a transition is not in the table.
var ErrInvalidTransition = errors.New("invalid transition")

// State is a named state of a Machine.
type State string

// Transitions maps each state to the states reachable from it.
type Transitions map[State][]State

// Machine tracks and enforces state transitions against a fixed table and
// publishes every change on the bus.
type Machine struct {
	mu      sync.RWMutex
	name    string
	current State
	table   Transitions
	bus     *bus.Bus
	kind    bus.Kind
}

// New creates a machine in the initial state. bus may be nil.
func New(name string, initial State, table Transitions, b *bus.Bus, kind bus.Kind) *Machine {
	return &Machine{
		name:    name,
		current: initial,
		table:   table,
		bus:     b,
		kind:    kind,
	}
}

// Name returns the machine name carried in change events.
func (m *Machine) Name() string { return m.name }

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is in one of the given states.
func (m *Machine) Is(states ...State) bool {
	return slices.Contains(states, m.Current())
}

// CanTransition reports whether to is reachable from the current state.
func (m *Machine) CanTransition(to State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.table[m.current], to)
}

// Transition attempts to move to a new state. Returns an error wrapping
// ErrInvalidTransition if the move is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(m.table[m.current], to) {
		return fmt.Errorf("%s: %w from %s to %s", m.name, ErrInvalidTransition, m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      m.kind,
			Timestamp: time.Now(),
			Payload: StatusChange{
				Machine: m.name,
				From:    from,
				To:      to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	Machine string
	From    State
	To      State
}
