package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lfarias/pchat/internal/bus"
)

// State represents the delivery state of a sync session.
type State string

const (
	// Idle: no session running.
	Idle State = "IDLE"
	// Connecting: push subscription requested, watchdog armed.
	Connecting State = "CONNECTING"
	// Live: push subscription confirmed, events applied as they arrive.
	Live State = "LIVE"
	// Degraded: polling loop active. Push may still recover and deliver
	// concurrently; de-duplication absorbs the overlap.
	Degraded State = "DEGRADED"
	// Closed: session torn down. Terminal.
	Closed State = "CLOSED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Idle:       {Connecting, Closed},
	Connecting: {Live, Degraded, Closed},
	Live:       {Degraded, Closed},
	Degraded:   {Live, Closed},
	Closed:     {},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is invalid; transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
