package wa

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/relay/internal/bus"
)

// LinkState is the state of the WhatsApp device link.
type LinkState string

const (
	Booting      LinkState = "booting"
	AuthRequired LinkState = "auth_required"
	Connecting   LinkState = "connecting"
	Connected    LinkState = "connected"
	Disconnected LinkState = "disconnected"
	LoggedOut    LinkState = "logged_out"
)

// validTransitions defines allowed link state transitions. whatsmeow
// reconnects on its own, so Disconnected may go straight to Connected.
var validTransitions = map[LinkState][]LinkState{
	Booting:      {AuthRequired, Connecting},
	AuthRequired: {Connecting},
	Connecting:   {Connected, AuthRequired, Disconnected},
	Connected:    {Disconnected, LoggedOut},
	Disconnected: {Connecting, Connected, LoggedOut},
	LoggedOut:    {AuthRequired, Connecting},
}

// LinkChange is the payload of bus.KindLinkState events.
type LinkChange struct {
	From LinkState
	To   LinkState
}

// LinkMachine tracks and enforces link state transitions.
type LinkMachine struct {
	mu      sync.RWMutex
	current LinkState
	bus     *bus.Bus
}

// NewLinkMachine creates a machine starting in Booting.
func NewLinkMachine(b *bus.Bus) *LinkMachine {
	return &LinkMachine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *LinkMachine) Current() LinkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *LinkMachine) Transition(to LinkState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    bus.KindLinkState,
			Payload: LinkChange{From: from, To: to},
		})
	}
	return nil
}
