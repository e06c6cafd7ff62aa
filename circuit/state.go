package circuit

import (
	"fmt"
	"sync"
)

// State represents a circuit's position in its build/use lifecycle. It gates
// which cells are legal to send or expect at any given moment.
type State int

const (
	// StateNew is the state of a circuit struct before its CREATE2 handshake starts.
	StateNew State = iota
	// StateLinkConnecting is entered right before CREATE2 is sent and holds
	// until CREATED2 (or DESTROY) is read back.
	StateLinkConnecting
	// StateLinkOpen is entered once CREATED2 is parsed, before the ntor
	// handshake output has been turned into hop keys.
	StateLinkOpen
	// StateExtendingK holds while an EXTEND2/EXTENDED2 round trip for hop k+1
	// is in flight. Relay cells (the EXTENDED2 response itself) are still
	// legal in this state; new application traffic is not.
	StateExtendingK
	// StateReady is the steady state: the circuit has at least one hop and
	// will carry relay traffic or be extended further.
	StateReady
	// StateClosing holds while a DESTROY is being written.
	StateClosing
	// StateClosed is terminal; no further cells may be sent or received.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateLinkConnecting:
		return "LinkConnecting"
	case StateLinkOpen:
		return "LinkOpen"
	case StateExtendingK:
		return "ExtendingK"
	case StateReady:
		return "Ready"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ErrInvalidTransition reports an operation attempted while the circuit was
// in a state that doesn't permit it.
type ErrInvalidTransition struct {
	Op      string
	Current State
	Allowed []State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("circuit: %s not allowed in state %s (requires %v)", e.Op, e.Current, e.Allowed)
}

// stateBox guards Circuit.State with its own mutex so callers can check and
// change it independently of the read/write cipher-state locks (rmu/wmu).
type stateBox struct {
	mu  sync.RWMutex
	cur State
}

// GetState returns the circuit's current state.
func (c *Circuit) GetState() State {
	c.stateBox.mu.RLock()
	defer c.stateBox.mu.RUnlock()
	return c.stateBox.cur
}

// SetState forces the circuit into s unconditionally. Used for DESTROY,
// which tears a circuit down from any non-Closed state, and by tests.
func (c *Circuit) SetState(s State) {
	c.stateBox.mu.Lock()
	c.stateBox.cur = s
	c.stateBox.mu.Unlock()
}

// requireState fails op unless the circuit is currently in one of allowed.
func (c *Circuit) requireState(op string, allowed ...State) error {
	c.stateBox.mu.RLock()
	cur := c.stateBox.cur
	c.stateBox.mu.RUnlock()
	for _, s := range allowed {
		if cur == s {
			return nil
		}
	}
	return &ErrInvalidTransition{Op: op, Current: cur, Allowed: allowed}
}

// enterState unconditionally moves the circuit into s, returning the state
// it was in beforehand so callers can restore it on a failed operation.
func (c *Circuit) enterState(s State) State {
	c.stateBox.mu.Lock()
	prev := c.stateBox.cur
	c.stateBox.cur = s
	c.stateBox.mu.Unlock()
	return prev
}
