package circuit

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mrosenb/garlic-racer/cell"
	"github.com/mrosenb/garlic-racer/link"
)

// newDestroyableLink builds a Link whose Writer drains into an in-memory
// buffer, enough for Destroy to exercise WriteCell without a real connection.
func newDestroyableLink() *link.Link {
	return &link.Link{Writer: cell.NewWriter(&bytes.Buffer{})}
}

func TestStateStringKnownValues(t *testing.T) {
	cases := map[State]string{
		StateNew:            "New",
		StateLinkConnecting: "LinkConnecting",
		StateLinkOpen:       "LinkOpen",
		StateExtendingK:     "ExtendingK",
		StateReady:          "Ready",
		StateClosing:        "Closing",
		StateClosed:         "Closed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestNewCircuitDefaultsToStateNew(t *testing.T) {
	circ := &Circuit{ID: 1}
	if got := circ.GetState(); got != StateNew {
		t.Fatalf("zero-value Circuit state = %v, want %v", got, StateNew)
	}
}

func TestRequireStateRejectsUnlistedState(t *testing.T) {
	circ := &Circuit{ID: 1}
	circ.SetState(StateLinkOpen)
	err := circ.requireState("CREATE2", StateNew)
	if err == nil {
		t.Fatal("expected error for CREATE2 outside StateNew")
	}
	var invalid *ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *ErrInvalidTransition, got %T", err)
	}
	if invalid.Current != StateLinkOpen {
		t.Fatalf("Current = %v, want %v", invalid.Current, StateLinkOpen)
	}
}

func TestRequireStateAcceptsListedState(t *testing.T) {
	circ := &Circuit{ID: 1}
	circ.SetState(StateReady)
	if err := circ.requireState("relay traffic", StateReady, StateExtendingK); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendRelayRejectedOutsideReady(t *testing.T) {
	hop := testHop(0x10, 0x20, 0xAA, 0xBB)
	circ := &Circuit{ID: 1, Hops: []*Hop{hop}}
	circ.SetState(StateLinkOpen)

	err := circ.SendRelay(RelayData, 1, []byte("hi"))
	if err == nil {
		t.Fatal("expected error sending relay traffic outside Ready")
	}
	var invalid *ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *ErrInvalidTransition, got %T: %v", err, err)
	}
}

func TestReceiveRelayRejectedOutsideReady(t *testing.T) {
	circ := &Circuit{ID: 1}
	circ.SetState(StateNew)

	_, _, _, _, err := circ.ReceiveRelay()
	if err == nil {
		t.Fatal("expected error receiving relay traffic outside Ready/ExtendingK")
	}
	var invalid *ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *ErrInvalidTransition, got %T: %v", err, err)
	}
}

func TestDestroyAllowedFromReadyAndReachesClosed(t *testing.T) {
	circ := &Circuit{ID: 1, Link: newDestroyableLink()}
	circ.SetState(StateReady)

	if err := circ.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if got := circ.GetState(); got != StateClosed {
		t.Fatalf("state after Destroy = %v, want %v", got, StateClosed)
	}
}

func TestDestroyRejectedWhenAlreadyClosed(t *testing.T) {
	circ := &Circuit{ID: 1, Link: newDestroyableLink()}
	circ.SetState(StateClosed)

	err := circ.Destroy()
	if err == nil {
		t.Fatal("expected error destroying an already-closed circuit")
	}
	var invalid *ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected *ErrInvalidTransition, got %T: %v", err, err)
	}
}

func TestEnterStateReturnsPrevious(t *testing.T) {
	circ := &Circuit{ID: 1}
	circ.SetState(StateReady)
	prev := circ.enterState(StateExtendingK)
	if prev != StateReady {
		t.Fatalf("enterState returned %v, want %v", prev, StateReady)
	}
	if got := circ.GetState(); got != StateExtendingK {
		t.Fatalf("state after enterState = %v, want %v", got, StateExtendingK)
	}
}

