package deploy

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned by Machine for any move that is not forward
// by exactly one state, or that leaves a terminal state.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is a deployment state.
type State int

const (
	Unauthenticated State = iota
	Authenticated
	CertificateStaged
	CertificateActive
	Verified
	Failed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "Unauthenticated"
	case Authenticated:
		return "Authenticated"
	case CertificateStaged:
		return "CertificateStaged"
	case CertificateActive:
		return "CertificateActive"
	case Verified:
		return "Verified"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Verified || s == Failed
}

// Transition is one recorded state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Machine tracks the state of one deployment.
type Machine struct {
	state   State
	reached State
	history []Transition
	now     func() time.Time
}

// NewMachine starts in Unauthenticated.
func NewMachine() *Machine {
	return &Machine{state: Unauthenticated, reached: Unauthenticated, now: time.Now}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Reached returns the last state reached before any failure.
func (m *Machine) Reached() State {
	return m.reached
}

// Advance moves to the next state.
func (m *Machine) Advance(to State) error {
	if m.state.Terminal() || to != m.state+1 || to == Failed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}
	m.record(to, "")
	m.reached = to
	return nil
}

// Fail moves to Failed, keeping the reached state.
func (m *Machine) Fail(reason string) error {
	if m.state.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, Failed)
	}
	m.record(Failed, reason)
	return nil
}

// History returns a copy of the recorded transitions.
func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func (m *Machine) record(to State, reason string) {
	m.history = append(m.history, Transition{From: m.state, To: to, At: m.now(), Reason: reason})
	m.state = to
}
