// Package connector models the single simulated charge point connector: its
// OCPP status lifecycle and the charging session bound to it.
package connector

import "fmt"

// Status is the OCPP 1.6 connector status reported through
// StatusNotification messages.
type Status string

const (
	StatusAvailable     Status = "Available"
	StatusPreparing     Status = "Preparing"
	StatusCharging      Status = "Charging"
	StatusSuspendedEVSE Status = "SuspendedEVSE"
	StatusSuspendedEV   Status = "SuspendedEV"
	StatusFinishing     Status = "Finishing"
	StatusFaulted       Status = "Faulted"
)

// legalEdges lists the allowed transitions. Faulted is reachable from every
// status and only recovers to Available.
var legalEdges = map[Status][]Status{
	StatusAvailable:     {StatusPreparing},
	StatusPreparing:     {StatusCharging, StatusAvailable},
	StatusCharging:      {StatusSuspendedEV, StatusSuspendedEVSE, StatusFinishing},
	StatusSuspendedEV:   {StatusCharging, StatusSuspendedEVSE, StatusFinishing},
	StatusSuspendedEVSE: {StatusCharging, StatusSuspendedEV, StatusFinishing},
	StatusFinishing:     {StatusAvailable},
	StatusFaulted:       {StatusAvailable},
}

// TransitionError reports an attempted illegal status edge.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal connector transition %s -> %s", e.From, e.To)
}

// Machine tracks the connector status and enforces the transition table. It
// is not safe for concurrent use; a single owner goroutine drives it.
type Machine struct {
	current Status
}

// NewMachine returns a machine starting in Available.
func NewMachine() *Machine {
	return &Machine{current: StatusAvailable}
}

// Status returns the current connector status.
func (m *Machine) Status() Status {
	return m.current
}

// CanTransition reports whether moving to the given status is legal.
func (m *Machine) CanTransition(to Status) bool {
	if to == m.current {
		return false
	}
	if to == StatusFaulted {
		return true
	}
	for _, next := range legalEdges[m.current] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the machine to the given status, or fails with a
// TransitionError when the edge is not in the table.
func (m *Machine) Transition(to Status) error {
	if !m.CanTransition(to) {
		return &TransitionError{From: m.current, To: to}
	}
	m.current = to
	return nil
}

// Occupied reports whether the connector is in one of the states where a
// vehicle is attached and a transaction may be running.
func (s Status) Occupied() bool {
	switch s {
	case StatusPreparing, StatusCharging, StatusSuspendedEV, StatusSuspendedEVSE, StatusFinishing:
		return true
	default:
		return false
	}
}
