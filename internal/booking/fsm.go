// Package booking implements the booking modal lifecycle: a transition-table
// FSM, per-modal state with request sequencing, and an expiring modal store.
package booking

// State represents the current state of a booking modal.
type State string

const (
	StateClosed       State = "closed"
	StateDateSelected State = "date_selected"
	StateSlotsLoading State = "slots_loading"
	StateSlotsReady   State = "slots_ready"
	StateSlotSelected State = "slot_selected"
	StateSubmitting   State = "submitting"
	StateSucceeded    State = "succeeded"
	StateConflict     State = "conflict"
	StateFailed       State = "failed"
)

// FSM manages state transitions for the booking modal.
type FSM struct {
	transitions map[State][]State
}

// NewFSM creates a new FSM with predefined transitions.
func NewFSM() *FSM {
	return &FSM{
		transitions: map[State][]State{
			StateClosed:       {StateDateSelected},
			StateDateSelected: {StateSlotsLoading, StateClosed},
			StateSlotsLoading: {StateSlotsReady, StateDateSelected, StateSlotsLoading, StateClosed},
			StateSlotsReady:   {StateSlotSelected, StateSlotsLoading, StateSlotsReady, StateClosed},
			StateSlotSelected: {StateSubmitting, StateSlotSelected, StateSlotsLoading, StateSlotsReady, StateClosed},
			StateSubmitting:   {StateSucceeded, StateConflict, StateFailed, StateSlotSelected},
			StateSucceeded:    {StateClosed},
			StateConflict:     {StateSlotsLoading, StateClosed},
			StateFailed:       {StateSlotsLoading, StateClosed},
		},
	}
}

// CanTransition checks if transition is allowed.
func (f *FSM) CanTransition(from, to State) bool {
	allowed, ok := f.transitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}
