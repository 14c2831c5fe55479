package trigger

import "fmt"

// transitions enumerates the legal State graph. A daemon restart always
// re-enters REGISTERED -> (INACTIVE|ACTIVE) depending on Enabled; the rest
// of the graph is driven by the scheduler and watchers.
var transitions = map[State][]State{
	StateRegistered: {StateInactive, StateActive},
	StateInactive:   {StateActive},
	StateActive:     {StateWatching, StateInactive, StateFailed},
	StateWatching:   {StateFired, StateThrottled, StateActive, StateFailed},
	StateThrottled:  {StateActive, StateWatching},
	StateFired:      {StateActive, StateWatching},
	StateFailed:     {StateActive, StateInactive},
}

// CanTransition reports whether moving from -> to is a legal state change.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a state change, returning an error if
// the move is not legal from the definition's current state.
func Transition(d *Definition, to State) error {
	if !CanTransition(d.State, to) {
		return fmt.Errorf("trigger %s: illegal transition %s -> %s", d.TriggerID, d.State, to)
	}
	d.State = to
	return nil
}
