package notifier

import "fmt"

// State is the subscription state of a Channel.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateActive
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateIdle:
		return "Idle"
	case StateSubscribing:
		return "Subscribing"
	case StateActive:
		return "Active"
	case StateClosed:
		return "Closed"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(newState State) error {
	switch s {
	case StateIdle:
		switch newState {
		case StateSubscribing, StateClosed:
			return nil
		}
	case StateSubscribing:
		switch newState {
		// Subscribing to Idle happens when joining the topic fails,
		// leaving the channel ready for another Open.
		case StateActive, StateIdle, StateClosed:
			return nil
		}
	case StateActive:
		if newState == StateClosed {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", s, newState)
}
