// Package process supervises the trading worker as a child process.
package process

import (
	"errors"
	"fmt"
)

type State string

const (
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopped  State = "STOPPED"
	StateCrashed  State = "CRASHED"
	StateFailed   State = "FAILED"
)

var (
	ErrAlreadyRunning    = errors.New("process: worker already running")
	ErrInvalidTransition = errors.New("process: invalid transition")
)

// ValidTransitions is the lifecycle table. Anything not listed is rejected.
var ValidTransitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateCrashed, StateStopped},
	StateRunning:  {StateCrashed, StateStopped},
	StateCrashed:  {StateStarting, StateFailed, StateStopped},
	StateFailed:   {StateStarting, StateStopped},
}

// CanTransition reports whether from -> to is in ValidTransitions.
func CanTransition(from, to State) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Alive reports whether the state has a live child process.
func (s State) Alive() bool {
	return s == StateStarting || s == StateRunning
}
