package verification

import (
	"errors"
	"fmt"
)

// Status is the trust lifecycle state of a single chat message
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusVerified  Status = "verified"
	StatusFailed    Status = "failed"
	StatusLocalOnly Status = "local_only" // never touched the backend
)

// ErrIllegalTransition is returned for any transition outside the table below
var ErrIllegalTransition = errors.New("illegal verification transition")

// transitions lists the only legal moves. Nothing is reversible.
var transitions = map[Status][]Status{
	StatusPending:   {StatusCommitted, StatusFailed},
	StatusCommitted: {StatusVerified},
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCommitted, StatusVerified, StatusFailed, StatusLocalOnly:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is legal
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns the new status
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return to, nil
}
