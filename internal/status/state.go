package status

import (
	"fmt"
	"slices"
)

// Status is the delivery lifecycle state of a relayed message.
type Status string

const (
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Deleted   Status = "deleted"
	Failed    Status = "failed"
)

// validTransitions defines allowed status transitions. A message never
// leaves Deleted, and Failed only moves on through an explicit delete.
var validTransitions = map[Status][]Status{
	Sent:      {Delivered, Failed, Read, Deleted},
	Delivered: {Read, Deleted},
	Read:      {Deleted},
	Failed:    {Deleted},
	Deleted:   {},
}

// Parse converts a stored value into a Status.
func Parse(s string) (Status, error) {
	st := Status(s)
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("unknown message status %q", s)
	}
	return st, nil
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// CanTransition reports whether from -> to is an allowed move.
// A transition to the current status is not a move and returns false.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Check returns an error if from -> to is not allowed.
func Check(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// Change describes one committed status transition of a message.
type Change struct {
	MessageID int64
	PartyID   string
	From      Status
	To        Status
}
