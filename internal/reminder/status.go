package reminder

import "fmt"

type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusMissed       Status = "missed"
	StatusSkipped      Status = "skipped"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s != StatusPending }

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAcknowledged, StatusMissed, StatusSkipped:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the occurrence state machine.
// Only pending has outgoing edges.
func CanTransition(from, to Status) bool {
	if from != StatusPending {
		return false
	}
	switch to {
	case StatusAcknowledged, StatusMissed, StatusSkipped:
		return true
	}
	return false
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}
