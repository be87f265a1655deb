package runs

import "fmt"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusApproved  Status = "approved"
	StatusFailed    Status = "failed"
	StatusDestroyed Status = "destroyed"
)

// predecessors lists, per target status, the states a run may move from.
var predecessors = map[Status][]Status{
	StatusReady:     {StatusPending},
	StatusFailed:    {StatusPending, StatusReady},
	StatusApproved:  {StatusReady},
	StatusDestroyed: {StatusReady, StatusApproved},
}

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusReady, StatusApproved, StatusFailed, StatusDestroyed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown run status %q", s)
	}
}

// Resolved reports whether polling can no longer change the run.
func (s Status) Resolved() bool {
	return s != StatusPending
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

func statusStrings(list []Status) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}
