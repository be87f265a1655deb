// Package gates computes the ids of workflow approval nodes that hold a
// provisioning workflow at its plan and destroy checkpoints.
//
// The engine hands out unified job ids sequentially, so an approval node
// spawned by a given workflow sits at a fixed distance from the workflow job
// id. That distance depends on the workflow template layout and is therefore
// configuration, never a constant.
package gates

import (
	"errors"
	"fmt"
	"strings"
)

// Kind selects which approval gate to compute.
type Kind string

const (
	PlanApply Kind = "plan_apply"
	Destroy   Kind = "destroy"
)

// Kinds lists every gate kind a Calculator must know about.
var Kinds = []Kind{PlanApply, Destroy}

// ParseKind accepts the canonical names case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case PlanApply:
		return PlanApply, nil
	case Destroy:
		return Destroy, nil
	default:
		return "", fmt.Errorf("unknown gate kind %q", s)
	}
}

// Calculator maps (job id, kind) to an approval node id.
type Calculator struct {
	offsets map[Kind]int64
}

// NewCalculator validates offsets: every kind must be present and no two
// kinds may share an offset.
func NewCalculator(offsets map[Kind]int64) (*Calculator, error) {
	copied := make(map[Kind]int64, len(offsets))
	seen := make(map[int64]Kind, len(offsets))
	for _, kind := range Kinds {
		off, ok := offsets[kind]
		if !ok {
			return nil, fmt.Errorf("gate offset for %s is required", kind)
		}
		if other, dup := seen[off]; dup {
			return nil, fmt.Errorf("gate offsets for %s and %s must differ", other, kind)
		}
		seen[off] = kind
		copied[kind] = off
	}
	for kind := range offsets {
		if _, err := ParseKind(string(kind)); err != nil {
			return nil, err
		}
	}
	return &Calculator{offsets: copied}, nil
}

// GateID returns the approval node id for jobID.
func (c *Calculator) GateID(jobID int64, kind Kind) (int64, error) {
	if c == nil {
		return 0, errors.New("nil gate calculator")
	}
	if jobID <= 0 {
		return 0, fmt.Errorf("invalid job id %d", jobID)
	}
	off, ok := c.offsets[kind]
	if !ok {
		return 0, fmt.Errorf("unknown gate kind %q", kind)
	}
	return jobID + off, nil
}

// Offset reports the configured offset for kind.
func (c *Calculator) Offset(kind Kind) (int64, bool) {
	if c == nil {
		return 0, false
	}
	off, ok := c.offsets[kind]
	return off, ok
}
