package storage

import "strings"

// Priority controls when an index is scheduled.
type Priority uint32

const (
	// PriorityNone behaves like normal priority for scheduling purposes.
	PriorityNone Priority = 0
	// PriorityNormal indexes are processed on every pass.
	PriorityNormal Priority = 1 << 0
	// PriorityDisabled indexes are never processed.
	PriorityDisabled Priority = 1 << 1
	// PriorityIdle indexes are processed only on idle passes.
	PriorityIdle Priority = 1 << 2
	// PriorityAbandoned indexes are processed on idle passes once they have not
	// been indexed for a configured duration.
	PriorityAbandoned Priority = 1 << 3
	// PriorityError indexes were set aside by an operator and are never processed.
	PriorityError Priority = 1 << 4
)

var priorityNames = []struct {
	p    Priority
	name string
}{
	{PriorityNormal, "Normal"},
	{PriorityDisabled, "Disabled"},
	{PriorityIdle, "Idle"},
	{PriorityAbandoned, "Abandoned"},
	{PriorityError, "Error"},
}

// Has reports whether all bits of flag are set.
func (p Priority) Has(flag Priority) bool { return flag != 0 && p&flag == flag }

func (p Priority) String() string {
	if p == PriorityNone {
		return "None"
	}
	var parts []string
	for _, n := range priorityNames {
		if p.Has(n.p) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "Unknown"
	}
	return strings.Join(parts, "|")
}
