package queue

import "github.com/issuebridge/issuebridge/internal/types"

// Priority bounds. Lower numbers are serviced first.
const (
	MinPriority = 1
	MaxPriority = 10
)

// Base priorities per action.
const (
	PriorityClose        = 2
	PriorityCreate       = 3
	PriorityUpdate       = 4
	PrioritySyncProgress = 5
)

// BasePriority returns the default priority of an action.
func BasePriority(a types.Action) int {
	switch a {
	case types.ActionClose:
		return PriorityClose
	case types.ActionCreate:
		return PriorityCreate
	case types.ActionUpdate:
		return PriorityUpdate
	default:
		return PrioritySyncProgress
	}
}

// PriorityFor adjusts the base priority by severity: severe records (3 and
// up) move one step ahead, minor ones (1) one step back.
func PriorityFor(a types.Action, severity int) int {
	p := BasePriority(a)
	switch {
	case severity >= 3:
		p--
	case severity == 1:
		p++
	}
	return ClampPriority(p)
}

// ClampPriority keeps p within [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
