// Package depgraph classifies dependency lists of tasks and pipeline stages.
//
// Classification is a single pass over the dependency list checking
// membership in a completed-id set. It never walks the graph, so cyclic or
// dangling dependencies simply never become unblocked.
package depgraph

import "github.com/cnap-oss/tmux-agents/internal/model"

// Status is the readiness of a dependency list.
type Status int

const (
	NoDependencies Status = iota
	Blocked
	Unblocked
)

func (s Status) String() string {
	switch s {
	case NoDependencies:
		return "noDependencies"
	case Blocked:
		return "blocked"
	case Unblocked:
		return "unblocked"
	default:
		return "unknown"
	}
}

// Set is a set of completed ids.
type Set map[string]struct{}

// CompletedSet builds a Set from ids.
func CompletedSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Classify returns Blocked if any dependency is missing from completed,
// Unblocked if all are present and NoDependencies for an empty list.
// Unknown ids and self references are missing by construction.
func Classify(deps []string, completed Set) Status {
	if len(deps) == 0 {
		return NoDependencies
	}
	for _, dep := range deps {
		if !completed.Has(dep) {
			return Blocked
		}
	}
	return Unblocked
}

// ClassifyTasks classifies every task against the ids of Completed tasks.
func ClassifyTasks(tasks []*model.Task) map[string]Status {
	completed := make(Set, len(tasks))
	for _, t := range tasks {
		if t.Status == model.TaskCompleted {
			completed[t.ID] = struct{}{}
		}
	}
	out := make(map[string]Status, len(tasks))
	for _, t := range tasks {
		out[t.ID] = Classify(t.DependsOn, completed)
	}
	return out
}
