// Package taskgraph builds the dependency-ordered task lists handed to a
// team lead. The graph is advisory context for the agent runtime; nothing in
// this module schedules the tasks.
package taskgraph

import (
	"errors"
	"fmt"
)

// Status of a team task as seen by the lead.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Task is one node of a team task graph.
type Task struct {
	ID             string   `json:"id"`
	Subject        string   `json:"subject"`
	Description    string   `json:"description"`
	Status         Status   `json:"status"`
	BlockedBy      []string `json:"blocked_by"`
	AssignTo       string   `json:"assign_to,omitempty"`
	SubroutineName string   `json:"subroutine_name"`
}

// Graph is the ordered task set for one session. Tasks only ever point at
// tasks that appear earlier in the slice.
type Graph struct {
	Procedure string `json:"procedure"`
	Tasks     []Task `json:"tasks"`
}

var (
	ErrInvalidGraph     = errors.New("invalid task graph")
	ErrUnknownProcedure = errors.New("unknown procedure")
	ErrDependencyCycle  = errors.New("sub-issue dependency cycle")
	ErrNoSubIssues      = errors.New("orchestrator procedure needs at least one sub-issue")
)

// Task returns the task with the given id.
func (g *Graph) Task(id string) (Task, bool) {
	for _, t := range g.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Roots returns the tasks with no blockers.
func (g *Graph) Roots() []Task {
	var out []Task
	for _, t := range g.Tasks {
		if len(t.BlockedBy) == 0 {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks id uniqueness, reference resolution and acyclicity.
func Validate(g *Graph) error {
	index := make(map[string]int, len(g.Tasks))
	for i, t := range g.Tasks {
		if t.ID == "" {
			return fmt.Errorf("%w: task %d has empty id", ErrInvalidGraph, i)
		}
		if _, dup := index[t.ID]; dup {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidGraph, t.ID)
		}
		index[t.ID] = i
	}
	for _, t := range g.Tasks {
		for _, dep := range t.BlockedBy {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("%w: task %q blocked by unknown task %q", ErrInvalidGraph, t.ID, dep)
			}
			if dep == t.ID {
				return fmt.Errorf("%w: task %q blocks itself", ErrInvalidGraph, t.ID)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(g.Tasks))
	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case visiting:
			return fmt.Errorf("%w: cycle through task %q", ErrInvalidGraph, g.Tasks[i].ID)
		case done:
			return nil
		}
		state[i] = visiting
		for _, dep := range g.Tasks[i].BlockedBy {
			if err := visit(index[dep]); err != nil {
				return err
			}
		}
		state[i] = done
		return nil
	}
	for i := range g.Tasks {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}

// mustValidate panics on an invalid built-in graph: that is a defect in a
// builder, not a runtime condition.
func mustValidate(g *Graph) *Graph {
	if err := Validate(g); err != nil {
		panic(fmt.Sprintf("taskgraph: %s builder produced %v", g.Procedure, err))
	}
	return g
}
