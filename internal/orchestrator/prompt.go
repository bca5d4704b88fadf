package orchestrator

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nidhogg/teamrelay/internal/taskgraph"
)

// NewTeamName generates a unique team name for one run.
func NewTeamName() string {
	return "team-" + uuid.New().String()[:8]
}

// BuildPrompt composes the lead's instruction payload. Without a graph the
// caller prompt is passed through unchanged.
func BuildPrompt(run Run, teamName string) string {
	if run.Graph == nil || len(run.Graph.Tasks) == 0 {
		return run.Prompt
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the lead of agent team %q.\n", teamName)
	fmt.Fprintf(&b, "Create the team, spawn %d teammates (%s) and register every task below with TaskCreate, keeping the blocked-by links.\n",
		len(run.Decision.Agents), strings.Join(run.Decision.Agents, ", "))
	b.WriteString("Assign each task to its role, wait for blocked tasks to unblock, and shut the team down when all tasks are completed.\n\n")

	fmt.Fprintf(&b, "## Task list (%s)\n\n", run.Graph.Procedure)
	for _, t := range run.Graph.Tasks {
		writeTask(&b, t)
	}

	if run.Prompt != "" {
		b.WriteString("\n## Request\n\n")
		b.WriteString(run.Prompt)
		b.WriteString("\n")
	}
	return b.String()
}

func writeTask(b *strings.Builder, t taskgraph.Task) {
	fmt.Fprintf(b, "- [%s] %s", t.ID, t.Subject)
	if t.AssignTo != "" {
		fmt.Fprintf(b, " (role: %s)", t.AssignTo)
	}
	if len(t.BlockedBy) > 0 {
		fmt.Fprintf(b, " blocked by: %s", strings.Join(t.BlockedBy, ", "))
	}
	b.WriteString("\n")
	if t.Description != "" {
		fmt.Fprintf(b, "  %s\n", t.Description)
	}
}
