package taskgraph

import (
	"fmt"
	"slices"
	"strings"
)

// Procedure names.
const (
	FullDevelopment = "full-development"
	Debugger        = "debugger"
	Orchestrator    = "orchestrator"
)

// SubIssue is one child issue of an orchestration parent.
type SubIssue struct {
	ID          string   `json:"id"`
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// ExternalDependencyTaskID is the marker task that stands in for any
// dependency on an issue outside the orchestrated set.
const ExternalDependencyTaskID = "external-dependencies"

// Build returns the graph for the named procedure.
func Build(procedure string, subIssues []SubIssue) (*Graph, error) {
	switch procedure {
	case FullDevelopment:
		return BuildFullDevelopment(), nil
	case Debugger:
		return BuildDebugger(), nil
	case Orchestrator:
		return BuildOrchestrator(subIssues)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcedure, procedure)
	}
}

func task(id, subject, desc, role, subroutine string, blockedBy ...string) Task {
	if blockedBy == nil {
		blockedBy = []string{}
	}
	return Task{
		ID:             id,
		Subject:        subject,
		Description:    desc,
		Status:         StatusPending,
		BlockedBy:      blockedBy,
		AssignTo:       role,
		SubroutineName: subroutine,
	}
}

// BuildFullDevelopment: research, implement, then verification and changelog
// in parallel, then commit, PR and summary.
func BuildFullDevelopment() *Graph {
	return mustValidate(&Graph{
		Procedure: FullDevelopment,
		Tasks: []Task{
			task("research", "Research the codebase",
				"Read the issue, locate the relevant code and write down an implementation plan.",
				"researcher", "research"),
			task("implement", "Implement the change",
				"Make the code changes described by the plan, including tests.",
				"implementer", "implementation", "research"),
			task("verify", "Run verifications",
				"Run the test suite, linters and type checks; fix anything that fails.",
				"verifier", "verifications", "implement"),
			task("changelog", "Update the changelog",
				"Add an entry describing the change to the changelog if the project keeps one.",
				"writer", "changelog-update", "implement"),
			task("commit", "Commit and push",
				"Commit the verified changes with a descriptive message and push the branch.",
				"implementer", "git-commit-push", "verify", "changelog"),
			task("pull-request", "Create or update the pull request",
				"Open a pull request for the branch or update the existing one.",
				"implementer", "gh-pr", "commit"),
			task("summary", "Summarize the work",
				"Write a concise summary of what changed and link the pull request.",
				"lead", "concise-summary", "pull-request"),
		},
	})
}

// BuildDebugger: three independent investigations feed a single fix.
func BuildDebugger() *Graph {
	return mustValidate(&Graph{
		Procedure: Debugger,
		Tasks: []Task{
			task("investigate-reproduction", "Reproduce the failure",
				"Find the smallest reliable reproduction and capture the failing output.",
				"investigator", "debugger-reproduction"),
			task("investigate-code-path", "Trace the code path",
				"Follow the failing path through the code and list suspicious sites.",
				"investigator", "debugger-code-path"),
			task("investigate-history", "Review recent history",
				"Check recent commits and related issues for changes that could explain the bug.",
				"investigator", "debugger-history"),
			task("fix", "Synthesize findings and fix",
				"Combine the three investigations into a root cause and implement the fix with a regression test.",
				"implementer", "debugger-fix",
				"investigate-reproduction", "investigate-code-path", "investigate-history"),
			task("verify", "Verify the fix",
				"Run the reproduction and the full test suite against the fix.",
				"verifier", "verifications", "fix"),
			task("ship", "Commit, push and open the pull request",
				"Commit the fix, push the branch and create or update the pull request.",
				"implementer", "git-gh", "verify"),
			task("summary", "Summarize the fix",
				"Explain the root cause and the fix in a short summary.",
				"lead", "concise-summary", "ship"),
		},
	})
}

func implementID(s SubIssue) string { return "implement-" + subIssueKey(s) }
func verifyID(s SubIssue) string    { return "verify-" + subIssueKey(s) }

func subIssueKey(s SubIssue) string {
	if s.Identifier != "" {
		return strings.ToLower(s.Identifier)
	}
	return s.ID
}

// BuildOrchestrator emits an implement and a verify task per sub-issue. A
// dependency of A on B blocks A's implement task on B's verify task, so
// downstream work only starts once upstream work is verified.
func BuildOrchestrator(subIssues []SubIssue) (*Graph, error) {
	if len(subIssues) == 0 {
		return nil, ErrNoSubIssues
	}
	keys := make(map[string]bool, len(subIssues))
	for _, s := range subIssues {
		if keys[subIssueKey(s)] {
			return nil, fmt.Errorf("%w: duplicate sub-issue %s", ErrInvalidGraph, subIssueKey(s))
		}
		keys[subIssueKey(s)] = true
	}

	// Dependencies may name a sub-issue by id or identifier, so both share
	// one namespace and must be unambiguous.
	known := make(map[string]SubIssue, 2*len(subIssues))
	owner := make(map[string]int, 2*len(subIssues))
	for i, s := range subIssues {
		for _, ref := range []string{s.ID, s.Identifier} {
			if ref == "" {
				continue
			}
			if j, ok := owner[ref]; ok && j != i {
				return nil, fmt.Errorf("%w: sub-issue reference %q is ambiguous (%s, %s)",
					ErrInvalidGraph, ref, subIssueKey(subIssues[j]), subIssueKey(s))
			}
			owner[ref] = i
			known[ref] = s
		}
	}

	ordered, err := orderSubIssues(subIssues)
	if err != nil {
		return nil, err
	}

	g := &Graph{Procedure: Orchestrator}
	external := false
	for _, s := range ordered {
		for _, dep := range s.DependsOn {
			if _, ok := known[dep]; !ok {
				external = true
			}
		}
	}
	if external {
		g.Tasks = append(g.Tasks, task(ExternalDependencyTaskID, "Wait for external dependencies",
			"One or more sub-issues depend on issues outside this set; confirm they are done before starting dependent work.",
			"lead", "external-dependency-check"))
	}

	for _, s := range ordered {
		var blockers []string
		for _, dep := range s.DependsOn {
			up, ok := known[dep]
			if !ok {
				blockers = appendUnique(blockers, ExternalDependencyTaskID)
				continue
			}
			blockers = appendUnique(blockers, verifyID(up))
		}
		label := s.Identifier
		if label == "" {
			label = s.ID
		}
		g.Tasks = append(g.Tasks,
			task(implementID(s), fmt.Sprintf("Implement %s: %s", label, s.Title),
				s.Description, "implementer", "implementation", blockers...),
			task(verifyID(s), fmt.Sprintf("Verify %s", label),
				fmt.Sprintf("Run verifications for %s and confirm the acceptance criteria hold.", label),
				"verifier", "verifications", implementID(s)),
		)
	}
	return mustValidate(g), nil
}

func appendUnique(s []string, v string) []string {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}

// orderSubIssues returns the sub-issues so every in-set dependency comes
// first. Ties keep input order.
func orderSubIssues(subIssues []SubIssue) ([]SubIssue, error) {
	pos := make(map[string]int, len(subIssues))
	for i, s := range subIssues {
		pos[s.ID] = i
		if s.Identifier != "" {
			pos[s.Identifier] = i
		}
	}

	indegree := make([]int, len(subIssues))
	dependents := make([][]int, len(subIssues))
	for i, s := range subIssues {
		seen := map[int]bool{}
		for _, dep := range s.DependsOn {
			j, ok := pos[dep]
			if !ok || seen[j] {
				continue
			}
			if j == i {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, subIssueKey(s))
			}
			seen[j] = true
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var out []SubIssue
	emitted := make([]bool, len(subIssues))
	for len(out) < len(subIssues) {
		progressed := false
		for i := range subIssues {
			if emitted[i] || indegree[i] > 0 {
				continue
			}
			emitted[i] = true
			progressed = true
			out = append(out, subIssues[i])
			for _, d := range dependents[i] {
				indegree[d]--
			}
			break
		}
		if !progressed {
			var stuck []string
			for i, s := range subIssues {
				if !emitted[i] {
					stuck = append(stuck, subIssueKey(s))
				}
			}
			return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(stuck, ", "))
		}
	}
	return out, nil
}
