package routing

import (
	"slices"
	"strings"
)

// NoMatchReasoning is reported when the defaults are used.
const NoMatchReasoning = "no routing rule matched, using defaults"

// LeadRole is the role of the session that drives a team.
const LeadRole = "lead"

// Evaluate walks rules in order and returns the decision of the first match.
// There is no scoring: a later, more specific rule never beats an earlier one.
func Evaluate(rules []Rule, labels []string, complexity ComplexityScore, defaults Defaults) Decision {
	for i := range rules {
		rule := &rules[i]
		if !rule.matches(labels, complexity) {
			continue
		}
		agents := defaults.Agents
		if len(rule.Agents) > 0 {
			agents = rule.Agents
		}
		reasoning := rule.Description
		if reasoning == "" {
			reasoning = "matched rule " + rule.Match.String()
		}
		return Decision{
			Pattern:     rule.Pattern,
			Agents:      slices.Clone(agents),
			ModelByRole: map[string]string{},
			Reasoning:   reasoning,
			Rule:        rule,
		}
	}
	return Decision{
		Pattern:     defaults.Pattern,
		Agents:      slices.Clone(defaults.Agents),
		ModelByRole: map[string]string{},
		Reasoning:   NoMatchReasoning,
	}
}

func (r *Rule) matches(labels []string, complexity ComplexityScore) bool {
	if len(r.Match.Labels) > 0 && !containsAllFold(labels, r.Match.Labels) {
		return false
	}
	if len(r.Match.Complexity) > 0 && !slices.Contains(r.Match.Complexity, complexity) {
		return false
	}
	return true
}

func containsAllFold(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if strings.EqualFold(h, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AssignModels fills ModelByRole from a repository's role->model map for the
// lead and every agent in the decision. Roles without an entry are left out.
func AssignModels(d Decision, models map[string]string) Decision {
	out := make(map[string]string, len(d.Agents)+1)
	for _, role := range append([]string{LeadRole}, d.Agents...) {
		if m, ok := models[role]; ok && m != "" {
			out[role] = m
		}
	}
	d.ModelByRole = out
	return d
}

// Procedure names understood by the task graph builder.
const (
	ProcedureFullDevelopment = "full-development"
	ProcedureDebugger        = "debugger"
	ProcedureOrchestrator    = "orchestrator"
)

var bugLabels = []string{"bug", "defect", "regression", "incident"}

// SelectProcedure picks the team procedure for a decision. A procedure named
// by the matched rule wins; then orchestration for issues with sub-issues;
// then debugging for bug-like labels; otherwise full development.
func SelectProcedure(d Decision, labels []string, hasSubIssues bool) string {
	if d.Rule != nil && d.Rule.Procedure != "" {
		return d.Rule.Procedure
	}
	if d.Pattern == PatternOrchestrator && hasSubIssues {
		return ProcedureOrchestrator
	}
	for _, l := range labels {
		for _, b := range bugLabels {
			if strings.EqualFold(l, b) {
				return ProcedureDebugger
			}
		}
	}
	return ProcedureFullDevelopment
}
