package routing

import (
	"fmt"
	"strings"
)

// ComplexityScore is a totally ordered size tier for an issue.
type ComplexityScore string

const (
	ComplexityS  ComplexityScore = "S"
	ComplexityM  ComplexityScore = "M"
	ComplexityL  ComplexityScore = "L"
	ComplexityXL ComplexityScore = "XL"
)

var complexityOrder = []ComplexityScore{ComplexityS, ComplexityM, ComplexityL, ComplexityXL}

// Rank returns the position of c in S < M < L < XL, or -1 if c is unknown.
func (c ComplexityScore) Rank() int {
	for i, v := range complexityOrder {
		if v == c {
			return i
		}
	}
	return -1
}

// Bump returns the next tier up. XL saturates.
func (c ComplexityScore) Bump() ComplexityScore {
	r := c.Rank()
	if r < 0 || r == len(complexityOrder)-1 {
		return c
	}
	return complexityOrder[r+1]
}

// ParseComplexity accepts s, m, l, xl in any case.
func ParseComplexity(s string) (ComplexityScore, bool) {
	c := ComplexityScore(strings.ToUpper(strings.TrimSpace(s)))
	if c.Rank() < 0 {
		return "", false
	}
	return c, true
}

// Pattern is the execution shape chosen for an issue.
type Pattern string

const (
	PatternSingle       Pattern = "single"
	PatternSubagents    Pattern = "subagents"
	PatternAgentTeam    Pattern = "agent-team"
	PatternOrchestrator Pattern = "orchestrator"
)

// Valid reports whether p is one of the known patterns.
func (p Pattern) Valid() bool {
	switch p {
	case PatternSingle, PatternSubagents, PatternAgentTeam, PatternOrchestrator:
		return true
	}
	return false
}

// RequiresTeam reports whether the pattern runs a coordinated team with a task graph.
func (p Pattern) RequiresTeam() bool {
	return p == PatternAgentTeam || p == PatternOrchestrator
}

// Match holds the criteria of a rule. Empty fields are not checked.
type Match struct {
	Labels     []string          `json:"labels,omitempty" yaml:"labels,omitempty"`
	Complexity []ComplexityScore `json:"complexity,omitempty" yaml:"complexity,omitempty"`
}

func (m Match) String() string {
	var parts []string
	if len(m.Labels) > 0 {
		parts = append(parts, "labels=["+strings.Join(m.Labels, ", ")+"]")
	}
	if len(m.Complexity) > 0 {
		cs := make([]string, len(m.Complexity))
		for i, c := range m.Complexity {
			cs[i] = string(c)
		}
		parts = append(parts, "complexity=["+strings.Join(cs, ", ")+"]")
	}
	if len(parts) == 0 {
		return "catch-all"
	}
	return strings.Join(parts, " ")
}

// Rule is one entry of a repository's ordered routing table.
type Rule struct {
	Match       Match    `json:"match" yaml:"match"`
	Pattern     Pattern  `json:"pattern" yaml:"pattern"`
	Agents      []string `json:"agents,omitempty" yaml:"agents,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	// Procedure optionally pins the team procedure for this rule.
	Procedure string `json:"procedure,omitempty" yaml:"procedure,omitempty"`
}

// Defaults apply when no rule matches.
type Defaults struct {
	Pattern Pattern  `json:"pattern" yaml:"pattern"`
	Agents  []string `json:"agents,omitempty" yaml:"agents,omitempty"`
}

// Decision is the outcome of rule evaluation.
type Decision struct {
	Pattern     Pattern           `json:"pattern"`
	Agents      []string          `json:"agents"`
	ModelByRole map[string]string `json:"model_by_role"`
	Reasoning   string            `json:"reasoning"`
	// Rule is the matched rule, nil when defaults were used.
	Rule *Rule `json:"-"`
}

func (d Decision) String() string {
	return fmt.Sprintf("%s %v (%s)", d.Pattern, d.Agents, d.Reasoning)
}
