package session

import (
	"slices"
	"time"
)

// Status is the lifecycle state of an AgentSession.
type Status string

const (
	StatusActive        Status = "active"
	StatusAwaitingInput Status = "awaiting-input"
	StatusComplete      Status = "complete"
	StatusError         Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusAwaitingInput, StatusComplete, StatusError:
		return true
	}
	return false
}

// Open reports whether the session still occupies its issue.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusAwaitingInput
}

// IssueSummary is the snapshot of the issue taken when the session is created.
type IssueSummary struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	BranchName string `json:"branchName"`
}

// Workspace is where the agent runtime operates.
type Workspace struct {
	Path          string `json:"path"`
	IsGitWorktree bool   `json:"isGitWorktree"`
}

// Usage is a token count summary reported by the runtime.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Procedure tracks progress through a named multi-step workflow.
type Procedure struct {
	Name             string   `json:"name"`
	CurrentStepIndex int      `json:"currentStepIndex"`
	StepHistory      []string `json:"stepHistory"`
}

// Metadata is optional runtime information attached to a session.
type Metadata struct {
	Model        string     `json:"model,omitempty"`
	Tools        []string   `json:"tools,omitempty"`
	TotalCostUSD float64    `json:"totalCost,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	Procedure    *Procedure `json:"procedure,omitempty"`
}

// AgentSession is one tracked attempt to resolve an issue.
type AgentSession struct {
	ID                        string       `json:"id"`
	IssueID                   string       `json:"issueId"`
	Status                    Status       `json:"status"`
	Platform                  string       `json:"platform,omitempty"`
	DownstreamRunnerSessionID string       `json:"downstreamRunnerSessionId,omitempty"`
	CreatedAt                 time.Time    `json:"createdAt"`
	UpdatedAt                 time.Time    `json:"updatedAt"`
	IssueSummary              IssueSummary `json:"issueSummary"`
	Workspace                 Workspace    `json:"workspace"`
	Metadata                  *Metadata    `json:"metadata,omitempty"`
}

// Resumable reports whether the session can seed a new run.
func (s *AgentSession) Resumable() bool {
	return s.Status == StatusComplete && s.DownstreamRunnerSessionID != ""
}

// Clone returns a deep copy so callers never share the registry's storage.
func (s *AgentSession) Clone() *AgentSession {
	c := *s
	if s.Metadata != nil {
		m := *s.Metadata
		m.Tools = slices.Clone(s.Metadata.Tools)
		if s.Metadata.Usage != nil {
			u := *s.Metadata.Usage
			m.Usage = &u
		}
		if s.Metadata.Procedure != nil {
			p := *s.Metadata.Procedure
			p.StepHistory = slices.Clone(s.Metadata.Procedure.StepHistory)
			m.Procedure = &p
		}
		c.Metadata = &m
	}
	return &c
}
