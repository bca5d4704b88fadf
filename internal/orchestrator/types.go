package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/teamrelay/internal/routing"
	"github.com/nidhogg/teamrelay/internal/taskgraph"
)

// State tracks a coordinator run.
type State string

const (
	StateNotStarted State = "not-started"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateStopped    State = "stopped"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

var (
	ErrAlreadyRunning = errors.New("coordinator already running")
	ErrUserAbort      = errors.New("run stopped by user")
)

// SessionError is a runtime failure attributed to an agent session.
type SessionError struct {
	SessionID string
	Cause     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Cause)
}

func (e *SessionError) Unwrap() error { return e.Cause }

// Run is the input for one coordinator run.
type Run struct {
	// SessionID is the registry session the run reports into.
	SessionID string
	Prompt    string
	Decision  routing.Decision
	// Graph is nil when the decision does not use a team.
	Graph *taskgraph.Graph

	ResumeSessionID string
	WorkingDir      string
}

// Outcome is the result of a finished run.
type Outcome struct {
	State           State         `json:"state"`
	RunnerSessionID string        `json:"runner_session_id,omitempty"`
	Err             error         `json:"-"`
	Duration        time.Duration `json:"duration"`
}
