// Package runtime defines the contract with the agent runtime that actually
// runs a coding agent. Concrete process adapters live outside this module.
package runtime

import (
	"context"
	"errors"
	"fmt"
)

// MessageType classifies a runtime message.
type MessageType string

const (
	MessageAssistant  MessageType = "assistant"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageSystem     MessageType = "system"
	MessageResult     MessageType = "result"
)

// Usage is the token and cost summary attached to a message.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Message is one event of a runtime session's ordered stream.
type Message struct {
	Type MessageType `json:"type"`

	// SessionID is the runtime's own session identifier, when it has one.
	SessionID string `json:"session_id,omitempty"`

	Subtype   string         `json:"subtype,omitempty"`
	Text      string         `json:"text,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	Model     string         `json:"model,omitempty"`
	Tools     []string       `json:"tools,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Usage     *Usage         `json:"usage,omitempty"`
}

// StartRequest describes a lead session to start or resume.
type StartRequest struct {
	Prompt string

	// ResumeSessionID continues a previous runtime session instead of starting cold.
	ResumeSessionID string

	WorkingDir string
	Model      string

	// TeamSize is the number of teammates the lead should spawn with the
	// runtime's own team feature. Zero means no team.
	TeamSize int

	ModelByRole map[string]string
}

// Session is a started runtime session.
type Session interface {
	// Messages delivers the session's events in order and is closed when
	// the session ends.
	Messages() <-chan Message
	// Stop asks the runtime to cancel. Safe to call more than once.
	Stop()
	// Wait returns the terminal error after Messages is closed.
	Wait() error
}

// Runtime starts agent sessions.
type Runtime interface {
	Name() string
	Start(ctx context.Context, req StartRequest) (Session, error)
}

// ErrAborted is returned by Wait when the session was stopped on request.
var ErrAborted = errors.New("runtime session aborted")

// TerminationError reports that the runtime process exited with a code.
type TerminationError struct {
	ExitCode int
	Err      error
}

func (e *TerminationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("runtime exited with code %d: %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("runtime exited with code %d", e.ExitCode)
}

func (e *TerminationError) Unwrap() error { return e.Err }

// Exit codes of a process ended by SIGTERM or SIGINT.
const (
	ExitSIGTERM = 143
	ExitSIGINT  = 130
)

// IsGracefulTermination reports whether err is a termination by a known signal.
func IsGracefulTermination(err error) bool {
	var te *TerminationError
	if !errors.As(err, &te) {
		return false
	}
	return te.ExitCode == ExitSIGTERM || te.ExitCode == ExitSIGINT
}
