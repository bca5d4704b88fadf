// Package activity turns agent runtime events into externally visible
// progress updates.
package activity

import "context"

// Type of an external activity.
type Type string

const (
	TypeThought  Type = "thought"
	TypeAction   Type = "action"
	TypeResponse Type = "response"
)

// Activity is one progress update posted to an issue's agent session.
type Activity struct {
	Type      Type   `json:"type"`
	Body      string `json:"body"`
	Action    string `json:"action,omitempty"`
	Parameter string `json:"parameter,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// Sink is the external activity surface.
type Sink interface {
	// CreateAgentSession opens a session on the external surface for an
	// issue and returns its id.
	CreateAgentSession(ctx context.Context, issueID string) (string, error)
	PostActivity(ctx context.Context, sessionID string, a Activity) error
}
