package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/teamrelay/internal/activity"
)

// GatewayAdapter delivers agent session activity to one platform.
type GatewayAdapter interface {
	Platform() string
	Connect(ctx context.Context) error
	// OpenSession prepares the platform for a new agent session, e.g. by
	// starting a thread.
	OpenSession(ctx context.Context, sess *SessionInfo) error
	Send(ctx context.Context, msg *OutboundMessage) error
	Close() error
}

// SessionInfo identifies an agent session on the external surface.
type SessionInfo struct {
	ID        string    `json:"id"`
	IssueID   string    `json:"issue_id"`
	CreatedAt time.Time `json:"created_at"`
}

// OutboundMessage is one activity addressed to a session.
type OutboundMessage struct {
	SessionID string            `json:"session_id"`
	IssueID   string            `json:"issue_id"`
	Activity  activity.Activity `json:"activity"`
	SentAt    time.Time         `json:"sent_at"`
}

// AdapterStatus describes the state of a registered adapter.
type AdapterStatus struct {
	Platform    string     `json:"platform"`
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Breaker     string     `json:"breaker"`
	Error       string     `json:"error,omitempty"`
	Details     string     `json:"details,omitempty"`
}

// statusReporter is implemented by adapters that track their own connection.
type statusReporter interface {
	Status() AdapterStatus
}

// FormatText renders an activity as chat text. bold wraps emphasised text
// in the platform's markup.
func FormatText(a activity.Activity, bold func(string) string) string {
	switch a.Type {
	case activity.TypeAction:
		if a.Parameter == "" {
			return bold(a.Action)
		}
		return fmt.Sprintf("%s %s", bold(a.Action), a.Parameter)
	case activity.TypeThought:
		return "> " + a.Body
	default:
		return a.Body
	}
}
