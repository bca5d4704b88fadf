package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// AgentPersona defines how the agent appears on Slack.
type AgentPersona struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url"`
	Emoji   string `json:"emoji"` // fallback if no icon_url, e.g. ":robot_face:"
}

// SlackAdapter posts each agent session as a thread in one channel.
type SlackAdapter struct {
	channelID   string
	client      *slack.Client
	persona     *AgentPersona
	threads     map[string]string // sessionID -> thread_ts
	connected   bool
	connectedAt time.Time
	lastError   string
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewSlackAdapter creates a Slack gateway adapter.
// botToken is the Bot User OAuth Token (xoxb-...).
func NewSlackAdapter(botToken, channelID string, logger *zap.Logger, opts ...slack.Option) *SlackAdapter {
	return &SlackAdapter{
		channelID: channelID,
		client:    slack.New(botToken, opts...),
		threads:   make(map[string]string),
		logger:    logger,
	}
}

func (a *SlackAdapter) Platform() string { return "slack" }

// SetPersona sets the display persona used for every message.
func (a *SlackAdapter) SetPersona(persona *AgentPersona) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.persona = persona
}

// Connect verifies the bot token.
func (a *SlackAdapter) Connect(ctx context.Context) error {
	resp, err := a.client.AuthTestContext(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.lastError = fmt.Sprintf("auth test: %v", err)
		a.connected = false
		return fmt.Errorf("slack auth: %w", err)
	}
	a.connected = true
	a.connectedAt = time.Now()
	a.lastError = ""
	a.logger.Info("slack adapter connected",
		zap.String("team", resp.Team),
		zap.String("user", resp.User))
	return nil
}

// OpenSession posts the thread root for a session.
func (a *SlackAdapter) OpenSession(ctx context.Context, sess *SessionInfo) error {
	text := fmt.Sprintf("*Agent session started* for issue `%s`", sess.IssueID)
	opts := append([]slack.MsgOption{slack.MsgOptionText(text, false)}, a.personaOpts()...)

	_, ts, err := a.client.PostMessageContext(ctx, a.channelID, opts...)
	if err != nil {
		return fmt.Errorf("slack open thread: %w", err)
	}
	a.mu.Lock()
	a.threads[sess.ID] = ts
	a.mu.Unlock()
	return nil
}

// Send posts an activity into the session's thread, or to the channel when
// the session has no thread. Ephemeral activities are not kept in chat.
func (a *SlackAdapter) Send(ctx context.Context, msg *OutboundMessage) error {
	if msg.Activity.Ephemeral {
		return nil
	}
	text := FormatText(msg.Activity, func(s string) string { return "*" + s + "*" })
	opts := []slack.MsgOption{
		slack.MsgOptionText(text, false),
	}

	a.mu.RLock()
	ts, ok := a.threads[msg.SessionID]
	a.mu.RUnlock()
	if ok {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	opts = append(opts, a.personaOpts()...)

	_, _, err := a.client.PostMessageContext(ctx, a.channelID, opts...)
	if err != nil {
		a.logger.Error("slack send failed",
			zap.String("channel", a.channelID), zap.Error(err))
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// Thread returns the thread timestamp of a session.
func (a *SlackAdapter) Thread(sessionID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ts, ok := a.threads[sessionID]
	return ts, ok
}

func (a *SlackAdapter) personaOpts() []slack.MsgOption {
	a.mu.RLock()
	p := a.persona
	a.mu.RUnlock()
	if p == nil {
		return nil
	}

	opts := []slack.MsgOption{
		slack.MsgOptionUsername(p.Name),
	}
	if p.IconURL != "" {
		opts = append(opts, slack.MsgOptionIconURL(p.IconURL))
	} else if p.Emoji != "" {
		opts = append(opts, slack.MsgOptionIconEmoji(p.Emoji))
	}
	return opts
}

func (a *SlackAdapter) Status() AdapterStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := AdapterStatus{
		Platform:  "slack",
		Connected: a.connected,
		Error:     a.lastError,
		Details:   fmt.Sprintf("channel=%s, threads=%d", a.channelID, len(a.threads)),
	}
	if a.connected {
		t := a.connectedAt
		s.ConnectedAt = &t
	}
	return s
}

// Close is a no-op; the Web API client holds no connection.
func (a *SlackAdapter) Close() error {
	return nil
}
