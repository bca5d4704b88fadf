package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const discordThreadArchiveMinutes = 1440

// DiscordAdapter posts each agent session as a thread in one channel.
type DiscordAdapter struct {
	token       string
	channelID   string
	session     *discordgo.Session
	threads     map[string]string // sessionID -> thread channel id
	connected   bool
	connectedAt time.Time
	lastError   string
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewDiscordAdapter creates a Discord gateway adapter.
func NewDiscordAdapter(token, channelID string, logger *zap.Logger) *DiscordAdapter {
	return &DiscordAdapter{
		token:     token,
		channelID: channelID,
		threads:   make(map[string]string),
		logger:    logger,
	}
}

func (a *DiscordAdapter) Platform() string { return "discord" }

// Connect opens the Discord gateway websocket.
func (a *DiscordAdapter) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		a.mu.Lock()
		a.lastError = fmt.Sprintf("session create: %v", err)
		a.mu.Unlock()
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages

	if err := session.Open(); err != nil {
		a.mu.Lock()
		a.lastError = fmt.Sprintf("open failed: %v", err)
		a.connected = false
		a.mu.Unlock()
		return fmt.Errorf("discord open: %w", err)
	}

	a.mu.Lock()
	a.session = session
	a.connected = true
	a.connectedAt = time.Now()
	a.lastError = ""
	a.mu.Unlock()

	guildCount := len(session.State.Guilds)
	if guildCount == 0 {
		a.logger.Warn("discord bot not added to any server, invite it first")
	}
	a.logger.Info("discord adapter connected",
		zap.String("user", session.State.User.Username),
		zap.Int("guilds", guildCount))
	return nil
}

// OpenSession posts a root message and starts a thread on it.
func (a *DiscordAdapter) OpenSession(ctx context.Context, sess *SessionInfo) error {
	s, err := a.live()
	if err != nil {
		return err
	}
	root, err := s.ChannelMessageSend(a.channelID,
		fmt.Sprintf("**Agent session started** for issue `%s`", sess.IssueID),
		discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send root: %w", err)
	}
	thread, err := s.MessageThreadStart(a.channelID, root.ID, threadName(sess), discordThreadArchiveMinutes,
		discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord start thread: %w", err)
	}

	a.mu.Lock()
	a.threads[sess.ID] = thread.ID
	a.mu.Unlock()
	return nil
}

// Send posts an activity into the session's thread, or to the channel when
// the session has no thread. Ephemeral activities are skipped.
func (a *DiscordAdapter) Send(ctx context.Context, msg *OutboundMessage) error {
	s, err := a.live()
	if err != nil {
		return err
	}
	if msg.Activity.Ephemeral {
		return nil
	}

	target := a.channelID
	a.mu.RLock()
	if id, ok := a.threads[msg.SessionID]; ok {
		target = id
	}
	a.mu.RUnlock()

	content := FormatText(msg.Activity, func(s string) string { return "**" + s + "**" })
	if _, err := s.ChannelMessageSend(target, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func (a *DiscordAdapter) live() (*discordgo.Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return nil, fmt.Errorf("discord adapter not connected")
	}
	return a.session, nil
}

func threadName(sess *SessionInfo) string {
	name := "agent " + sess.IssueID
	if len(name) > 100 {
		name = name[:100]
	}
	return name
}

// Close shuts down the Discord session.
func (a *DiscordAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		a.connected = false
		return a.session.Close()
	}
	return nil
}

func (a *DiscordAdapter) Status() AdapterStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := AdapterStatus{
		Platform:  "discord",
		Connected: a.connected,
		Error:     a.lastError,
	}
	if a.connected {
		t := a.connectedAt
		s.ConnectedAt = &t
		guildCount := 0
		if a.session != nil && a.session.State != nil {
			guildCount = len(a.session.State.Guilds)
		}
		s.Details = fmt.Sprintf("channel=%s, guilds=%d, threads=%d", a.channelID, guildCount, len(a.threads))
	}
	return s
}
