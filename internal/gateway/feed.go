package gateway

import (
	"context"
	"sync"
)

const defaultFeedSize = 200

// FeedAdapter keeps the most recent activities of each session in memory
// for the HTTP API.
type FeedAdapter struct {
	size    int
	history map[string][]OutboundMessage
	mu      sync.RWMutex
}

// NewFeedAdapter creates a feed keeping up to size entries per session.
func NewFeedAdapter(size int) *FeedAdapter {
	if size <= 0 {
		size = defaultFeedSize
	}
	return &FeedAdapter{size: size, history: make(map[string][]OutboundMessage)}
}

func (a *FeedAdapter) Platform() string { return "feed" }

func (a *FeedAdapter) Connect(_ context.Context) error { return nil }

func (a *FeedAdapter) OpenSession(_ context.Context, sess *SessionInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.history[sess.ID]; !ok {
		a.history[sess.ID] = nil
	}
	return nil
}

func (a *FeedAdapter) Send(_ context.Context, msg *OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := append(a.history[msg.SessionID], *msg)
	if len(h) > a.size {
		h = h[len(h)-a.size:]
	}
	a.history[msg.SessionID] = h
	return nil
}

// History returns up to limit recent activities of a session, oldest first.
func (a *FeedAdapter) History(sessionID string, limit int) []OutboundMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h := a.history[sessionID]
	if limit <= 0 || limit > len(h) {
		limit = len(h)
	}
	start := len(h) - limit
	return append([]OutboundMessage(nil), h[start:]...)
}

func (a *FeedAdapter) Close() error { return nil }
