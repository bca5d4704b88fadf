// Package gateway fans agent session activity out to the configured
// platforms. Each adapter sits behind its own circuit breaker so a failing
// platform cannot slow down the others.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/nidhogg/teamrelay/internal/activity"
)

// Default circuit breaker settings.
const (
	defaultMaxFailures uint32 = 5
	defaultTimeout            = 30 * time.Second
	defaultInterval           = 60 * time.Second
)

// BreakerSettings tunes the per-adapter circuit breaker.
type BreakerSettings struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before going half-open.
	Timeout time.Duration
	// Interval clears failure counts while closed. Zero never clears.
	Interval time.Duration
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.MaxFailures == 0 {
		s.MaxFailures = defaultMaxFailures
	}
	if s.Timeout == 0 {
		s.Timeout = defaultTimeout
	}
	if s.Interval == 0 {
		s.Interval = defaultInterval
	}
	return s
}

type registered struct {
	adapter GatewayAdapter
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// Gateway manages all platform adapters and implements activity.Sink.
type Gateway struct {
	adapters map[string]*registered
	sessions map[string]*SessionInfo
	breaker  BreakerSettings
	mu       sync.RWMutex
	logger   *zap.Logger
}

var _ activity.Sink = (*Gateway)(nil)

// NewGateway creates a gateway manager.
func NewGateway(settings BreakerSettings, logger *zap.Logger) *Gateway {
	return &Gateway{
		adapters: make(map[string]*registered),
		sessions: make(map[string]*SessionInfo),
		breaker:  settings.withDefaults(),
		logger:   logger,
	}
}

// Register adds an adapter behind a fresh circuit breaker.
func (g *Gateway) Register(adapter GatewayAdapter) {
	g.mu.Lock()
	defer g.mu.Unlock()

	platform := adapter.Platform()
	cfg := g.breaker
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "gateway:" + platform,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	g.adapters[platform] = &registered{adapter: adapter, breaker: cb}
	g.logger.Info("registered gateway adapter", zap.String("platform", platform))
}

// ConnectAll starts all registered adapters.
func (g *Gateway) ConnectAll(ctx context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for platform, r := range g.adapters {
		if err := r.adapter.Connect(ctx); err != nil {
			g.logger.Error("adapter connect failed",
				zap.String("platform", platform), zap.Error(err))
			return fmt.Errorf("connect %s: %w", platform, err)
		}
		g.logger.Info("adapter connected", zap.String("platform", platform))
	}
	return nil
}

// CreateAgentSession allocates a session id for issueID and opens it on
// every adapter. Adapter failures are logged; the session is still usable.
func (g *Gateway) CreateAgentSession(ctx context.Context, issueID string) (string, error) {
	sess := &SessionInfo{
		ID:        uuid.New().String(),
		IssueID:   issueID,
		CreatedAt: time.Now(),
	}

	g.mu.Lock()
	g.sessions[sess.ID] = sess
	g.mu.Unlock()

	for platform, r := range g.snapshot() {
		_, err := r.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, r.adapter.OpenSession(ctx, sess)
		})
		if err != nil {
			g.logger.Warn("open session failed",
				zap.String("platform", platform),
				zap.String("session", sess.ID),
				zap.Error(err))
		}
	}

	g.logger.Info("agent session created",
		zap.String("session", sess.ID),
		zap.String("issue", issueID))
	return sess.ID, nil
}

// PostActivity sends a to every adapter. It fails only when at least one
// adapter failed; the others still receive the activity.
func (g *Gateway) PostActivity(ctx context.Context, sessionID string, a activity.Activity) error {
	g.mu.RLock()
	sess, ok := g.sessions[sessionID]
	g.mu.RUnlock()

	msg := &OutboundMessage{SessionID: sessionID, Activity: a, SentAt: time.Now()}
	if ok {
		msg.IssueID = sess.IssueID
	}

	var errs []error
	for platform, r := range g.snapshot() {
		_, err := r.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, r.adapter.Send(ctx, msg)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				err = fmt.Errorf("%s circuit open: %w", platform, err)
			} else {
				err = fmt.Errorf("%s: %w", platform, err)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Session returns the session registered under id.
func (g *Gateway) Session(id string) (*SessionInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[id]
	return s, ok
}

// Close shuts down all adapters.
func (g *Gateway) Close() error {
	for platform, r := range g.snapshot() {
		if err := r.adapter.Close(); err != nil {
			g.logger.Error("adapter close failed",
				zap.String("platform", platform), zap.Error(err))
		}
	}
	return nil
}

// Adapters returns the list of registered platform names.
func (g *Gateway) Adapters() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.adapters))
	for p := range g.adapters {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// StatusAll reports every adapter with its breaker state.
func (g *Gateway) StatusAll() []AdapterStatus {
	adapters := g.snapshot()
	out := make([]AdapterStatus, 0, len(adapters))
	for platform, r := range adapters {
		st := AdapterStatus{Platform: platform, Connected: true}
		if sr, ok := r.adapter.(statusReporter); ok {
			st = sr.Status()
		}
		st.Breaker = r.breaker.State().String()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

func (g *Gateway) snapshot() map[string]*registered {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]*registered, len(g.adapters))
	for k, v := range g.adapters {
		out[k] = v
	}
	return out
}
