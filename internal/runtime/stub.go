package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScriptFunc produces the messages a stub session replays and the error
// its Wait returns once they are delivered.
type ScriptFunc func(req StartRequest) ([]Message, error)

// Stub is a deterministic local runtime that emits a plausible team run
// without spawning any agent process.
type Stub struct {
	// Delay is the pause between messages.
	Delay  time.Duration
	Script ScriptFunc

	mu      sync.Mutex
	started []StartRequest
}

// NewStub creates a stub runtime using the default script.
func NewStub(delay time.Duration) *Stub {
	return &Stub{Delay: delay, Script: DefaultScript}
}

func (s *Stub) Name() string { return "stub" }

// Requests returns every StartRequest the stub has received.
func (s *Stub) Requests() []StartRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StartRequest(nil), s.started...)
}

// Start replays the script on a new session.
func (s *Stub) Start(ctx context.Context, req StartRequest) (Session, error) {
	script := s.Script
	if script == nil {
		script = DefaultScript
	}
	msgs, finalErr := script(req)

	s.mu.Lock()
	s.started = append(s.started, req)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	sess := &stubSession{
		ch:     make(chan Message),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sess.run(ctx, msgs, finalErr, s.Delay)
	return sess, nil
}

// DefaultScript emits an init message, team progress chatter, a few team
// tool calls and a result.
func DefaultScript(req StartRequest) ([]Message, error) {
	sid := req.ResumeSessionID
	if sid == "" {
		sid = uuid.New().String()
	}
	model := req.Model
	if model == "" {
		model = "stub-model"
	}
	msgs := []Message{
		{Type: MessageSystem, Subtype: "init", SessionID: sid, Model: model,
			Tools: []string{"Read", "Edit", "Bash", "TaskCreate", "TaskUpdate", "SendMessage", "Task"}},
		{Type: MessageAssistant, SessionID: sid, Text: fmt.Sprintf("Spawning %d teammates for the task list.", req.TeamSize)},
		{Type: MessageToolUse, SessionID: sid, ToolName: "TaskCreate",
			ToolInput: map[string]any{"subject": "Research the codebase"}},
		{Type: MessageToolResult, SessionID: sid, Text: "task created"},
		{Type: MessageToolUse, SessionID: sid, ToolName: "SendMessage",
			ToolInput: map[string]any{"recipient": "researcher", "content": "Start with the research task."}},
		{Type: MessageAssistant, SessionID: sid, Text: "All tasks completed, shutting down teammates."},
		{Type: MessageResult, Subtype: "success", SessionID: sid, Text: "stub: ok",
			Usage: &Usage{InputTokens: 1200, OutputTokens: 300, CostUSD: 0.01}},
	}
	return msgs, nil
}

type stubSession struct {
	ch     chan Message
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (s *stubSession) Messages() <-chan Message { return s.ch }

func (s *stubSession) Stop() { s.cancel() }

func (s *stubSession) Wait() error {
	<-s.done
	return s.err
}

func (s *stubSession) run(ctx context.Context, msgs []Message, finalErr error, delay time.Duration) {
	defer close(s.done)
	defer close(s.ch)
	defer s.cancel()

	for _, m := range msgs {
		if delay > 0 && !sleep(ctx, delay) {
			s.err = ErrAborted
			return
		}
		select {
		case <-ctx.Done():
			s.err = ErrAborted
			return
		case s.ch <- m:
		}
	}
	s.err = finalErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
