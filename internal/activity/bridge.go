package activity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nidhogg/teamrelay/internal/runtime"
)

const (
	// MinInterval is the minimum gap between two posted activities. Messages
	// arriving inside the window are dropped, not queued.
	MinInterval = 2000 * time.Millisecond

	maxThoughtLen = 500
	maxSummaryLen = 100

	// CompletionBody is posted when the team run ends.
	CompletionBody = "Team execution completed."
)

var progressKeywords = []string{
	"teammate",
	"task",
	"completed",
	"spawning",
	"assigned",
	"blocked",
	"unblocked",
	"all tasks",
	"shutting down",
}

// Bridge classifies and throttles runtime messages for one session. Its
// throttle state is private, so concurrent runs never throttle each other.
type Bridge struct {
	sessionID string
	sink      Sink
	limiter   *rate.Limiter
	now       func() time.Time
	logger    *zap.Logger
}

// NewBridge creates a bridge posting to sessionID on sink.
func NewBridge(sessionID string, sink Sink, logger *zap.Logger) *Bridge {
	return &Bridge{
		sessionID: sessionID,
		sink:      sink,
		limiter:   rate.NewLimiter(rate.Every(MinInterval), 1),
		now:       time.Now,
		logger:    logger,
	}
}

// OnMessage posts an activity for msg if it is relevant and the throttle
// window has passed. Sink errors are logged and dropped.
func (b *Bridge) OnMessage(ctx context.Context, msg runtime.Message) {
	now := b.now()

	if msg.Type == runtime.MessageResult {
		b.limiter.ReserveN(now, 1)
		b.post(ctx, Activity{Type: TypeResponse, Body: CompletionBody})
		return
	}

	if b.limiter.TokensAt(now) < 1 {
		return
	}

	a, ok := classify(msg)
	if !ok {
		return
	}
	b.limiter.AllowN(now, 1)
	b.post(ctx, a)
}

func (b *Bridge) post(ctx context.Context, a Activity) {
	if err := b.sink.PostActivity(ctx, b.sessionID, a); err != nil {
		b.logger.Warn("post activity failed",
			zap.String("session", b.sessionID),
			zap.String("type", string(a.Type)),
			zap.Error(err))
	}
}

func classify(msg runtime.Message) (Activity, bool) {
	switch msg.Type {
	case runtime.MessageAssistant:
		if !isProgressText(msg.Text) {
			return Activity{}, false
		}
		return Activity{Type: TypeThought, Body: truncate(msg.Text, maxThoughtLen)}, true
	case runtime.MessageToolUse:
		action, param, ok := describeTool(msg.ToolName, msg.ToolInput)
		if !ok {
			return Activity{}, false
		}
		body := action
		if param != "" {
			body = action + ": " + param
		}
		return Activity{
			Type:      TypeAction,
			Body:      body,
			Action:    action,
			Parameter: param,
			Ephemeral: readOnlyTools[msg.ToolName],
		}, true
	}
	return Activity{}, false
}

func isProgressText(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range progressKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// readOnlyTools only inspect the task list; sinks may show their actions
// transiently.
var readOnlyTools = map[string]bool{"TaskList": true, "TaskGet": true}

// describeTool maps team tools to an (action, parameter) pair. Any other
// tool is not surfaced.
func describeTool(name string, input map[string]any) (string, string, bool) {
	switch name {
	case "TaskCreate":
		return "Create task", str(input, "subject"), true
	case "TaskUpdate":
		param := "#" + str(input, "taskId")
		if s := str(input, "status"); s != "" {
			param += " → " + s
		}
		if o := str(input, "owner"); o != "" {
			param += " (" + o + ")"
		}
		return "Update task", param, true
	case "TaskList":
		return "List tasks", "", true
	case "TaskGet":
		return "Get task", "#" + str(input, "taskId"), true
	case "SendMessage":
		summary := str(input, "summary")
		if summary == "" {
			summary = str(input, "content")
		}
		return "Send message", fmt.Sprintf("to %s: %s", str(input, "recipient"), truncate(summary, maxSummaryLen)), true
	case "Task":
		name := str(input, "name")
		if name == "" {
			name = str(input, "description")
		}
		return "Spawn teammate", name, true
	case "TeamCreate":
		return "Create team", str(input, "team_name"), true
	case "TeamDelete":
		return "Disband team", "", true
	}
	return "", "", false
}

func str(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
