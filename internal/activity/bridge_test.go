package activity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/teamrelay/internal/runtime"
)

type recordingSink struct {
	mu    sync.Mutex
	posts []Activity
	err   error
}

func (s *recordingSink) CreateAgentSession(_ context.Context, issueID string) (string, error) {
	return "sess-" + issueID, nil
}

func (s *recordingSink) PostActivity(_ context.Context, _ string, a Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts = append(s.posts, a)
	return s.err
}

func (s *recordingSink) Posts() []Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Activity(nil), s.posts...)
}

func newTestBridge(sink Sink) (*Bridge, *time.Time) {
	b := NewBridge("s1", sink, zap.NewNop())
	now := time.UnixMilli(1_000_000)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBridgeThrottleDropsInsideWindow(t *testing.T) {
	sink := &recordingSink{}
	b, now := newTestBridge(sink)
	ctx := context.Background()

	b.OnMessage(ctx, runtime.Message{Type: runtime.MessageAssistant, Text: "Spawning 2 teammates"})
	*now = now.Add(1000 * time.Millisecond)
	b.OnMessage(ctx, runtime.Message{Type: runtime.MessageAssistant, Text: "task assigned to researcher"})

	posts := sink.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, TypeThought, posts[0].Type)
	assert.Equal(t, "Spawning 2 teammates", posts[0].Body)

	*now = now.Add(1000 * time.Millisecond)
	b.OnMessage(ctx, runtime.Message{Type: runtime.MessageAssistant, Text: "task blocked"})
	assert.Len(t, sink.Posts(), 2)
}

func TestBridgeIgnoresNonTeamTool(t *testing.T) {
	sink := &recordingSink{}
	b, _ := newTestBridge(sink)

	b.OnMessage(context.Background(), runtime.Message{
		Type:      runtime.MessageToolUse,
		ToolName:  "Read",
		ToolInput: map[string]any{"file_path": "main.go"},
	})
	assert.Empty(t, sink.Posts())

	// an ignored message does not consume the window
	b.OnMessage(context.Background(), runtime.Message{
		Type:      runtime.MessageToolUse,
		ToolName:  "TaskCreate",
		ToolInput: map[string]any{"subject": "Write tests"},
	})
	posts := sink.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, TypeAction, posts[0].Type)
	assert.Equal(t, "Create task", posts[0].Action)
	assert.Equal(t, "Write tests", posts[0].Parameter)
}

func TestBridgeIgnoresIrrelevantThought(t *testing.T) {
	sink := &recordingSink{}
	b, _ := newTestBridge(sink)
	b.OnMessage(context.Background(), runtime.Message{Type: runtime.MessageAssistant, Text: "Let me look at the code."})
	assert.Empty(t, sink.Posts())
}

func TestBridgeTruncatesThought(t *testing.T) {
	sink := &recordingSink{}
	b, _ := newTestBridge(sink)
	b.OnMessage(context.Background(), runtime.Message{
		Type: runtime.MessageAssistant,
		Text: "teammate " + strings.Repeat("x", 1000),
	})
	posts := sink.Posts()
	require.Len(t, posts, 1)
	assert.Len(t, []rune(posts[0].Body), maxThoughtLen)
	assert.True(t, strings.HasSuffix(posts[0].Body, "..."))
}

func TestBridgeResultAlwaysPosts(t *testing.T) {
	sink := &recordingSink{}
	b, _ := newTestBridge(sink)
	ctx := context.Background()

	b.OnMessage(ctx, runtime.Message{Type: runtime.MessageAssistant, Text: "all tasks done"})
	b.OnMessage(ctx, runtime.Message{Type: runtime.MessageResult, Subtype: "success"})

	posts := sink.Posts()
	require.Len(t, posts, 2)
	assert.Equal(t, TypeResponse, posts[1].Type)
	assert.Equal(t, CompletionBody, posts[1].Body)
}

func TestBridgeSwallowsSinkError(t *testing.T) {
	sink := &recordingSink{err: errors.New("unavailable")}
	b, _ := newTestBridge(sink)
	assert.NotPanics(t, func() {
		b.OnMessage(context.Background(), runtime.Message{Type: runtime.MessageResult})
	})
	assert.Len(t, sink.Posts(), 1)
}

func TestDescribeTool(t *testing.T) {
	cases := []struct {
		name   string
		input  map[string]any
		action string
		param  string
	}{
		{"TaskCreate", map[string]any{"subject": "Fix bug"}, "Create task", "Fix bug"},
		{"TaskUpdate", map[string]any{"taskId": "3", "status": "completed"}, "Update task", "#3 → completed"},
		{"TaskList", nil, "List tasks", ""},
		{"TaskGet", map[string]any{"taskId": 4}, "Get task", "#4"},
		{"SendMessage", map[string]any{"recipient": "qa", "summary": "ready for review"}, "Send message", "to qa: ready for review"},
		{"Task", map[string]any{"name": "researcher"}, "Spawn teammate", "researcher"},
		{"TeamCreate", map[string]any{"team_name": "team-1"}, "Create team", "team-1"},
		{"TeamDelete", nil, "Disband team", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			action, param, ok := describeTool(tc.name, tc.input)
			require.True(t, ok)
			assert.Equal(t, tc.action, action)
			assert.Equal(t, tc.param, param)
		})
	}

	_, _, ok := describeTool("Bash", map[string]any{"command": "ls"})
	assert.False(t, ok)
}

func TestSendMessageSummaryTruncated(t *testing.T) {
	_, param, _ := describeTool("SendMessage", map[string]any{
		"recipient": "dev",
		"content":   strings.Repeat("y", 300),
	})
	assert.Len(t, param, len("to dev: ")+maxSummaryLen)
}

func TestBridgeMarksReadOnlyActionsEphemeral(t *testing.T) {
	sink := &recordingSink{}
	b, now := newTestBridge(sink)
	ctx := context.Background()

	b.OnMessage(ctx, runtime.Message{Type: runtime.MessageToolUse, ToolName: "TaskList"})
	*now = now.Add(MinInterval)
	b.OnMessage(ctx, runtime.Message{Type: runtime.MessageToolUse, ToolName: "TaskGet",
		ToolInput: map[string]any{"taskId": "3"}})
	*now = now.Add(MinInterval)
	b.OnMessage(ctx, runtime.Message{Type: runtime.MessageToolUse, ToolName: "TaskUpdate",
		ToolInput: map[string]any{"taskId": "3", "status": "completed"}})

	posts := sink.Posts()
	require.Len(t, posts, 3)
	assert.True(t, posts[0].Ephemeral)
	assert.Equal(t, "List tasks", posts[0].Action)
	assert.True(t, posts[1].Ephemeral)
	assert.Equal(t, "#3", posts[1].Parameter)
	assert.False(t, posts[2].Ephemeral)
}
