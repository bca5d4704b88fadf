package router

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/teamrelay/internal/gateway"
	"github.com/nidhogg/teamrelay/internal/orchestrator"
	"github.com/nidhogg/teamrelay/internal/routing"
	"github.com/nidhogg/teamrelay/internal/runtime"
	"github.com/nidhogg/teamrelay/internal/session"
	"github.com/nidhogg/teamrelay/internal/state"
	"github.com/nidhogg/teamrelay/internal/taskgraph"
)

type fakeArchiver struct {
	mu       sync.Mutex
	archived []*session.AgentSession
	ch       chan string
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{ch: make(chan string, 16)}
}

func (f *fakeArchiver) ArchiveSession(_ context.Context, _ string, s *session.AgentSession) error {
	f.mu.Lock()
	f.archived = append(f.archived, s)
	f.mu.Unlock()
	f.ch <- s.ID
	return nil
}

func (f *fakeArchiver) wait(t *testing.T, sessionID string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case id := <-f.ch:
			if id == sessionID {
				return
			}
		case <-timeout:
			t.Fatalf("session %s was not archived", sessionID)
		}
	}
}

type testEnv struct {
	router   *IssueRouter
	rt       *runtime.Stub
	feed     *gateway.FeedAdapter
	archiver *fakeArchiver
	state    *state.Store[session.Snapshot]
}

func newTestEnv(t *testing.T, delay time.Duration) *testEnv {
	t.Helper()
	return newTestEnvWithPool(t, delay, 4)
}

func newTestEnvWithPool(t *testing.T, delay time.Duration, pool int) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	gw := gateway.NewGateway(gateway.BreakerSettings{}, logger)
	feed := gateway.NewFeedAdapter(0)
	gw.Register(feed)

	st := state.New[session.Snapshot](filepath.Join(t.TempDir(), "state", "sessions.json"), logger)
	rt := runtime.NewStub(delay)
	repo := Repository{
		ID:   "repo-1",
		Path: "/src/repo",
		Rules: []routing.Rule{
			{Match: routing.Match{Labels: []string{"team"}}, Pattern: routing.PatternAgentTeam,
				Agents: []string{"researcher", "implementer", "verifier"}},
			{Match: routing.Match{Labels: []string{"epic"}}, Pattern: routing.PatternOrchestrator,
				Agents: []string{"implementer", "verifier"}},
		},
		Defaults: routing.Defaults{Pattern: routing.PatternSingle},
		Models:   map[string]string{"lead": "opus", "implementer": "sonnet"},
	}

	r := New([]Repository{repo}, session.NewCatalog(logger), st, gw, rt,
		orchestrator.NewScheduler(pool, logger), logger)
	arch := newFakeArchiver()
	r.SetArchiver(arch)
	return &testEnv{router: r, rt: rt, feed: feed, archiver: arch, state: st}
}

func TestHandleSingleAgent(t *testing.T) {
	env := newTestEnv(t, 0)

	d, err := env.router.Handle(context.Background(), IssueEvent{
		RepositoryID: "repo-1",
		IssueID:      "ISS-1",
		Identifier:   "ENG-1",
		Title:        "Fix typo",
		Description:  "There is a typo in the README.",
		Prompt:       "Fix it.",
		Platform:     "linear",
	})
	require.NoError(t, err)
	assert.Equal(t, routing.PatternSingle, d.Decision.Pattern)
	assert.Equal(t, routing.NoMatchReasoning, d.Decision.Reasoning)
	assert.Nil(t, d.Graph)
	assert.Empty(t, d.ResumeSessionID)

	env.archiver.wait(t, d.SessionID)

	s, ok := env.router.Catalog().Registry("repo-1").Get(d.SessionID)
	require.True(t, ok)
	assert.Equal(t, session.StatusComplete, s.Status)
	assert.NotEmpty(t, s.DownstreamRunnerSessionID)
	assert.Equal(t, "/src/repo", env.rt.Requests()[0].WorkingDir)

	snap, ok := env.state.Load()
	require.True(t, ok)
	require.Contains(t, snap, "repo-1")
	assert.Equal(t, session.StatusComplete, snap["repo-1"][d.SessionID].Status)

	h := env.feed.History(d.SessionID, 0)
	require.NotEmpty(t, h)
	assert.Equal(t, "Team execution completed.", h[len(h)-1].Activity.Body)
}

func TestHandleTeamBuildsGraph(t *testing.T) {
	env := newTestEnv(t, 0)

	d, err := env.router.Handle(context.Background(), IssueEvent{
		RepositoryID: "repo-1",
		IssueID:      "ISS-2",
		Title:        "Add export",
		Labels:       []string{"Team"},
		Prompt:       "Add CSV export.",
	})
	require.NoError(t, err)
	env.archiver.wait(t, d.SessionID)

	assert.Equal(t, routing.PatternAgentTeam, d.Decision.Pattern)
	assert.Equal(t, taskgraph.FullDevelopment, d.Procedure)
	require.NotNil(t, d.Graph)
	assert.Len(t, d.Graph.Tasks, 7)
	assert.Equal(t, "sonnet", d.Decision.ModelByRole["implementer"])
	assert.NotEmpty(t, d.TeamName)

	req := env.rt.Requests()[0]
	assert.Equal(t, 3, req.TeamSize)
	assert.Contains(t, req.Prompt, d.TeamName)

	s, _ := env.router.Catalog().Registry("repo-1").Get(d.SessionID)
	require.NotNil(t, s.Metadata)
	require.NotNil(t, s.Metadata.Procedure)
	assert.Equal(t, taskgraph.FullDevelopment, s.Metadata.Procedure.Name)
}

func TestHandleResumesPreviousSession(t *testing.T) {
	env := newTestEnv(t, 0)
	ev := IssueEvent{RepositoryID: "repo-1", IssueID: "ISS-3", Title: "Bug"}

	first, err := env.router.Handle(context.Background(), ev)
	require.NoError(t, err)
	env.archiver.wait(t, first.SessionID)
	prev, _ := env.router.Catalog().Registry("repo-1").Get(first.SessionID)

	second, err := env.router.Handle(context.Background(), ev)
	require.NoError(t, err)
	env.archiver.wait(t, second.SessionID)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, prev.DownstreamRunnerSessionID, second.ResumeSessionID)
	assert.Equal(t, second.ResumeSessionID, env.rt.Requests()[1].ResumeSessionID)
	assert.Len(t, env.router.Catalog().Registry("repo-1").ListByIssue("ISS-3"), 2)
}

func TestHandleStopsRunningIssue(t *testing.T) {
	env := newTestEnv(t, 30*time.Millisecond)
	ev := IssueEvent{RepositoryID: "repo-1", IssueID: "ISS-4", Title: "Slow"}

	first, err := env.router.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, []string{"ISS-4"}, env.router.Running())

	second, err := env.router.Handle(context.Background(), ev)
	require.NoError(t, err)
	env.archiver.wait(t, first.SessionID)

	s, _ := env.router.Catalog().Registry("repo-1").Get(first.SessionID)
	assert.Equal(t, session.StatusComplete, s.Status)

	assert.True(t, env.router.Stop("ISS-4"))
	env.archiver.wait(t, second.SessionID)
	assert.False(t, env.router.Stop("ISS-4"))
}

func TestHandleRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, 0)

	_, err := env.router.Handle(context.Background(), IssueEvent{RepositoryID: "nope", IssueID: "X"})
	assert.ErrorIs(t, err, ErrUnknownRepository)

	_, err = env.router.Handle(context.Background(), IssueEvent{RepositoryID: "repo-1"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = env.router.Handle(context.Background(), IssueEvent{
		RepositoryID: "repo-1",
		IssueID:      "EPIC-1",
		Labels:       []string{"epic"},
		SubIssues: []taskgraph.SubIssue{
			{ID: "a", Identifier: "A", DependsOn: []string{"b"}},
			{ID: "b", Identifier: "B", DependsOn: []string{"a"}},
		},
	})
	assert.ErrorIs(t, err, taskgraph.ErrDependencyCycle)
	assert.Empty(t, env.router.Catalog().Registry("repo-1").ListByIssue("EPIC-1"))
}

func TestHandleClosesSessionWhenLaunchTimesOut(t *testing.T) {
	env := newTestEnvWithPool(t, 100*time.Millisecond, 1)

	first, err := env.router.Handle(context.Background(), IssueEvent{RepositoryID: "repo-1", IssueID: "ISS-A"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = env.router.Handle(ctx, IssueEvent{RepositoryID: "repo-1", IssueID: "ISS-B"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	sessions := env.router.Catalog().Registry("repo-1").ListByIssue("ISS-B")
	require.Len(t, sessions, 1)
	assert.Equal(t, session.StatusError, sessions[0].Status)
	_, ok := env.router.Catalog().Registry("repo-1").FindResumableSession("ISS-B")
	assert.False(t, ok)

	snap, ok := env.state.Load()
	require.True(t, ok)
	assert.Equal(t, session.StatusError, snap["repo-1"][sessions[0].ID].Status)

	assert.True(t, env.router.Stop("ISS-A"))
	env.archiver.wait(t, first.SessionID)
}

func TestShutdownStopsRunsAndFlushes(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)

	d, err := env.router.Handle(context.Background(), IssueEvent{RepositoryID: "repo-1", IssueID: "ISS-5"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.router.Shutdown(ctx))
	assert.Empty(t, env.router.Running())

	snap, ok := env.state.Load()
	require.True(t, ok)
	assert.Equal(t, session.StatusComplete, snap["repo-1"][d.SessionID].Status)
}

func TestKeyedMutexSerializesKey(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")

	acquired := make(chan struct{})
	go func() {
		u := k.Lock("a")
		close(acquired)
		u()
	}()

	otherDone := make(chan struct{})
	go func() {
		k.Lock("b")()
		close(otherDone)
	}()
	<-otherDone

	select {
	case <-acquired:
		t.Fatal("second lock on the same key must wait")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
