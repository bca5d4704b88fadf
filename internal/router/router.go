// Package router turns issue events into coordinated agent runs: it scores
// and routes the issue, builds the task graph, picks or creates the agent
// session and hands the run to the scheduler.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/teamrelay/internal/activity"
	"github.com/nidhogg/teamrelay/internal/orchestrator"
	"github.com/nidhogg/teamrelay/internal/routing"
	"github.com/nidhogg/teamrelay/internal/runtime"
	"github.com/nidhogg/teamrelay/internal/session"
	"github.com/nidhogg/teamrelay/internal/state"
	"github.com/nidhogg/teamrelay/internal/taskgraph"
)

var (
	ErrUnknownRepository = errors.New("unknown repository")
	ErrInvalidEvent      = errors.New("invalid issue event")
)

const archiveTimeout = 10 * time.Second

// IssueEvent is an inbound issue or comment event, already parsed and
// verified by the transport.
type IssueEvent struct {
	RepositoryID string               `json:"repositoryId"`
	IssueID      string               `json:"issueId"`
	Identifier   string               `json:"identifier"`
	Title        string               `json:"title"`
	Description  string               `json:"description"`
	Labels       []string             `json:"labels"`
	BranchName   string               `json:"branchName"`
	Prompt       string               `json:"prompt"`
	Platform     string               `json:"platform"`
	Workspace    session.Workspace    `json:"workspace"`
	SubIssues    []taskgraph.SubIssue `json:"subIssues,omitempty"`
}

// Repository is the routing configuration of one repository.
type Repository struct {
	ID       string
	Path     string
	Rules    []routing.Rule
	Defaults routing.Defaults
	// Models maps agent roles to runtime model names.
	Models map[string]string
}

// Dispatch describes how an event was handled.
type Dispatch struct {
	SessionID       string                  `json:"sessionId"`
	RepositoryID    string                  `json:"repositoryId"`
	IssueID         string                  `json:"issueId"`
	Complexity      routing.ComplexityScore `json:"complexity"`
	Decision        routing.Decision        `json:"decision"`
	Procedure       string                  `json:"procedure,omitempty"`
	Graph           *taskgraph.Graph        `json:"graph,omitempty"`
	ResumeSessionID string                  `json:"resumeSessionId,omitempty"`
	TeamName        string                  `json:"teamName"`
}

// Archiver stores finished sessions. *store.Store satisfies it.
type Archiver interface {
	ArchiveSession(ctx context.Context, repoID string, sess *session.AgentSession) error
}

// IssueRouter routes issue events to coordinator runs.
type IssueRouter struct {
	repos    map[string]Repository
	catalog  *session.Catalog
	state    *state.Store[session.Snapshot]
	sink     activity.Sink
	rt       runtime.Runtime
	sched    *orchestrator.Scheduler
	archiver Archiver
	locks    *keyedMutex
	saveMu   sync.Mutex
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// New creates an IssueRouter.
func New(repos []Repository, catalog *session.Catalog, st *state.Store[session.Snapshot],
	sink activity.Sink, rt runtime.Runtime, sched *orchestrator.Scheduler, logger *zap.Logger) *IssueRouter {
	byID := make(map[string]Repository, len(repos))
	for _, r := range repos {
		byID[r.ID] = r
	}
	return &IssueRouter{
		repos:   byID,
		catalog: catalog,
		state:   st,
		sink:    sink,
		rt:      rt,
		sched:   sched,
		locks:   newKeyedMutex(),
		logger:  logger,
	}
}

// SetArchiver enables archiving of finished sessions.
func (r *IssueRouter) SetArchiver(a Archiver) {
	r.archiver = a
}

// Catalog returns the session catalog the router writes to.
func (r *IssueRouter) Catalog() *session.Catalog { return r.catalog }

// Handle routes one event. Events for the same issue are serialized; a
// run already live for the issue is stopped before the new one starts and
// becomes the resume point when it recorded a runtime session.
func (r *IssueRouter) Handle(ctx context.Context, ev IssueEvent) (*Dispatch, error) {
	repo, ok := r.repos[ev.RepositoryID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRepository, ev.RepositoryID)
	}
	if ev.IssueID == "" {
		return nil, fmt.Errorf("%w: issue id is required", ErrInvalidEvent)
	}

	unlock := r.locks.Lock(ev.IssueID)
	defer unlock()

	r.logger.Info("routing issue event",
		zap.String("repository", repo.ID),
		zap.String("issue", ev.IssueID),
		zap.String("identifier", ev.Identifier),
		zap.String("platform", ev.Platform))

	d := &Dispatch{RepositoryID: repo.ID, IssueID: ev.IssueID}
	d.Complexity = routing.Score(ev.Title, ev.Description, ev.Labels)
	decision := routing.Evaluate(repo.Rules, ev.Labels, d.Complexity, repo.Defaults)
	d.Decision = routing.AssignModels(decision, repo.Models)

	if d.Decision.Pattern.RequiresTeam() {
		d.Procedure = routing.SelectProcedure(d.Decision, ev.Labels, len(ev.SubIssues) > 0)
		graph, err := taskgraph.Build(d.Procedure, ev.SubIssues)
		if err != nil {
			return nil, fmt.Errorf("build %s task graph: %w", d.Procedure, err)
		}
		d.Graph = graph
	}

	r.logger.Info("routing decision",
		zap.String("issue", ev.IssueID),
		zap.String("complexity", string(d.Complexity)),
		zap.String("pattern", string(d.Decision.Pattern)),
		zap.Strings("agents", d.Decision.Agents),
		zap.String("procedure", d.Procedure),
		zap.String("reasoning", d.Decision.Reasoning))

	if r.sched.StopIssue(ev.IssueID) {
		r.logger.Info("stopped previous run", zap.String("issue", ev.IssueID))
	}

	reg := r.catalog.Registry(repo.ID)
	if prev, ok := reg.FindResumableSession(ev.IssueID); ok {
		d.ResumeSessionID = prev.DownstreamRunnerSessionID
		r.logger.Info("resuming session",
			zap.String("issue", ev.IssueID),
			zap.String("previous", prev.ID),
			zap.String("runner_session", prev.DownstreamRunnerSessionID))
	}

	sessionID, err := r.sink.CreateAgentSession(ctx, ev.IssueID)
	if err != nil {
		return nil, fmt.Errorf("create agent session: %w", err)
	}
	summary := session.IssueSummary{
		ID:         ev.IssueID,
		Identifier: ev.Identifier,
		Title:      ev.Title,
		BranchName: ev.BranchName,
	}
	if _, err := reg.Create(sessionID, ev.IssueID, summary, ev.Workspace, ev.Platform); err != nil {
		return nil, err
	}
	d.SessionID = sessionID
	if d.Procedure != "" {
		if err := reg.SetProcedure(sessionID, d.Procedure); err != nil {
			return nil, err
		}
	}
	if err := r.save(); err != nil {
		return nil, err
	}

	workDir := ev.Workspace.Path
	if workDir == "" {
		workDir = repo.Path
	}
	bridge := activity.NewBridge(sessionID, r.sink, r.logger.Named("bridge"))
	coord := orchestrator.NewCoordinator(r.rt, reg, bridge, r.logger.Named("coordinator"))
	run := orchestrator.Run{
		SessionID:       sessionID,
		Prompt:          ev.Prompt,
		Decision:        d.Decision,
		Graph:           d.Graph,
		ResumeSessionID: d.ResumeSessionID,
		WorkingDir:      workDir,
	}
	if err := r.sched.Launch(ctx, ev.IssueID, coord, run); err != nil {
		// No coordinator owns the session, so close it here.
		if sErr := reg.SetStatus(sessionID, session.StatusError); sErr != nil {
			r.logger.Warn("mark session error failed", zap.String("session", sessionID), zap.Error(sErr))
		}
		if sErr := r.save(); sErr != nil {
			r.logger.Error("save state failed", zap.Error(sErr))
		}
		return nil, fmt.Errorf("launch run: %w", err)
	}
	d.TeamName = coord.TeamName()

	r.wg.Add(1)
	go r.finalize(repo.ID, sessionID, coord)
	return d, nil
}

// Stop stops the run for an issue. It reports whether a run was live.
func (r *IssueRouter) Stop(issueID string) bool {
	unlock := r.locks.Lock(issueID)
	defer unlock()
	return r.sched.StopIssue(issueID)
}

// Running returns the ids of issues with a live run.
func (r *IssueRouter) Running() []string { return r.sched.Running() }

// Shutdown stops every run, waits for their sessions to be finalized and
// flushes the state file.
func (r *IssueRouter) Shutdown(ctx context.Context) error {
	if err := r.sched.StopAll(ctx); err != nil {
		return fmt.Errorf("stop runs: %w", err)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.save()
}

// finalize waits for a run and persists its terminal session.
func (r *IssueRouter) finalize(repoID, sessionID string, coord *orchestrator.Coordinator) {
	defer r.wg.Done()
	<-coord.Done()
	out := coord.Outcome()

	fields := []zap.Field{
		zap.String("session", sessionID),
		zap.String("state", string(out.State)),
		zap.Duration("duration", out.Duration),
	}
	if out.Err != nil {
		fields = append(fields, zap.Error(out.Err))
	}
	r.logger.Info("run finished", fields...)

	if err := r.save(); err != nil {
		r.logger.Error("save state failed", zap.String("session", sessionID), zap.Error(err))
	}

	if r.archiver == nil {
		return
	}
	sess, ok := r.catalog.Registry(repoID).Get(sessionID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := r.archiver.ArchiveSession(ctx, repoID, sess); err != nil {
		r.logger.Warn("archive session failed", zap.String("session", sessionID), zap.Error(err))
	}
}

func (r *IssueRouter) save() error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if err := r.state.Save(r.catalog.Snapshot()); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}
