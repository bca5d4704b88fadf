// Package session tracks agent sessions per repository and converts them to
// and from the persisted snapshot table.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrInvalidStatus   = errors.New("invalid session status")
)

// Registry holds the sessions of one repository. Sessions live in an
// append-only arena; the index maps session ids to arena positions.
type Registry struct {
	repoID   string
	sessions []*AgentSession
	index    map[string]int
	now      func() time.Time
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewRegistry creates an empty registry for a repository.
func NewRegistry(repoID string, logger *zap.Logger) *Registry {
	return &Registry{
		repoID: repoID,
		index:  make(map[string]int),
		now:    time.Now,
		logger: logger,
	}
}

// RepositoryID returns the repository this registry serves.
func (r *Registry) RepositoryID() string { return r.repoID }

// Create registers a new active session with no downstream runner id.
func (r *Registry) Create(sessionID, issueID string, summary IssueSummary, ws Workspace, platform string) (*AgentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[sessionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	now := r.now()
	s := &AgentSession{
		ID:           sessionID,
		IssueID:      issueID,
		Status:       StatusActive,
		Platform:     platform,
		CreatedAt:    now,
		UpdatedAt:    now,
		IssueSummary: summary,
		Workspace:    ws,
	}
	r.index[sessionID] = len(r.sessions)
	r.sessions = append(r.sessions, s)

	r.logger.Info("created session",
		zap.String("repo", r.repoID),
		zap.String("session", sessionID),
		zap.String("issue", issueID))
	return s.Clone(), nil
}

// Get returns a copy of the session.
func (r *Registry) Get(sessionID string) (*AgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.lookup(sessionID)
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// FindResumableSession returns the most recently updated complete session
// for the issue that carries a downstream runner id. Open and errored
// sessions are never returned.
func (r *Registry) FindResumableSession(issueID string) (*AgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *AgentSession
	for _, s := range r.sessions {
		if s.IssueID != issueID || !s.Resumable() {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, false
	}
	return best.Clone(), true
}

// ListByIssue returns the issue's sessions in creation order.
func (r *Registry) ListByIssue(issueID string) []*AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*AgentSession
	for _, s := range r.sessions {
		if s.IssueID == issueID {
			out = append(out, s.Clone())
		}
	}
	return out
}

// List returns every session in creation order.
func (r *Registry) List() []*AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentSession, len(r.sessions))
	for i, s := range r.sessions {
		out[i] = s.Clone()
	}
	return out
}

// SetStatus moves the session to a new status.
func (r *Registry) SetStatus(sessionID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return r.mutate(sessionID, func(s *AgentSession) {
		s.Status = status
	})
}

// SetRunnerSessionID records the id assigned by the agent runtime.
func (r *Registry) SetRunnerSessionID(sessionID, runnerID string) error {
	return r.mutate(sessionID, func(s *AgentSession) {
		s.DownstreamRunnerSessionID = runnerID
	})
}

// SetModel records the model and tool list the runtime reported.
func (r *Registry) SetModel(sessionID, model string, tools []string) error {
	return r.mutate(sessionID, func(s *AgentSession) {
		m := s.meta()
		if model != "" {
			m.Model = model
		}
		if tools != nil {
			m.Tools = append([]string(nil), tools...)
		}
	})
}

// RecordUsage adds a usage summary and cost to the session totals.
func (r *Registry) RecordUsage(sessionID string, usage Usage, costUSD float64) error {
	return r.mutate(sessionID, func(s *AgentSession) {
		m := s.meta()
		if m.Usage == nil {
			m.Usage = &Usage{}
		}
		m.Usage.InputTokens += usage.InputTokens
		m.Usage.OutputTokens += usage.OutputTokens
		m.TotalCostUSD += costUSD
	})
}

// SetProcedure starts tracking a procedure at its first step.
func (r *Registry) SetProcedure(sessionID, name string) error {
	return r.mutate(sessionID, func(s *AgentSession) {
		s.meta().Procedure = &Procedure{Name: name, StepHistory: []string{}}
	})
}

// AdvanceProcedure records a finished step and moves to the next one.
func (r *Registry) AdvanceProcedure(sessionID, step string) error {
	var err error
	mErr := r.mutate(sessionID, func(s *AgentSession) {
		m := s.meta()
		if m.Procedure == nil {
			err = fmt.Errorf("session %s has no procedure", sessionID)
			return
		}
		m.Procedure.StepHistory = append(m.Procedure.StepHistory, step)
		m.Procedure.CurrentStepIndex++
	})
	if mErr != nil {
		return mErr
	}
	return err
}

func (s *AgentSession) meta() *Metadata {
	if s.Metadata == nil {
		s.Metadata = &Metadata{}
	}
	return s.Metadata
}

// mutate applies fn and moves UpdatedAt forward. UpdatedAt never goes back,
// even if the wall clock does.
func (r *Registry) mutate(sessionID string, fn func(*AgentSession)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	fn(s)
	if now := r.now(); now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
	return nil
}

func (r *Registry) lookup(sessionID string) (*AgentSession, bool) {
	i, ok := r.index[sessionID]
	if !ok {
		return nil, false
	}
	return r.sessions[i], true
}

// Pack returns the session table keyed by session id.
func (r *Registry) Pack() map[string]*AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*AgentSession, len(r.sessions))
	for _, s := range r.sessions {
		out[s.ID] = s.Clone()
	}
	return out
}

// Unpack replaces the registry contents with a persisted table. Key order in
// the table is irrelevant; the arena is rebuilt in creation order.
func (r *Registry) Unpack(table map[string]*AgentSession) {
	sessions := make([]*AgentSession, 0, len(table))
	for id, s := range table {
		if s == nil {
			continue
		}
		c := s.Clone()
		c.ID = id
		if c.UpdatedAt.Before(c.CreatedAt) {
			c.UpdatedAt = c.CreatedAt
		}
		sessions = append(sessions, c)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = sessions
	r.index = make(map[string]int, len(sessions))
	for i, s := range sessions {
		r.index[s.ID] = i
	}
}
