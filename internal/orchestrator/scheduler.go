package orchestrator

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Scheduler tracks the coordinator running for each issue and bounds how
// many runs are live at once.
type Scheduler struct {
	mu      sync.RWMutex
	running map[string]*Coordinator
	pool    chan struct{} // semaphore-based pool
	logger  *zap.Logger
}

// NewScheduler creates a scheduler allowing poolSize concurrent runs.
func NewScheduler(poolSize int, logger *zap.Logger) *Scheduler {
	if poolSize <= 0 {
		poolSize = 10
	}
	return &Scheduler{
		running: make(map[string]*Coordinator),
		pool:    make(chan struct{}, poolSize),
		logger:  logger,
	}
}

// Launch starts c for issueID. A run already live for the issue is stopped
// and drained first. Launch blocks for a free slot until ctx is done; the
// run itself outlives ctx and ends only when the runtime finishes or the
// coordinator is stopped.
func (s *Scheduler) Launch(ctx context.Context, issueID string, c *Coordinator, run Run) error {
	if s.StopIssue(issueID) {
		s.logger.Info("replaced running coordinator", zap.String("issue", issueID))
	}

	select {
	case s.pool <- struct{}{}: // acquire slot
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.Start(context.WithoutCancel(ctx), run); err != nil {
		<-s.pool
		return err
	}

	s.mu.Lock()
	s.running[issueID] = c
	s.mu.Unlock()

	go func() {
		<-c.Done()
		<-s.pool // release slot
		s.mu.Lock()
		if s.running[issueID] == c {
			delete(s.running, issueID)
		}
		s.mu.Unlock()
	}()
	return nil
}

// Get returns the coordinator running for issueID.
func (s *Scheduler) Get(issueID string) (*Coordinator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.running[issueID]
	return c, ok
}

// StopIssue stops the run for issueID and waits for it to drain. It reports
// whether a run was live.
func (s *Scheduler) StopIssue(issueID string) bool {
	c, ok := s.Get(issueID)
	if !ok {
		return false
	}
	c.Stop()
	<-c.Done()
	return true
}

// StopAll stops every live run and waits for them until ctx is done.
func (s *Scheduler) StopAll(ctx context.Context) error {
	s.mu.RLock()
	coords := make([]*Coordinator, 0, len(s.running))
	for _, c := range s.running {
		coords = append(coords, c)
	}
	s.mu.RUnlock()

	for _, c := range coords {
		c.Stop()
	}
	for _, c := range coords {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Running returns the ids of issues with a live run.
func (s *Scheduler) Running() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
