// Package orchestrator drives a lead agent session for one issue run. The
// runtime's own team feature does the actual scheduling; the coordinator
// only starts the lead, watches its event stream and records the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/teamrelay/internal/routing"
	"github.com/nidhogg/teamrelay/internal/runtime"
	"github.com/nidhogg/teamrelay/internal/session"
)

// SessionUpdater receives progress for the session a run reports into.
// *session.Registry satisfies it.
type SessionUpdater interface {
	SetStatus(sessionID string, status session.Status) error
	SetRunnerSessionID(sessionID, runnerID string) error
	SetModel(sessionID, model string, tools []string) error
	RecordUsage(sessionID string, usage session.Usage, costUSD float64) error
	AdvanceProcedure(sessionID, step string) error
}

// MessageHandler consumes runtime messages. *activity.Bridge satisfies it.
type MessageHandler interface {
	OnMessage(ctx context.Context, msg runtime.Message)
}

// Coordinator runs one lead session at a time.
type Coordinator struct {
	rt       runtime.Runtime
	sessions SessionUpdater
	handler  MessageHandler
	logger   *zap.Logger

	mu       sync.Mutex
	state    State
	run      Run
	teamName string
	sess     runtime.Session
	cancel   context.CancelFunc
	stopped  bool
	runnerID string
	started  time.Time
	done     chan struct{}
	outcome  Outcome
}

// NewCoordinator creates a coordinator. handler may be nil.
func NewCoordinator(rt runtime.Runtime, sessions SessionUpdater, handler MessageHandler, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		rt:       rt,
		sessions: sessions,
		handler:  handler,
		logger:   logger,
		state:    StateNotStarted,
		done:     make(chan struct{}),
	}
}

// Start launches the runtime for run and returns once the session is started.
// Messages are consumed in the background until the session ends.
func (c *Coordinator) Start(ctx context.Context, run Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		return ErrAlreadyRunning
	}
	if c.state.Terminal() {
		select {
		case <-c.done:
		default:
			// previous run is still draining
			return ErrAlreadyRunning
		}
		c.done = make(chan struct{})
		c.outcome = Outcome{}
		c.stopped = false
		c.runnerID = ""
	}

	c.run = run
	c.teamName = NewTeamName()
	req := runtime.StartRequest{
		Prompt:          BuildPrompt(run, c.teamName),
		ResumeSessionID: run.ResumeSessionID,
		WorkingDir:      run.WorkingDir,
		Model:           run.Decision.ModelByRole[routing.LeadRole],
		ModelByRole:     run.Decision.ModelByRole,
	}
	if run.Decision.Pattern.RequiresTeam() {
		req.TeamSize = len(run.Decision.Agents)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess, err := c.rt.Start(runCtx, req)
	if err != nil {
		cancel()
		c.state = StateFailed
		c.outcome = Outcome{State: StateFailed, Err: &SessionError{SessionID: run.SessionID, Cause: err}}
		close(c.done)
		if sErr := c.sessions.SetStatus(run.SessionID, session.StatusError); sErr != nil {
			c.logger.Warn("mark session error failed", zap.String("session", run.SessionID), zap.Error(sErr))
		}
		return fmt.Errorf("start runtime %s: %w", c.rt.Name(), err)
	}

	c.sess = sess
	c.cancel = cancel
	c.state = StateRunning
	c.started = time.Now()

	c.logger.Info("coordinator started",
		zap.String("session", run.SessionID),
		zap.String("team", c.teamName),
		zap.String("pattern", string(run.Decision.Pattern)),
		zap.Int("team_size", req.TeamSize),
		zap.Bool("resume", run.ResumeSessionID != ""))

	go c.consume(runCtx, sess, run)
	return nil
}

// Stop cancels the runtime session. Calling it more than once, or on a
// coordinator that is not running, does nothing.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state != StateRunning || c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.state = StateStopped
	sess, cancel, sessionID := c.sess, c.cancel, c.run.SessionID
	c.mu.Unlock()

	c.logger.Info("stopping coordinator", zap.String("session", sessionID))
	sess.Stop()
	cancel()
}

// State returns the current run state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether the runtime session is live.
func (c *Coordinator) Running() bool { return c.State() == StateRunning }

// TeamName is the name generated for the current run.
func (c *Coordinator) TeamName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teamName
}

// Done is closed when the current run has finished.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Outcome returns the run result. It is only meaningful after Done is closed.
func (c *Coordinator) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

func (c *Coordinator) consume(ctx context.Context, sess runtime.Session, run Run) {
	var held *runtime.Message
	dropped := 0

	// The channel is always drained to closure so the runtime never blocks,
	// but nothing produced after Stop is observed or forwarded.
	for msg := range sess.Messages() {
		if c.isStopped() {
			dropped++
			continue
		}
		c.observe(run.SessionID, msg)
		if msg.Type == runtime.MessageResult {
			m := msg
			held = &m
			continue
		}
		if c.handler != nil {
			c.handler.OnMessage(ctx, msg)
		}
	}

	if dropped > 0 {
		c.logger.Debug("discarded messages after stop",
			zap.String("session", run.SessionID),
			zap.Int("count", dropped))
	}

	waitErr := sess.Wait()
	outcome := c.finish(run, waitErr)

	if held != nil {
		if c.handler != nil {
			c.handler.OnMessage(context.WithoutCancel(ctx), *held)
		}
		if held.Usage != nil {
			u := session.Usage{InputTokens: held.Usage.InputTokens, OutputTokens: held.Usage.OutputTokens}
			if err := c.sessions.RecordUsage(run.SessionID, u, held.Usage.CostUSD); err != nil {
				c.logger.Warn("record usage failed", zap.String("session", run.SessionID), zap.Error(err))
			}
		}
	}

	c.mu.Lock()
	c.outcome = outcome
	done := c.done
	c.mu.Unlock()
	close(done)
}

func (c *Coordinator) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// observe records session facts carried by a message.
func (c *Coordinator) observe(sessionID string, msg runtime.Message) {
	c.mu.Lock()
	first := msg.SessionID != "" && c.runnerID == ""
	if first {
		c.runnerID = msg.SessionID
	}
	c.mu.Unlock()

	if first {
		if err := c.sessions.SetRunnerSessionID(sessionID, msg.SessionID); err != nil {
			c.logger.Warn("set runner session failed", zap.String("session", sessionID), zap.Error(err))
		}
		c.logger.Debug("runner session captured",
			zap.String("session", sessionID),
			zap.String("runner_session", msg.SessionID))
	}

	switch {
	case msg.Type == runtime.MessageSystem && msg.Subtype == "init" && msg.Model != "":
		if err := c.sessions.SetModel(sessionID, msg.Model, msg.Tools); err != nil {
			c.logger.Warn("set model failed", zap.String("session", sessionID), zap.Error(err))
		}
	case msg.Type == runtime.MessageToolUse && msg.ToolName == "TaskUpdate" && msg.ToolInput["status"] == "completed":
		step, _ := msg.ToolInput["taskId"].(string)
		if step == "" {
			step = fmt.Sprint(msg.ToolInput["taskId"])
		}
		if err := c.sessions.AdvanceProcedure(sessionID, step); err != nil {
			c.logger.Debug("advance procedure skipped", zap.String("session", sessionID), zap.Error(err))
		}
	}
}

// finish classifies the terminal error, moves the coordinator out of the
// running state and updates the session status.
func (c *Coordinator) finish(run Run, waitErr error) Outcome {
	c.mu.Lock()
	stopped := c.stopped
	out := Outcome{RunnerSessionID: c.runnerID, Duration: time.Since(c.started)}

	switch {
	case stopped || errors.Is(waitErr, runtime.ErrAborted):
		out.State = StateStopped
		out.Err = ErrUserAbort
	case waitErr == nil:
		out.State = StateCompleted
	case runtime.IsGracefulTermination(waitErr):
		out.State = StateCompleted
	default:
		out.State = StateFailed
		out.Err = &SessionError{SessionID: run.SessionID, Cause: waitErr}
	}
	c.state = out.State
	c.mu.Unlock()

	status := session.StatusComplete
	if out.State == StateFailed {
		status = session.StatusError
	}
	if err := c.sessions.SetStatus(run.SessionID, status); err != nil {
		c.logger.Warn("set session status failed", zap.String("session", run.SessionID), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("session", run.SessionID),
		zap.String("state", string(out.State)),
		zap.Duration("duration", out.Duration),
	}
	if waitErr != nil {
		fields = append(fields, zap.NamedError("runtime_error", waitErr))
	}
	if out.State == StateFailed {
		c.logger.Error("coordinator failed", fields...)
	} else {
		c.logger.Info("coordinator finished", fields...)
	}
	return out
}
