package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/stepdebug/internal/logging"
	"github.com/shehryarbajwa/stepdebug/internal/prereq"
	"github.com/shehryarbajwa/stepdebug/pkg/models"
)

// runtime is shared by every session of a Manager
type runtime struct {
	contexts Contexts
	exec     StepExecutor
	runner   Prerequisites
	opts     Options
	log      *zap.Logger
	now      func() time.Time

	// background setup and continuous-play goroutines
	wg sync.WaitGroup
}

// Session is the state machine of one debug session.
//
// State lives behind mu. Engine calls happen outside the lock while the
// session sits in executing (or setup_in_progress), which is what rejects a
// second execution.
type Session struct {
	rt     *runtime
	script *models.TestScript
	target int
	last   int
	skip   bool
	owner  string // artifact owner, the context id the session started with
	log    *zap.Logger

	// cancelled when the session reaches a terminal state
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    models.DebugSession
	executed bool
	interval time.Duration
	playGen  int
	stopPlay context.CancelFunc
}

func newSession(rt *runtime, req models.StartDebugRequest, script *models.TestScript) *Session {
	id := uuid.New().String()
	now := rt.now()

	last := len(script.Steps)
	var end *int
	if req.EndStepNumber != nil {
		last = *req.EndStepNumber
		v := last
		end = &v
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		rt:     rt,
		script: script,
		target: req.TargetStepNumber,
		last:   last,
		skip:   req.SkipPrerequisites,
		log: rt.log.With(
			zap.String("session_id", logging.ShortID(id)),
			zap.Int64("execution_id", script.ExecutionID)),
		ctx:      ctx,
		cancel:   cancel,
		interval: rt.opts.ContinuousInterval,
		state: models.DebugSession{
			SessionID:         id,
			ExecutionID:       script.ExecutionID,
			TestID:            script.TestID,
			TargetStepNumber:  req.TargetStepNumber,
			EndStepNumber:     end,
			CurrentStepNumber: req.TargetStepNumber,
			Mode:              req.Mode,
			Status:            models.StatusSetupInProgress,
			Continuous:        req.Continuous,
			StartedAt:         now,
			LastActivityAt:    now,
		},
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.state.SessionID
}

// Snapshot returns a copy of the current state
func (s *Session) Snapshot() models.DebugSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() models.DebugSession {
	snap := s.state
	if v := s.state.EndStepNumber; v != nil {
		end := *v
		snap.EndStepNumber = &end
	}
	if v := s.state.FailedStep; v != nil {
		step := *v
		snap.FailedStep = &step
	}
	if v := s.state.FinishedAt; v != nil {
		at := *v
		snap.FinishedAt = &at
	}
	if v := s.state.LastResult; v != nil {
		result := *v
		snap.LastResult = &result
	}
	return snap
}

func (s *Session) acquire(ctx context.Context, userID string) error {
	c, err := s.rt.contexts.Acquire(ctx, s.script.TestID, userID)
	if err != nil {
		s.cancel()
		return err
	}

	s.mu.Lock()
	s.state.ContextID = c.ID
	s.owner = c.ID
	s.mu.Unlock()
	return nil
}

// begin moves a freshly acquired session into setup
func (s *Session) begin() {
	s.mu.Lock()
	switch {
	case s.state.Mode == models.ModeAuto:
		s.rt.wg.Add(1)
		go s.runSetup(s.state.ContextID)
		s.mu.Unlock()
	case s.awaitsConfirmation():
		s.log.Info("waiting for manual setup confirmation", zap.Int("prerequisites", s.target-1))
		s.mu.Unlock()
	default:
		s.readyLocked(0)
		id := s.state.ContextID
		s.mu.Unlock()
		s.keepAlive(id)
	}
}

func (s *Session) awaitsConfirmation() bool {
	return s.rt.opts.RequireManualConfirmation && !s.skip && s.target > 1
}

func (s *Session) readyLocked(setupCost int64) {
	s.state.Status = models.StatusReady
	s.state.SetupCompleted = true
	s.state.TokensUsed += setupCost
	s.touchLocked()

	if s.state.Continuous && s.stopPlay == nil {
		s.startPlayLocked()
	}
}

func (s *Session) touchLocked() {
	s.state.LastActivityAt = s.rt.now()
}

// keepAlive resets the pool's idle timer to match last_activity_at.
// Call it without holding mu.
func (s *Session) keepAlive(contextID string) {
	if contextID == "" {
		return
	}
	if err := s.rt.contexts.Touch(contextID); err != nil {
		s.log.Debug("context gone before touch", zap.Error(err))
	}
}

func (s *Session) runSetup(contextID string) {
	defer s.rt.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.rt.opts.SetupTimeout)
	defer cancel()

	var steps []models.TestStep
	if !s.skip {
		steps = s.script.Prerequisites(s.target)
	}

	s.log.Info("running prerequisites", zap.Int("steps", len(steps)))
	res, err := s.rt.runner.Run(ctx, contextID, s.script.BaseURL, steps)

	s.mu.Lock()
	if s.state.Status != models.StatusSetupInProgress {
		// stopped while setup was running
		s.mu.Unlock()
		return
	}

	if err == nil {
		s.log.Info("setup complete", zap.Int("executed", res.Executed))
		s.readyLocked(s.rt.opts.SetupCost)
		s.mu.Unlock()
		s.keepAlive(contextID)
		return
	}

	var failed *prereq.StepFailedError
	if errors.As(err, &failed) && failed.Step > 0 {
		step := failed.Step
		s.state.FailedStep = &step
	}
	s.log.Warn("setup failed", zap.Error(err))
	id := s.finishLocked(models.StatusFailed, "setup failed: "+err.Error())
	s.mu.Unlock()

	s.release(id)
}

// ConfirmSetup records that the operator reached the target state by hand
func (s *Session) ConfirmSetup() (models.DebugSession, error) {
	s.mu.Lock()
	if s.state.Mode != models.ModeManual || s.state.Status != models.StatusSetupInProgress {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, fmt.Errorf("%w: cannot confirm setup of %s session in status %s",
			models.ErrInvalidTransition, snap.Mode, snap.Status)
	}

	s.log.Info("manual setup confirmed")
	s.readyLocked(0)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.keepAlive(snap.ContextID)
	return snap, nil
}

// Instructions lists the prerequisites an operator performs in manual mode
func (s *Session) Instructions() ([]models.SetupInstruction, error) {
	s.mu.Lock()
	mode := s.state.Mode
	s.mu.Unlock()

	if mode != models.ModeManual {
		return nil, fmt.Errorf("%w: setup instructions are only available in manual mode", models.ErrInvalidTransition)
	}

	instructions := []models.SetupInstruction{}
	if s.skip {
		return instructions, nil
	}
	for _, step := range s.script.Prerequisites(s.target) {
		instructions = append(instructions, models.SetupInstruction{
			StepNumber:    step.Number,
			Description:   step.Description,
			Action:        step.Action,
			ExpectedState: step.ExpectedState,
		})
	}
	return instructions, nil
}

// ExecuteStep runs the current step again without moving through the range.
// A non-empty instruction replaces the step's action for this attempt.
func (s *Session) ExecuteStep(ctx context.Context, note, instruction string) (*models.StepResult, error) {
	return s.execute(ctx, false, note, instruction)
}

// ExecuteNext runs the target step first, then each following step of the
// range. Once the range is complete the last step runs again.
func (s *Session) ExecuteNext(ctx context.Context) (*models.StepResult, error) {
	return s.execute(ctx, true, "", "")
}

func (s *Session) execute(ctx context.Context, advance bool, note, override string) (*models.StepResult, error) {
	s.mu.Lock()
	if err := s.executableLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	n := s.state.CurrentStepNumber
	if advance && s.executed && n < s.last {
		n++
	}
	step, _ := s.script.Step(n)

	s.state.Status = models.StatusExecuting
	s.state.CurrentStepNumber = n
	s.executed = true
	s.touchLocked()
	contextID := s.state.ContextID
	s.mu.Unlock()

	result, err := s.rt.exec.Execute(ctx, contextID, step, override)

	s.mu.Lock()
	if s.state.Status != models.StatusExecuting {
		status := s.state.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session became %s during step %d", models.ErrSessionTerminated, status, n)
	}

	if err != nil {
		s.state.FailedStep = &n
		s.log.Error("context lost during execution", zap.Int("step", n), zap.Error(err))
		id := s.finishLocked(models.StatusFailed, fmt.Sprintf("step %d: %v", n, err))
		s.mu.Unlock()
		s.release(id)
		return nil, fmt.Errorf("%w: %w", models.ErrSessionTerminated, err)
	}

	s.state.IterationsCount++
	s.state.TokensUsed += s.rt.opts.ExecutionCost
	result.Iteration = s.state.IterationsCount
	result.Note = note
	result.HasMoreSteps = n < s.last
	result.RangeComplete = n == s.last
	if result.RangeComplete {
		s.state.RangeComplete = true
	}
	recorded := *result
	s.state.LastResult = &recorded
	s.state.Status = models.StatusReady
	s.touchLocked()
	s.mu.Unlock()

	s.log.Info("step executed",
		zap.Int("step", n),
		zap.Bool("passed", result.Passed),
		zap.Int("iteration", result.Iteration),
		zap.Int64("duration_ms", result.DurationMs))
	return result, nil
}

func (s *Session) executableLocked() error {
	switch s.state.Status {
	case models.StatusReady:
	case models.StatusExecuting:
		return fmt.Errorf("%w: step %d is running", models.ErrConcurrentExecution, s.state.CurrentStepNumber)
	case models.StatusSetupInProgress:
		return fmt.Errorf("%w: setup has not completed", models.ErrInvalidTransition)
	default:
		return fmt.Errorf("%w: session is %s", models.ErrSessionTerminated, s.state.Status)
	}

	if limit := s.rt.opts.MaxIterations; limit > 0 && s.state.IterationsCount >= limit {
		return fmt.Errorf("%w: %d of %d used", models.ErrIterationLimit, s.state.IterationsCount, limit)
	}
	return nil
}

// SetContinuous turns server-side continuous play on or off. Play runs
// ExecuteNext repeatedly and ends on range completion, a failed step, stop,
// or an error.
func (s *Session) SetContinuous(enabled bool, interval time.Duration) (models.DebugSession, error) {
	s.mu.Lock()
	if s.state.Status.Terminal() {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, fmt.Errorf("%w: session is %s", models.ErrSessionTerminated, snap.Status)
	}

	if interval > 0 {
		s.interval = interval
	}
	s.state.Continuous = enabled
	s.touchLocked()

	switch {
	case !enabled && s.stopPlay != nil:
		s.stopPlay()
		s.stopPlay = nil
	case enabled && s.stopPlay == nil && s.state.SetupCompleted:
		s.startPlayLocked()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.keepAlive(snap.ContextID)
	return snap, nil
}

func (s *Session) startPlayLocked() {
	ctx, cancel := context.WithCancel(s.ctx)
	s.playGen++
	s.stopPlay = cancel

	s.rt.wg.Add(1)
	go s.play(ctx, s.playGen, s.interval)
}

func (s *Session) play(ctx context.Context, gen int, interval time.Duration) {
	defer s.rt.wg.Done()
	defer s.endPlay(gen)

	s.log.Info("continuous play started", zap.Duration("interval", interval))
	for {
		if ctx.Err() != nil {
			return
		}

		// a running step finishes even if play is switched off meanwhile
		result, err := s.execute(context.WithoutCancel(ctx), true, "", "")
		switch {
		case errors.Is(err, models.ErrConcurrentExecution):
			// an operator call is in flight
		case err != nil:
			s.log.Info("continuous play stopped", zap.Error(err))
			return
		case !result.Passed:
			s.log.Info("continuous play stopped on failed step", zap.Int("step", result.StepNumber))
			return
		case result.RangeComplete:
			s.log.Info("continuous play reached end of range")
			return
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Session) endPlay(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.playGen != gen {
		return
	}
	if s.stopPlay != nil {
		s.stopPlay()
		s.stopPlay = nil
	}
	s.state.Continuous = false
}

// Stop ends the session and releases its context. Stopping a terminal
// session returns its final counters again.
func (s *Session) Stop() models.StopResponse {
	s.mu.Lock()
	var id string
	if !s.state.Status.Terminal() {
		status := models.StatusCancelled
		if s.state.RangeComplete {
			status = models.StatusCompleted
		}
		id = s.finishLocked(status, "")
		s.log.Info("session stopped", zap.String("status", string(status)))
	}
	resp := models.StopResponse{
		SessionID:       s.state.SessionID,
		Status:          s.state.Status,
		IterationsCount: s.state.IterationsCount,
		TokensUsed:      s.state.TokensUsed,
	}
	s.mu.Unlock()

	s.release(id)
	return resp
}

// expireIdle cancels the session when nothing happened for longer than
// timeout. A running step is never expired.
func (s *Session) expireIdle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	st := s.state.Status
	idle := now.Sub(s.state.LastActivityAt)
	if st.Terminal() || st == models.StatusExecuting || idle <= timeout {
		s.mu.Unlock()
		return false
	}
	id := s.finishLocked(models.StatusCancelled, "idle timeout")
	s.mu.Unlock()

	s.log.Info("session expired", zap.Duration("idle", idle))
	s.release(id)
	return true
}

// contextEvicted cancels the session after the pool dropped its context
func (s *Session) contextEvicted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status.Terminal() {
		return false
	}
	s.finishLocked(models.StatusCancelled, "idle timeout")
	return true
}

// retired reports whether a terminal session outlived the retention window
func (s *Session) retired(now time.Time, retention time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.Status.Terminal() &&
		s.state.FinishedAt != nil &&
		now.Sub(*s.state.FinishedAt) > retention
}

// finishLocked moves to a terminal status and returns the context to release
func (s *Session) finishLocked(status models.SessionStatus, reason string) string {
	now := s.rt.now()
	s.state.Status = status
	if reason != "" {
		s.state.Error = reason
	}
	s.state.FinishedAt = &now
	s.state.LastActivityAt = now
	s.state.Continuous = false

	if s.stopPlay != nil {
		s.stopPlay()
		s.stopPlay = nil
	}
	s.cancel()

	id := s.state.ContextID
	s.state.ContextID = ""
	return id
}

func (s *Session) release(contextID string) {
	if contextID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.rt.contexts.Release(ctx, contextID)
}
