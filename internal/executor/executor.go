// Package executor runs single test steps against an automation context.
//
// A failing step is an ordinary outcome and comes back as a StepResult with
// Passed unset. Only a missing context is reported as an error.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/stepdebug/internal/engine"
	"github.com/shehryarbajwa/stepdebug/internal/logging"
	"github.com/shehryarbajwa/stepdebug/pkg/models"
)

// Contexts hands out the engine behind a live context
type Contexts interface {
	Use(contextID string) (engine.Engine, func(), error)
}

// Screenshots persists captured images
type Screenshots interface {
	Save(owner string, data []byte) (string, error)
}

// Options configures timeouts and capture
type Options struct {
	ActionTimeout      time.Duration
	NavigationTimeout  time.Duration
	CaptureScreenshots bool
}

// Executor performs steps and captures their outcome
type Executor struct {
	contexts Contexts
	shots    Screenshots
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

// New creates an executor; shots may be nil to disable capture
func New(contexts Contexts, shots Screenshots, opts Options, log *zap.Logger) *Executor {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = engine.DefaultTimeout
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		contexts: contexts,
		shots:    shots,
		opts:     opts,
		log:      log.Named("executor"),
		now:      time.Now,
	}
}

// Execute runs step against the context. A non-empty override replaces the
// step's action for this attempt.
func (x *Executor) Execute(ctx context.Context, contextID string, step models.TestStep, override string) (*models.StepResult, error) {
	eng, done, err := x.contexts.Use(contextID)
	if err != nil {
		return nil, err
	}
	defer done()

	instruction := step.Action
	if override != "" {
		instruction = override
	}

	result := &models.StepResult{
		StepNumber:  step.Number,
		Description: step.Description,
		Instruction: instruction,
	}

	timeout := x.timeoutFor(instruction)
	start := x.now()
	actCtx, cancel := context.WithTimeout(ctx, timeout)
	err = eng.Act(actCtx, instruction)
	cancel()
	x.finish(result, start, err, timeout)

	log := x.log.With(
		zap.String("context_id", logging.ShortID(contextID)),
		zap.Int("step", step.Number))
	if result.Passed {
		log.Debug("step passed", zap.Int64("duration_ms", result.DurationMs))
	} else {
		log.Info("step failed", zap.String("error", result.Error), zap.Int64("duration_ms", result.DurationMs))
	}

	if x.opts.CaptureScreenshots {
		result.Screenshot = x.capture(ctx, eng, contextID)
	}
	return result, nil
}

// Navigate loads url in the context
func (x *Executor) Navigate(ctx context.Context, contextID, url string) (*models.StepResult, error) {
	eng, done, err := x.contexts.Use(contextID)
	if err != nil {
		return nil, err
	}
	defer done()

	result := &models.StepResult{
		Description: "Open " + url,
		Instruction: "navigate " + url,
	}

	start := x.now()
	navCtx, cancel := context.WithTimeout(ctx, x.opts.NavigationTimeout)
	err = eng.Navigate(navCtx, url, x.opts.NavigationTimeout)
	cancel()
	x.finish(result, start, err, x.opts.NavigationTimeout)

	if !result.Passed {
		x.log.Info("navigation failed",
			zap.String("context_id", logging.ShortID(contextID)),
			zap.String("url", url),
			zap.String("error", result.Error))
	}
	return result, nil
}

// Screenshot captures the current page and returns its artifact reference
func (x *Executor) Screenshot(ctx context.Context, contextID string) (string, error) {
	eng, done, err := x.contexts.Use(contextID)
	if err != nil {
		return "", err
	}
	defer done()

	if x.shots == nil {
		return "", errors.New("screenshot storage is not configured")
	}

	shotCtx, cancel := context.WithTimeout(ctx, x.opts.ActionTimeout)
	defer cancel()
	data, err := eng.Screenshot(shotCtx)
	if err != nil {
		return "", &models.ContextError{ContextID: contextID, Op: "screenshot", Err: err}
	}
	return x.shots.Save(contextID, data)
}

// timeoutFor gives navigate instructions the page-load budget; everything
// else, including unparseable input, gets the action timeout
func (x *Executor) timeoutFor(instruction string) time.Duration {
	action, err := engine.ParseInstruction(instruction)
	if err == nil && action.Kind == engine.ActionNavigate {
		return x.opts.NavigationTimeout
	}
	return x.opts.ActionTimeout
}

func (x *Executor) finish(result *models.StepResult, start time.Time, err error, timeout time.Duration) {
	result.ExecutedAt = start
	result.DurationMs = x.now().Sub(start).Milliseconds()
	if err == nil {
		result.Passed = true
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		result.Error = fmt.Sprintf("timed out after %s", timeout)
		return
	}
	result.Error = err.Error()
}

func (x *Executor) capture(ctx context.Context, eng engine.Engine, contextID string) string {
	if x.shots == nil {
		return ""
	}

	shotCtx, cancel := context.WithTimeout(ctx, x.opts.ActionTimeout)
	defer cancel()

	data, err := eng.Screenshot(shotCtx)
	if err != nil {
		x.log.Warn("screenshot failed", zap.String("context_id", logging.ShortID(contextID)), zap.Error(err))
		return ""
	}
	ref, err := x.shots.Save(contextID, data)
	if err != nil {
		x.log.Warn("failed to store screenshot", zap.Error(err))
		return ""
	}
	return ref
}
