// Package prereq replays the steps that precede a target step so an
// automation context reaches the state under debug.
package prereq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/stepdebug/internal/logging"
	"github.com/shehryarbajwa/stepdebug/pkg/models"
)

// Steps executes single steps
type Steps interface {
	Execute(ctx context.Context, contextID string, step models.TestStep, override string) (*models.StepResult, error)
	Navigate(ctx context.Context, contextID, url string) (*models.StepResult, error)
}

// Result summarises a successful setup
type Result struct {
	Executed int
	Results  []*models.StepResult
	Duration time.Duration
}

// StepFailedError reports the prerequisite that stopped setup.
// Step 0 is the initial navigation to the base URL.
type StepFailedError struct {
	Step   int
	Reason string
}

func (e *StepFailedError) Error() string {
	if e.Step == 0 {
		return fmt.Sprintf("prerequisite navigation failed: %s", e.Reason)
	}
	return fmt.Sprintf("prerequisite step %d failed: %s", e.Step, e.Reason)
}

// Runner replays prerequisites in order without retrying
type Runner struct {
	steps Steps
	log   *zap.Logger
}

func NewRunner(steps Steps, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{steps: steps, log: log.Named("prereq")}
}

// Run opens baseURL (when set) and executes steps in order, stopping at the
// first failure. An expired ctx deadline is reported as ErrSetupTimeout.
func (r *Runner) Run(ctx context.Context, contextID, baseURL string, steps []models.TestStep) (*Result, error) {
	log := r.log.With(zap.String("context_id", logging.ShortID(contextID)))
	start := time.Now()
	res := &Result{}

	if baseURL != "" {
		nav, err := r.steps.Navigate(ctx, contextID, baseURL)
		if err != nil {
			return nil, err
		}
		if !nav.Passed {
			if err := deadline(ctx); err != nil {
				return nil, err
			}
			return nil, &StepFailedError{Step: 0, Reason: nav.Error}
		}
	}

	for _, step := range steps {
		if err := deadline(ctx); err != nil {
			return nil, err
		}

		log.Debug("running prerequisite", zap.Int("step", step.Number), zap.String("action", step.Action))
		result, err := r.steps.Execute(ctx, contextID, step, "")
		if err != nil {
			return nil, err
		}
		res.Executed++
		res.Results = append(res.Results, result)

		if !result.Passed {
			if err := deadline(ctx); err != nil {
				return nil, err
			}
			log.Info("prerequisite failed", zap.Int("step", step.Number), zap.String("reason", result.Error))
			return nil, &StepFailedError{Step: step.Number, Reason: result.Error}
		}
	}

	res.Duration = time.Since(start)
	log.Info("prerequisites complete", zap.Int("executed", res.Executed), zap.Duration("duration", res.Duration))
	return res, nil
}

func deadline(ctx context.Context) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", models.ErrSetupTimeout, err)
	default:
		return err
	}
}
