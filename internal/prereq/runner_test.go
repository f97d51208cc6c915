package prereq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/stepdebug/internal/engine/enginetest"
	"github.com/shehryarbajwa/stepdebug/internal/executor"
	"github.com/shehryarbajwa/stepdebug/internal/pool"
	"github.com/shehryarbajwa/stepdebug/pkg/models"
)

var script = []models.TestStep{
	{Number: 1, Action: "navigate https://app.example.com/login"},
	{Number: 2, Action: "fill #email with qa@example.com"},
	{Number: 3, Action: "click #submit"},
}

func setup(t *testing.T, opts executor.Options) (*Runner, *enginetest.Driver, string) {
	t.Helper()

	driver := enginetest.NewDriver()
	p := pool.New(driver, nil, pool.Options{MaxContexts: 1, IdleTimeout: time.Hour}, zap.NewNop())
	t.Cleanup(func() { _ = p.CloseAll(context.Background()) })

	c, err := p.Acquire(context.Background(), "test", "user")
	require.NoError(t, err)

	exec := executor.New(p, nil, opts, zap.NewNop())
	return NewRunner(exec, zap.NewNop()), driver, c.ID
}

func TestRun_AllPass(t *testing.T) {
	r, driver, id := setup(t, executor.Options{})

	res, err := r.Run(context.Background(), id, "https://app.example.com", script)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Executed)
	assert.Len(t, res.Results, 3)
	eng := driver.Engines()[0]
	assert.Equal(t, []string{"https://app.example.com"}, eng.Visits())
	assert.Equal(t, []string{script[0].Action, script[1].Action, script[2].Action}, eng.Acts())
}

func TestRun_NoPrerequisites(t *testing.T) {
	r, driver, id := setup(t, executor.Options{})

	res, err := r.Run(context.Background(), id, "", nil)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Executed)
	assert.Empty(t, driver.Engines()[0].Acts())
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	r, driver, id := setup(t, executor.Options{})
	driver.Fail(script[1].Action, errors.New("element #email is not editable"))

	_, err := r.Run(context.Background(), id, "", script)

	var failed *StepFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 2, failed.Step)
	assert.Equal(t, "element #email is not editable", failed.Reason)
	assert.Equal(t, "prerequisite step 2 failed: element #email is not editable", err.Error())

	// step 3 never ran, step 2 ran once
	assert.Equal(t, []string{script[0].Action, script[1].Action}, driver.Engines()[0].Acts())
}

func TestRun_NavigationFailure(t *testing.T) {
	r, driver, id := setup(t, executor.Options{})
	driver.Fail("navigate https://down.example.com", errors.New("net::ERR_CONNECTION_REFUSED"))

	_, err := r.Run(context.Background(), id, "https://down.example.com", script)

	var failed *StepFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 0, failed.Step)
	assert.Empty(t, driver.Engines()[0].Acts())
}

func TestRun_DeadlineIsSetupTimeout(t *testing.T) {
	r, driver, id := setup(t, executor.Options{})
	driver.ActDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, id, "", script)
	assert.ErrorIs(t, err, models.ErrSetupTimeout)
}

func TestRun_ContextGone(t *testing.T) {
	r, _, _ := setup(t, executor.Options{})

	_, err := r.Run(context.Background(), "missing", "", script)
	assert.ErrorIs(t, err, models.ErrContextNotFound)
}
