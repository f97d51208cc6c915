package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/stepdebug/internal/browser"
	"github.com/shehryarbajwa/stepdebug/internal/engine/enginetest"
	"github.com/shehryarbajwa/stepdebug/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubLauncher struct {
	launchErr error
	stopErr   error
	launched  atomic.Int32
	stopped   atomic.Int32

	// when set, Launch signals entered and then waits on gate
	entered chan struct{}
	gate    chan struct{}
}

func (l *stubLauncher) Launch(ctx context.Context, contextID string) (*browser.Instance, error) {
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	if l.gate != nil {
		close(l.entered)
		<-l.gate
	}
	l.launched.Add(1)
	return &browser.Instance{ContextID: contextID, ConnectURL: "ws://browser:3000"}, nil
}

func (l *stubLauncher) Stop(ctx context.Context, instance *browser.Instance) error {
	l.stopped.Add(1)
	return l.stopErr
}

func (l *stubLauncher) Close() error { return nil }

func newTestPool(max int, idle time.Duration) (*Pool, *enginetest.Driver, *stubLauncher) {
	driver := enginetest.NewDriver()
	launcher := &stubLauncher{}
	p := New(driver, launcher, Options{MaxContexts: max, IdleTimeout: idle}, zap.NewNop())
	return p, driver, launcher
}

func TestAcquire(t *testing.T) {
	p, driver, _ := newTestPool(2, time.Hour)
	defer p.CloseAll(context.Background())

	c, err := p.Acquire(context.Background(), "test-1", "user-1")
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "test-1", c.TestID)
	assert.Equal(t, "user-1", c.UserID)
	assert.Equal(t, models.ContextIdle, c.Status)
	assert.True(t, p.Alive(c.ID))
	assert.Equal(t, 1, p.Active())
	require.Len(t, driver.Engines(), 1)
	assert.Equal(t, "ws://browser:3000", driver.Engines()[0].ConnectURL)
}

func TestAcquire_CapacityExceeded(t *testing.T) {
	p, _, _ := newTestPool(2, time.Hour)
	defer p.CloseAll(context.Background())

	for i := 0; i < 2; i++ {
		_, err := p.Acquire(context.Background(), "t", "u")
		require.NoError(t, err)
	}

	_, err := p.Acquire(context.Background(), "t", "u")
	assert.ErrorIs(t, err, models.ErrCapacityExceeded)
	assert.Equal(t, 2, p.Active())
}

func TestAcquire_ConcurrentNeverExceedsCapacity(t *testing.T) {
	p, _, _ := newTestPool(3, time.Hour)
	defer p.CloseAll(context.Background())

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Acquire(context.Background(), "t", "u")
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, models.ErrCapacityExceeded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), succeeded.Load())
	assert.Equal(t, int32(17), rejected.Load())
	assert.Equal(t, 3, p.Active())
}

func TestAcquire_LaunchFailureFreesSlot(t *testing.T) {
	p, _, launcher := newTestPool(1, time.Hour)
	defer p.CloseAll(context.Background())

	launcher.launchErr = errors.New("docker unavailable")
	_, err := p.Acquire(context.Background(), "t", "u")

	var ctxErr *models.ContextError
	require.ErrorAs(t, err, &ctxErr)
	assert.Equal(t, "launch", ctxErr.Op)
	assert.ErrorIs(t, err, models.ErrEngine)
	assert.Contains(t, err.Error(), "docker unavailable")

	launcher.launchErr = nil
	_, err = p.Acquire(context.Background(), "t", "u")
	assert.NoError(t, err)
}

func TestAcquire_OpenFailureStopsInstance(t *testing.T) {
	p, driver, launcher := newTestPool(1, time.Hour)
	defer p.CloseAll(context.Background())

	driver.OpenErr = errors.New("chromium crashed")
	_, err := p.Acquire(context.Background(), "t", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chromium crashed")
	assert.Equal(t, int32(1), launcher.stopped.Load())
	assert.Equal(t, 0, p.Active())
}

func TestRelease_Idempotent(t *testing.T) {
	p, driver, launcher := newTestPool(1, time.Hour)
	defer p.CloseAll(context.Background())

	c, err := p.Acquire(context.Background(), "t", "u")
	require.NoError(t, err)

	p.Release(context.Background(), c.ID)
	p.Release(context.Background(), c.ID)
	p.Release(context.Background(), "never-existed")

	assert.False(t, p.Alive(c.ID))
	assert.Equal(t, 1, driver.Engines()[0].Closures())
	assert.Equal(t, int32(1), launcher.stopped.Load())

	// slot is free again
	_, err = p.Acquire(context.Background(), "t", "u")
	assert.NoError(t, err)
}

func TestTouch_UnknownContext(t *testing.T) {
	p, _, _ := newTestPool(1, time.Hour)
	assert.ErrorIs(t, p.Touch("missing"), models.ErrContextNotFound)
	_, _, err := p.Use("missing")
	assert.ErrorIs(t, err, models.ErrContextNotFound)
}

func TestUse_MarksActiveThenIdle(t *testing.T) {
	p, _, _ := newTestPool(1, time.Hour)
	defer p.CloseAll(context.Background())

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	p.now = func() time.Time { return clock }

	c, err := p.Acquire(context.Background(), "t", "u")
	require.NoError(t, err)

	clock = base.Add(time.Minute)
	eng, done, err := p.Use(c.ID)
	require.NoError(t, err)
	require.NotNil(t, eng)

	got, err := p.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContextActive, got.Status)
	assert.Equal(t, base.Add(time.Minute), got.LastActivityAt)

	clock = base.Add(2 * time.Minute)
	done()
	done()

	got, err = p.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContextIdle, got.Status)
	assert.Equal(t, base.Add(2*time.Minute), got.LastActivityAt)
}

func TestIdleEviction(t *testing.T) {
	p, driver, _ := newTestPool(1, 20*time.Millisecond)
	defer p.CloseAll(context.Background())

	evicted := make(chan string, 1)
	p.OnEvict(func(id string) { evicted <- id })

	c, err := p.Acquire(context.Background(), "t", "u")
	require.NoError(t, err)

	select {
	case id := <-evicted:
		assert.Equal(t, c.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("context was not evicted")
	}

	assert.False(t, p.Alive(c.ID))
	assert.True(t, driver.Engines()[0].Closed())

	_, err = p.Acquire(context.Background(), "t", "u")
	assert.NoError(t, err)
}

func TestCloseAll_CollectsErrors(t *testing.T) {
	p, driver, _ := newTestPool(3, time.Hour)
	driver.CloseErr = errors.New("browser hung")

	for i := 0; i < 3; i++ {
		_, err := p.Acquire(context.Background(), "t", "u")
		require.NoError(t, err)
	}

	err := p.CloseAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser hung")
	assert.Equal(t, 0, p.Active())
	for _, e := range driver.Engines() {
		assert.True(t, e.Closed())
	}

	_, err = p.Acquire(context.Background(), "t", "u")
	assert.Error(t, err)
}

func TestAcquire_ClosedWhileLaunching(t *testing.T) {
	p, driver, launcher := newTestPool(1, time.Hour)
	launcher.entered = make(chan struct{})
	launcher.gate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "t", "u")
		errCh <- err
	}()

	<-launcher.entered
	require.NoError(t, p.CloseAll(context.Background()))
	close(launcher.gate)

	assert.EqualError(t, <-errCh, "context pool is closed")
	assert.Equal(t, 0, p.Active())
	require.Len(t, driver.Engines(), 1)
	assert.True(t, driver.Engines()[0].Closed())
	assert.Equal(t, int32(1), launcher.stopped.Load())
	assert.True(t, p.slots.TryAcquire(1), "slot must be returned")
}

func TestList(t *testing.T) {
	p, _, _ := newTestPool(2, time.Hour)
	defer p.CloseAll(context.Background())

	base := time.Now()
	n := 0
	p.now = func() time.Time { n++; return base.Add(time.Duration(n) * time.Second) }

	a, err := p.Acquire(context.Background(), "a", "u")
	require.NoError(t, err)
	b, err := p.Acquire(context.Background(), "b", "u")
	require.NoError(t, err)

	list := p.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
	assert.Equal(t, models.PoolStats{Active: 2, MaxContexts: 2}, p.Stats())
}
