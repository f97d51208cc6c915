// Package pool owns live automation contexts: it enforces the process-wide
// capacity limit and evicts contexts that sit idle past their timeout.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/stepdebug/internal/browser"
	"github.com/shehryarbajwa/stepdebug/internal/engine"
	"github.com/shehryarbajwa/stepdebug/internal/logging"
	"github.com/shehryarbajwa/stepdebug/pkg/models"
)

// Options configures a Pool
type Options struct {
	MaxContexts int
	IdleTimeout time.Duration
	Open        engine.OpenOptions
}

// Pool manages automation contexts
type Pool struct {
	driver   engine.Driver
	launcher browser.Launcher
	opts     Options
	slots    *semaphore.Weighted
	log      *zap.Logger
	now      func() time.Time

	mu        sync.RWMutex
	entries   map[string]*entry
	listeners []func(contextID string)
	closed    bool
}

type entry struct {
	mu       sync.Mutex
	meta     models.AutomationContext
	engine   engine.Engine
	instance *browser.Instance
	timer    *time.Timer
	inflight int
}

// New creates a pool; launcher may be nil for local browsers
func New(driver engine.Driver, launcher browser.Launcher, opts Options, log *zap.Logger) *Pool {
	if launcher == nil {
		launcher = browser.LocalLauncher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxContexts < 1 {
		opts.MaxContexts = 1
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Hour
	}

	return &Pool{
		driver:   driver,
		launcher: launcher,
		opts:     opts,
		slots:    semaphore.NewWeighted(int64(opts.MaxContexts)),
		log:      log.Named("pool"),
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
}

// OnEvict registers fn to be called after a context is evicted for idleness
func (p *Pool) OnEvict(fn func(contextID string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Acquire launches a new context for the given test and user
func (p *Pool) Acquire(ctx context.Context, testID, userID string) (*models.AutomationContext, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, errors.New("context pool is closed")
	}

	// check-and-increment in one step
	if !p.slots.TryAcquire(1) {
		return nil, fmt.Errorf("%w: %d contexts already active", models.ErrCapacityExceeded, p.opts.MaxContexts)
	}

	id := uuid.New().String()
	log := p.log.With(zap.String("context_id", logging.ShortID(id)))

	instance, err := p.launcher.Launch(ctx, id)
	if err != nil {
		p.slots.Release(1)
		return nil, &models.ContextError{ContextID: id, Op: "launch", Err: err}
	}

	openOpts := p.opts.Open
	openOpts.ConnectURL = instance.ConnectURL
	eng, err := p.driver.Open(ctx, openOpts)
	if err != nil {
		if stopErr := p.launcher.Stop(context.Background(), instance); stopErr != nil {
			log.Warn("failed to stop browser after open error", zap.Error(stopErr))
		}
		p.slots.Release(1)
		return nil, &models.ContextError{ContextID: id, Op: "open", Err: err}
	}

	now := p.now()
	e := &entry{
		meta: models.AutomationContext{
			ID:             id,
			TestID:         testID,
			UserID:         userID,
			CreatedAt:      now,
			LastActivityAt: now,
			Status:         models.ContextIdle,
			ConnectURL:     instance.ConnectURL,
		},
		engine:   eng,
		instance: instance,
	}
	e.timer = time.AfterFunc(p.opts.IdleTimeout, func() { p.evict(id) })

	p.mu.Lock()
	if p.closed {
		// CloseAll ran while the browser was starting
		p.mu.Unlock()
		if err := p.closeEntry(context.Background(), e); err != nil {
			log.Warn("failed to close context acquired during shutdown", zap.Error(err))
		}
		p.slots.Release(1)
		return nil, errors.New("context pool is closed")
	}
	p.entries[id] = e
	p.mu.Unlock()

	log.Info("context acquired", zap.String("test_id", testID), zap.String("user_id", userID))
	meta := e.meta
	return &meta, nil
}

// Release closes a context; releasing an unknown context only logs
func (p *Pool) Release(ctx context.Context, contextID string) {
	if err := p.release(ctx, contextID); err != nil {
		p.log.Warn("release failed", zap.String("context_id", logging.ShortID(contextID)), zap.Error(err))
	}
}

func (p *Pool) release(ctx context.Context, contextID string) error {
	p.mu.Lock()
	e, ok := p.entries[contextID]
	if ok {
		delete(p.entries, contextID)
	}
	p.mu.Unlock()

	if !ok {
		p.log.Debug("context already released", zap.String("context_id", logging.ShortID(contextID)))
		return nil
	}

	defer p.slots.Release(1)
	return p.closeEntry(ctx, e)
}

func (p *Pool) closeEntry(ctx context.Context, e *entry) error {
	e.mu.Lock()
	e.timer.Stop()
	e.meta.Status = models.ContextClosed
	id := e.meta.ID
	e.mu.Unlock()

	var errs []error
	if err := e.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.launcher.Stop(ctx, e.instance); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return &models.ContextError{ContextID: id, Op: "close", Err: errors.Join(errs...)}
	}

	p.log.Info("context released", zap.String("context_id", logging.ShortID(id)))
	return nil
}

// Touch resets the idle timer of a context
func (p *Pool) Touch(contextID string) error {
	e, err := p.lookup(contextID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p.touchLocked(e)
	return nil
}

func (p *Pool) touchLocked(e *entry) {
	e.meta.LastActivityAt = p.now()
	e.timer.Reset(p.opts.IdleTimeout)
}

// Use marks a context active and returns its engine; done marks it idle again
func (p *Pool) Use(contextID string) (eng engine.Engine, done func(), err error) {
	e, err := p.lookup(contextID)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	if e.meta.Status == models.ContextClosed {
		e.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", models.ErrContextNotFound, contextID)
	}
	e.inflight++
	e.meta.Status = models.ContextActive
	p.touchLocked(e)
	e.mu.Unlock()

	var once sync.Once
	done = func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.inflight--
			if e.meta.Status == models.ContextClosed {
				return
			}
			if e.inflight == 0 {
				e.meta.Status = models.ContextIdle
			}
			p.touchLocked(e)
		})
	}
	return e.engine, done, nil
}

// Get returns a snapshot of a context
func (p *Pool) Get(contextID string) (models.AutomationContext, error) {
	e, err := p.lookup(contextID)
	if err != nil {
		return models.AutomationContext{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta, nil
}

// Alive reports whether the context is still registered
func (p *Pool) Alive(contextID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[contextID]
	return ok
}

// Active returns the number of live contexts
func (p *Pool) Active() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Stats reports current usage
func (p *Pool) Stats() models.PoolStats {
	return models.PoolStats{Active: p.Active(), MaxContexts: p.opts.MaxContexts}
}

// List returns snapshots of every live context, oldest first
func (p *Pool) List() []models.AutomationContext {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	list := make([]models.AutomationContext, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		list = append(list, e.meta)
		e.mu.Unlock()
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// CloseAll releases every context concurrently. Failures are collected, and
// the call returns when ctx expires even if some contexts are still closing.
func (p *Pool) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	entries := make([]*entry, 0, len(p.entries))
	for id, e := range p.entries {
		entries = append(entries, e)
		delete(p.entries, id)
	}
	p.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	p.log.Info("closing all contexts", zap.Int("count", len(entries)))

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, e := range entries {
		g.Go(func() error {
			defer p.slots.Release(1)
			if err := p.closeEntry(ctx, e); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		mu.Lock()
		errs = append(errs, fmt.Errorf("close all: %w", ctx.Err()))
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(errs...)
}

func (p *Pool) lookup(contextID string) (*entry, error) {
	p.mu.RLock()
	e, ok := p.entries[contextID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrContextNotFound, contextID)
	}
	return e, nil
}

func (p *Pool) evict(contextID string) {
	e, err := p.lookup(contextID)
	if err != nil {
		return
	}

	e.mu.Lock()
	idle := p.now().Sub(e.meta.LastActivityAt)
	if idle < p.opts.IdleTimeout {
		// touched after the timer fired
		e.timer.Reset(p.opts.IdleTimeout - idle)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	p.log.Info("evicting idle context",
		zap.String("context_id", logging.ShortID(contextID)),
		zap.Duration("idle", idle))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.Release(ctx, contextID)

	p.mu.RLock()
	listeners := append([]func(string){}, p.listeners...)
	p.mu.RUnlock()
	for _, fn := range listeners {
		fn(contextID)
	}
}
