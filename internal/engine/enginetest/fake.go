// Package enginetest provides an in-memory engine driver for tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shehryarbajwa/stepdebug/internal/engine"
)

// ErrClosed is returned by a fake engine after Close
var ErrClosed = errors.New("target closed")

// Driver is a scripted engine.Driver
type Driver struct {
	mu       sync.Mutex
	opened   []*Engine
	closed   bool
	OpenErr  error
	Failures map[string]error // instruction -> error returned by Act
	ActDelay time.Duration
	CloseErr error
	Gate     chan struct{} // when set, Act blocks until it can receive
}

// NewDriver returns a driver whose engines succeed unless told otherwise
func NewDriver() *Driver {
	return &Driver{Failures: make(map[string]error)}
}

// Fail makes every Act of instruction return err
func (d *Driver) Fail(instruction string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Failures[instruction] = err
}

func (d *Driver) Open(ctx context.Context, opts engine.OpenOptions) (engine.Engine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	e := &Engine{driver: d, ConnectURL: opts.ConnectURL}
	d.opened = append(d.opened, e)
	return e, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Engines returns every engine opened so far
func (d *Driver) Engines() []*Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Engine(nil), d.opened...)
}

// Opened returns the number of engines opened so far
func (d *Driver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opened)
}

func (d *Driver) failure(instruction string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Failures[instruction]
}

// Engine records every call made against it
type Engine struct {
	driver     *Driver
	ConnectURL string

	mu       sync.Mutex
	acts     []string
	visits   []string
	closed   atomic.Bool
	closures atomic.Int32
}

func (e *Engine) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.driver.failure("navigate " + url); err != nil {
		return err
	}
	e.mu.Lock()
	e.visits = append(e.visits, url)
	e.mu.Unlock()
	return nil
}

func (e *Engine) Act(ctx context.Context, instruction string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if gate := e.driver.Gate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d := e.driver.ActDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.mu.Lock()
	e.acts = append(e.acts, instruction)
	e.mu.Unlock()
	if err := e.driver.failure(instruction); err != nil {
		return err
	}
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (e *Engine) Screenshot(ctx context.Context) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return []byte(fmt.Sprintf("png:%d", len(e.Acts()))), nil
}

func (e *Engine) Close() error {
	e.closed.Store(true)
	e.closures.Add(1)
	return e.driver.CloseErr
}

// Acts returns the instructions executed so far
func (e *Engine) Acts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.acts...)
}

// Visits returns the URLs navigated to so far
func (e *Engine) Visits() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.visits...)
}

// Closed reports whether Close was called
func (e *Engine) Closed() bool {
	return e.closed.Load()
}

// Closures counts Close calls
func (e *Engine) Closures() int {
	return int(e.closures.Load())
}
