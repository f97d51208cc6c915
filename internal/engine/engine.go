// Package engine is the boundary to the browser automation runtime.
//
// A Driver owns the runtime (a Playwright server, a Rod launcher) and opens one
// Engine per automation context. An Engine drives exactly one page.
package engine

import (
	"context"
	"fmt"
	"time"
)

// Engine drives a single live browser page
type Engine interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	Act(ctx context.Context, instruction string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Driver opens engines against a browser runtime
type Driver interface {
	Open(ctx context.Context, opts OpenOptions) (Engine, error)
	Close() error
}

// OpenOptions configures a new engine
type OpenOptions struct {
	// ConnectURL is a CDP endpoint; empty means launch a local browser
	ConnectURL     string
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	DefaultTimeout time.Duration
	// NavigationTimeout bounds navigate instructions
	NavigationTimeout time.Duration
}

const (
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultTimeout        = 30 * time.Second
	DefaultNavTimeout     = 60 * time.Second
)

func (o OpenOptions) withDefaults() OpenOptions {
	if o.ViewportWidth == 0 {
		o.ViewportWidth = DefaultViewportWidth
	}
	if o.ViewportHeight == 0 {
		o.ViewportHeight = DefaultViewportHeight
	}
	if o.DefaultTimeout == 0 {
		o.DefaultTimeout = DefaultTimeout
	}
	if o.NavigationTimeout == 0 {
		o.NavigationTimeout = DefaultNavTimeout
	}
	return o
}

// Kind names a driver implementation
type Kind string

const (
	KindPlaywright Kind = "playwright"
	KindRod        Kind = "rod"
)

// NewDriver starts the driver of the given kind
func NewDriver(kind Kind, install bool) (Driver, error) {
	switch kind {
	case KindPlaywright, "":
		return NewPlaywrightDriver(install)
	case KindRod:
		return NewRodDriver(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", kind)
	}
}

// remaining returns the time left before ctx expires, capped by fallback
func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return fallback
	}
	left := time.Until(deadline)
	if left <= 0 {
		return time.Millisecond
	}
	if fallback > 0 && left > fallback {
		return fallback
	}
	return left
}

func millis(d time.Duration) float64 {
	return float64(d.Milliseconds())
}
