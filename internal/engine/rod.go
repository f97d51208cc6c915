package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodDriver opens one Chrome per engine through go-rod
type RodDriver struct{}

// NewRodDriver creates a rod driver; browsers are launched lazily per engine
func NewRodDriver() *RodDriver {
	return &RodDriver{}
}

// Open connects to opts.ConnectURL or launches a local Chrome
func (d *RodDriver) Open(ctx context.Context, opts OpenOptions) (Engine, error) {
	opts = opts.withDefaults()

	controlURL := opts.ConnectURL
	var l *launcher.Launcher
	if controlURL == "" {
		l = launcher.New().Headless(opts.Headless).Context(ctx)
		url, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("failed to launch chrome: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             opts.ViewportWidth,
		Height:            opts.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		_ = browser.Close()
		if l != nil {
			l.Kill()
		}
		return nil, fmt.Errorf("failed to set viewport: %w", err)
	}

	return &rodEngine{
		browser:    browser,
		page:       page,
		launcher:   l,
		timeout:    opts.DefaultTimeout,
		navTimeout: opts.NavigationTimeout,
	}, nil
}

// Close is a no-op; every engine owns its own browser
func (d *RodDriver) Close() error {
	return nil
}

type rodEngine struct {
	browser    *rod.Browser
	page       *rod.Page
	launcher   *launcher.Launcher
	timeout    time.Duration
	navTimeout time.Duration
}

func (e *rodEngine) bounded(ctx context.Context) (*rod.Page, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, remaining(ctx, e.timeout))
	return e.page.Context(ctx), cancel
}

func (e *rodEngine) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, remaining(ctx, timeout))
	defer cancel()

	page := e.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (e *rodEngine) Act(ctx context.Context, instruction string) error {
	action, err := ParseInstruction(instruction)
	if err != nil {
		return err
	}

	if action.Kind == ActionNavigate {
		return e.Navigate(ctx, action.URL, e.navTimeout)
	}

	page, cancel := e.bounded(ctx)
	defer cancel()

	switch action.Kind {
	case ActionClick:
		el, err := page.Element(action.Selector)
		if err != nil {
			return fmt.Errorf("click failed: %w", err)
		}
		if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return fmt.Errorf("click failed: %w", err)
		}

	case ActionFill:
		el, err := page.Element(action.Selector)
		if err != nil {
			return fmt.Errorf("fill failed: %w", err)
		}
		if err := el.SelectAllText(); err != nil {
			return fmt.Errorf("fill failed: %w", err)
		}
		if err := el.Input(action.Value); err != nil {
			return fmt.Errorf("fill failed: %w", err)
		}

	case ActionPress:
		key, ok := rodKey(action.Value)
		if !ok {
			return fmt.Errorf("%w: unknown key %q", ErrUnsupportedInstruction, action.Value)
		}
		if err := page.Keyboard.Type(key); err != nil {
			return fmt.Errorf("press failed: %w", err)
		}

	case ActionWait:
		select {
		case <-time.After(action.Duration):
		case <-ctx.Done():
			return ctx.Err()
		}

	case ActionWaitFor:
		el, err := page.Element(action.Selector)
		if err != nil {
			return fmt.Errorf("wait failed: %w", err)
		}
		if err := el.WaitVisible(); err != nil {
			return fmt.Errorf("wait failed: %w", err)
		}

	case ActionExpectText:
		body, err := page.Element("body")
		if err != nil {
			return fmt.Errorf("text extraction failed: %w", err)
		}
		text, err := body.Text()
		if err != nil {
			return fmt.Errorf("text extraction failed: %w", err)
		}
		if !strings.Contains(text, action.Value) {
			return &ExpectationError{Action: action}
		}

	case ActionExpectURL:
		info, err := page.Info()
		if err != nil {
			return fmt.Errorf("page info failed: %w", err)
		}
		if !strings.Contains(info.URL, action.Value) {
			return &ExpectationError{Action: action, Actual: info.URL}
		}

	case ActionExpectVisible:
		has, el, err := page.Has(action.Selector)
		if err != nil {
			return fmt.Errorf("visibility check failed: %w", err)
		}
		if !has {
			return &ExpectationError{Action: action}
		}
		visible, err := el.Visible()
		if err != nil {
			return fmt.Errorf("visibility check failed: %w", err)
		}
		if !visible {
			return &ExpectationError{Action: action}
		}
	}

	return nil
}

func (e *rodEngine) Screenshot(ctx context.Context) ([]byte, error) {
	page, cancel := e.bounded(ctx)
	defer cancel()

	data, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return data, nil
}

func (e *rodEngine) Close() error {
	_ = e.page.Close()
	err := e.browser.Close()
	if e.launcher != nil {
		e.launcher.Kill()
	}
	if err != nil {
		return fmt.Errorf("failed to close browser: %w", err)
	}
	return nil
}

var rodKeys = map[string]input.Key{
	"enter":     input.Enter,
	"tab":       input.Tab,
	"escape":    input.Escape,
	"backspace": input.Backspace,
	"delete":    input.Delete,
	"space":     input.Space,
	"arrowup":   input.ArrowUp,
	"arrowdown": input.ArrowDown,
}

func rodKey(name string) (input.Key, bool) {
	if k, ok := rodKeys[strings.ToLower(name)]; ok {
		return k, true
	}
	if r := []rune(name); len(r) == 1 {
		return input.Key(r[0]), true
	}
	return 0, false
}
