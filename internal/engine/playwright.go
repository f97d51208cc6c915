package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightDriver runs one Playwright server shared by every engine it opens
type PlaywrightDriver struct {
	mu sync.Mutex
	pw *playwright.Playwright
}

// NewPlaywrightDriver starts Playwright, installing browsers first if asked
func NewPlaywrightDriver(install bool) (*PlaywrightDriver, error) {
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if install {
		if err := playwright.Install(opts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &PlaywrightDriver{pw: pw}, nil
}

// Open launches or connects to a Chromium browser and opens a fresh page
func (d *PlaywrightDriver) Open(ctx context.Context, opts OpenOptions) (Engine, error) {
	opts = opts.withDefaults()

	d.mu.Lock()
	pw := d.pw
	d.mu.Unlock()
	if pw == nil {
		return nil, fmt.Errorf("playwright driver is closed")
	}

	var (
		browser playwright.Browser
		err     error
	)
	if opts.ConnectURL != "" {
		timeout := millis(remaining(ctx, opts.DefaultTimeout))
		browser, err = pw.Chromium.ConnectOverCDP(opts.ConnectURL, playwright.BrowserTypeConnectOverCDPOptions{
			Timeout: &timeout,
		})
	} else {
		browser, err = pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(opts.Headless),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(millis(opts.DefaultTimeout))

	return &playwrightEngine{
		browser:    browser,
		context:    bctx,
		page:       page,
		timeout:    opts.DefaultTimeout,
		navTimeout: opts.NavigationTimeout,
	}, nil
}

// Close stops the Playwright server
func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pw == nil {
		return nil
	}
	err := d.pw.Stop()
	d.pw = nil
	if err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type playwrightEngine struct {
	browser    playwright.Browser
	context    playwright.BrowserContext
	page       playwright.Page
	timeout    time.Duration
	navTimeout time.Duration
}

func (e *playwrightEngine) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	ms := millis(remaining(ctx, timeout))
	waitUntil := playwright.WaitUntilStateLoad
	if _, err := e.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   &ms,
		WaitUntil: waitUntil,
	}); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	return nil
}

func (e *playwrightEngine) Act(ctx context.Context, instruction string) error {
	action, err := ParseInstruction(instruction)
	if err != nil {
		return err
	}
	ms := millis(remaining(ctx, e.timeout))

	switch action.Kind {
	case ActionNavigate:
		return e.Navigate(ctx, action.URL, e.navTimeout)

	case ActionClick:
		if err := e.page.Click(action.Selector, playwright.PageClickOptions{Timeout: &ms}); err != nil {
			return fmt.Errorf("click failed: %w", err)
		}

	case ActionFill:
		if err := e.page.Fill(action.Selector, action.Value, playwright.PageFillOptions{Timeout: &ms}); err != nil {
			return fmt.Errorf("fill failed: %w", err)
		}

	case ActionPress:
		if err := e.page.Keyboard().Press(action.Value); err != nil {
			return fmt.Errorf("press failed: %w", err)
		}

	case ActionWait:
		select {
		case <-time.After(action.Duration):
		case <-ctx.Done():
			return ctx.Err()
		}

	case ActionWaitFor:
		if _, err := e.page.WaitForSelector(action.Selector, playwright.PageWaitForSelectorOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: &ms,
		}); err != nil {
			return fmt.Errorf("wait failed: %w", err)
		}

	case ActionExpectText:
		body, err := e.page.InnerText("body", playwright.PageInnerTextOptions{Timeout: &ms})
		if err != nil {
			return fmt.Errorf("text extraction failed: %w", err)
		}
		if !strings.Contains(body, action.Value) {
			return &ExpectationError{Action: action}
		}

	case ActionExpectURL:
		if current := e.page.URL(); !strings.Contains(current, action.Value) {
			return &ExpectationError{Action: action, Actual: current}
		}

	case ActionExpectVisible:
		visible, err := e.page.IsVisible(action.Selector)
		if err != nil {
			return fmt.Errorf("visibility check failed: %w", err)
		}
		if !visible {
			return &ExpectationError{Action: action}
		}
	}

	return nil
}

func (e *playwrightEngine) Screenshot(ctx context.Context) ([]byte, error) {
	ms := millis(remaining(ctx, e.timeout))
	data, err := e.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypePng,
		Timeout: &ms,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return data, nil
}

func (e *playwrightEngine) Close() error {
	var errs []error
	if err := e.page.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.context.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.browser.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing browser: %v", errs)
	}
	return nil
}
