package browser

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Manager owns the Playwright driver and the single browser session of a run.
type Manager struct {
	mu          sync.Mutex
	playwright  *playwright.Playwright
	session     *Session
	initialized bool
}

// NewManager creates a new manager. Initialize must be called before Launch.
func NewManager() *Manager {
	return &Manager{}
}

// Initialize installs and starts the Playwright driver.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	// Discard driver output so it does not interleave with operator narration
	opts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}

	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	m.playwright = pw
	m.initialized = true
	return nil
}

// Launch opens a Chromium browser with one context and one page. Any
// session still open from a previous launch is closed first.
func (m *Manager) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("browser manager not initialized")
	}

	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}

	if opts.Viewport == nil {
		opts.Viewport = &Viewport{
			Width:  DefaultViewportWidth,
			Height: DefaultViewportHeight,
		}
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     []string{"--start-maximized", "--disable-blink-features=AutomationControlled"},
	}
	browser, err := m.playwright.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	// Clipboard permissions let the copy affordance and page-side clipboard reads work
	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		},
		Permissions: []string{"clipboard-read", "clipboard-write"},
	}
	bctx, err := browser.NewContext(contextOpts)
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

	page.SetDefaultTimeout(opts.Timeout)

	session := &Session{
		Browser:   browser,
		Context:   bctx,
		PWPage:    page,
		Headless:  opts.Headless,
		CreatedAt: time.Now(),
	}
	session.page = &pageAdapter{page: page, context: bctx}

	m.session = session
	return session, nil
}

// Shutdown closes the open session and stops Playwright.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		_ = m.session.Close()
		m.session = nil
	}

	if m.initialized && m.playwright != nil {
		if err := m.playwright.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		m.initialized = false
	}

	return nil
}

// Session is a launched browser with its context and page.
type Session struct {
	Browser   playwright.Browser
	Context   playwright.BrowserContext
	PWPage    playwright.Page
	Headless  bool
	CreatedAt time.Time

	page      *pageAdapter
	closeOnce sync.Once
	closeErr  error
}

// Page returns the session page behind the narrow Page interface.
func (s *Session) Page() Page {
	return s.page
}

// Close closes page, context and browser. Errors are collected but every
// resource is still released. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.PWPage.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.Context.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.Browser.Close(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.closeErr = fmt.Errorf("errors closing browser session: %v", errs)
		}
	})
	return s.closeErr
}
