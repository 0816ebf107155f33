package browser

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Manager owns the Playwright driver and the one session a run uses.
type Manager struct {
	mu          sync.Mutex
	playwright  *playwright.Playwright
	session     *Session
	install     bool
	initialized bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithInstall controls whether browser binaries are installed on first use.
func WithInstall(install bool) ManagerOption {
	return func(m *Manager) {
		m.install = install
	}
}

// NewManager creates a new manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{install: true}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize starts the Playwright driver.
// This must be called before Start.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	// Discard driver output so it does not interfere with the status view
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if m.install {
		if err := playwright.Install(opts); err != nil {
			return fmt.Errorf("failed to install playwright: %w", err)
		}
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	m.playwright = pw
	m.initialized = true
	return nil
}

// Start launches the browser session.
func (m *Manager) Start(opts Options) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("browser manager not initialized")
	}
	if m.session != nil {
		return nil, fmt.Errorf("browser session already started")
	}

	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	browser, err := m.playwright.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		},
	}
	if opts.hasStorageState() {
		contextOpts.StorageStatePath = playwright.String(opts.StorageState)
	}
	context, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	page, err := context.NewPage()
	if err != nil {
		context.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(opts.Timeout)

	now := time.Now()
	m.session = &Session{
		Browser:       browser,
		Context:       context,
		Page:          page,
		Headless:      opts.Headless,
		CreatedAt:     now,
		LastUsedAt:    now,
		CurrentURL:    "about:blank",
		tableSelector: opts.TableSelector,
		frameName:     opts.FrameName,
	}
	return m.session, nil
}

// Session returns the running session, or nil.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Shutdown closes the session and stops Playwright.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		m.session.close()
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
