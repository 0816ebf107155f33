package browser

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Session is the single browser session holding the Queues page.
type Session struct {
	// Browser is the Playwright browser instance
	Browser playwright.Browser

	// Context is the browser context carrying the operator's cookies
	Context playwright.BrowserContext

	// Page shows the Queues page
	Page playwright.Page

	// Headless indicates if the browser runs without a window
	Headless bool

	// CreatedAt is when the session was launched
	CreatedAt time.Time

	// LastUsedAt is the time of the last operation on this session
	LastUsedAt time.Time

	// CurrentURL is the URL of the page after the last navigation
	CurrentURL string

	tableSelector string
	frameName     string

	mu sync.Mutex
}

// Options configures a new browser session.
type Options struct {
	// Headless runs the browser without a visible window. Signing in needs
	// a window, so headless only works with an existing profile.
	Headless bool

	// Viewport sets the initial viewport size
	Viewport *Viewport

	// Timeout is the default Playwright operation timeout in milliseconds
	Timeout float64

	// TableSelector identifies the queue table on the page
	TableSelector string

	// FrameName names the hidden frame used for native replay
	FrameName string

	// StorageState is a Playwright storage state file to start from. It is
	// required when Headless is set.
	StorageState string
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// NavigateOptions configures page navigation behavior.
type NavigateOptions struct {
	// WaitUntil specifies when to consider navigation successful
	// Valid values: "load", "domcontentloaded", "networkidle"
	WaitUntil string

	// Timeout in milliseconds (0 means default)
	Timeout float64
}

// Default values
const (
	DefaultTimeout        = 30000.0 // 30 seconds in milliseconds
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 900
	DefaultTableSelector  = "table.queues"
	DefaultFrameName      = "queuepause-replay-frame"
)

// ErrNoSavedSession means a headless session was asked for without a saved
// sign-in to start from.
var ErrNoSavedSession = errors.New("headless browser needs a saved sign-in (storage state)")

func (o Options) validate() error {
	if !o.Headless {
		return nil
	}
	if o.StorageState == "" {
		return ErrNoSavedSession
	}
	if _, err := os.Stat(o.StorageState); err != nil {
		return fmt.Errorf("%w: %v", ErrNoSavedSession, err)
	}
	return nil
}

// hasStorageState reports whether a saved state exists to load.
func (o Options) hasStorageState() bool {
	if o.StorageState == "" {
		return false
	}
	_, err := os.Stat(o.StorageState)
	return err == nil
}

func (o Options) withDefaults() Options {
	if o.Viewport == nil {
		o.Viewport = &Viewport{
			Width:  DefaultViewportWidth,
			Height: DefaultViewportHeight,
		}
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.TableSelector == "" {
		o.TableSelector = DefaultTableSelector
	}
	if o.FrameName == "" {
		o.FrameName = DefaultFrameName
	}
	return o
}
