package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/entrhq/queuepause/pkg/page"
	"github.com/playwright-community/playwright-go"
)

// ErrLoginTimeout means the queue table never appeared, usually because
// the operator did not finish signing in.
var ErrLoginTimeout = errors.New("timed out waiting for the Queues page")

// UpdateLastUsed updates the LastUsedAt timestamp to the current time.
func (s *Session) UpdateLastUsed() {
	s.LastUsedAt = time.Now()
}

// navigate goes to target and records where the page ended up.
func (s *Session) navigate(target string, opts NavigateOptions) error {
	s.UpdateLastUsed()

	playwrightOpts := playwright.PageGotoOptions{}
	if opts.WaitUntil != "" {
		waitUntil := playwright.WaitUntilState(opts.WaitUntil)
		playwrightOpts.WaitUntil = &waitUntil
	}
	if opts.Timeout > 0 {
		playwrightOpts.Timeout = &opts.Timeout
	}

	if _, err := s.Page.Goto(target, playwrightOpts); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}
	s.CurrentURL = s.Page.URL()
	return nil
}

// Open navigates to the Queues page and waits up to loginWait for the queue
// table. The operator signs in through the browser window meanwhile; the
// wait survives the redirects that involves.
func (s *Session) Open(ctx context.Context, target string, loginWait time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.navigate(target, NavigateOptions{WaitUntil: "domcontentloaded"}); err != nil {
		return err
	}

	ms := float64(loginWait.Milliseconds())
	state := playwright.WaitForSelectorState("attached")
	_, err := s.Page.WaitForSelector(s.tableSelector, playwright.PageWaitForSelectorOptions{
		State:   &state,
		Timeout: &ms,
	})
	if err != nil {
		return fmt.Errorf("%w (%s): %v", ErrLoginTimeout, loginWait, err)
	}
	s.CurrentURL = s.Page.URL()
	return nil
}

// LiveDocument parses the page's current DOM.
func (s *Session) LiveDocument(ctx context.Context) (*page.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateLastUsed()

	content, err := s.Page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read live page: %w", err)
	}
	base, err := url.Parse(s.Page.URL())
	if err != nil {
		return nil, fmt.Errorf("invalid page URL: %w", err)
	}
	s.CurrentURL = base.String()
	return page.Parse(content, base)
}

// Cookies exports the context cookies that apply to target.
func (s *Session) Cookies(target string) ([]*http.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateLastUsed()

	cookies, err := s.Context.Cookies(target)
	if err != nil {
		return nil, fmt.Errorf("failed to export cookies: %w", err)
	}
	return toHTTPCookies(cookies), nil
}

// UserAgent returns the browser's User-Agent string.
func (s *Session) UserAgent() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.Page.Evaluate("() => navigator.userAgent")
	if err != nil {
		return "", fmt.Errorf("failed to read user agent: %w", err)
	}
	ua, _ := v.(string)
	return ua, nil
}

// SaveStorageState writes the context's cookies and local storage to path so
// a later headless run can start signed in.
func (s *Session) SaveStorageState(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.Context.StorageState(path); err != nil {
		return fmt.Errorf("failed to save storage state: %w", err)
	}
	return nil
}

func (s *Session) close() {
	_ = s.Page.Close()    // Ignore errors, continue cleanup
	_ = s.Context.Close() // Ignore errors, continue cleanup
	_ = s.Browser.Close() // Ignore errors, continue cleanup
}

func toHTTPCookies(in []playwright.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HttpOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		// Session cookies carry -1
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, hc)
	}
	return out
}
