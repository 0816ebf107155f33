// Package browser holds the operator's authenticated Sidekiq session in a
// real browser driven by Playwright.
//
// # Architecture
//
// A Manager owns the Playwright driver and launches exactly one Session.
// The Session keeps the Queues page open and serves three purposes:
//
//  1. Live reads: the current DOM is exported as HTML and parsed like any
//     fetched page.
//  2. Native replay: a queue's own form is submitted by the page itself into
//     a hidden frame, so the browser supplies every cookie and token.
//  3. Cookie export: the context's cookies seed the HTTP client used for
//     re-reads and direct submissions.
//
// # Session Lifecycle
//
//  1. Start: launch Chromium (headed by default so the operator can sign in)
//  2. Open: navigate to the Queues page and wait until the queue table shows
//  3. Use: live reads, replays and cookie exports for one run
//  4. Shutdown: close the page, context, browser and driver
//
// # Example Usage
//
//	m := browser.NewManager()
//	if err := m.Initialize(); err != nil {
//	    return err
//	}
//	defer m.Shutdown()
//
//	s, err := m.Start(browser.Options{Headless: false})
//	if err != nil {
//	    return err
//	}
//	if err := s.Open(ctx, target, 5*time.Minute); err != nil {
//	    return err
//	}
//	doc, err := s.LiveDocument(ctx)
package browser
