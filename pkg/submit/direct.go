package submit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/entrhq/queuepause/pkg/client"
	"github.com/entrhq/queuepause/pkg/diagnostics"
	"github.com/entrhq/queuepause/pkg/page"
	"github.com/entrhq/queuepause/pkg/queue"
)

// DefaultSmallBodyBytes is the largest non-HTML 2xx body that is still read.
const DefaultSmallBodyBytes int64 = 64 << 10

// DirectExecutor replicates a queue form as a hand-built same-origin POST.
type DirectExecutor struct {
	client    *client.Client
	mode      Mode
	smallBody int64
	log       *diagnostics.Logger
}

// DirectOption configures a DirectExecutor.
type DirectOption func(*DirectExecutor)

// WithSmallBodyBytes sets the read threshold for non-HTML 2xx bodies.
func WithSmallBodyBytes(n int64) DirectOption {
	return func(e *DirectExecutor) {
		e.smallBody = n
	}
}

// WithDirectLogger sends submission traces to l.
func WithDirectLogger(l *diagnostics.Logger) DirectOption {
	return func(e *DirectExecutor) {
		e.log = l
	}
}

// NewDirectExecutor creates an executor for the form or xhr mode.
func NewDirectExecutor(c *client.Client, mode Mode, opts ...DirectOption) (*DirectExecutor, error) {
	if !mode.Direct() {
		return nil, fmt.Errorf("mode %q is not a direct delivery mode", mode)
	}
	e := &DirectExecutor{
		client:    c,
		mode:      mode,
		smallBody: DefaultSmallBodyBytes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Mode returns the delivery mode.
func (e *DirectExecutor) Mode() Mode {
	return e.mode
}

// Submit implements Executor.
func (e *DirectExecutor) Submit(ctx context.Context, c queue.Candidate, headerToken string) (Outcome, error) {
	body, err := BuildBody(c)
	if err != nil {
		return Outcome{}, err
	}

	pageURL := e.client.Target()
	target, err := resolveAction(pageURL, c.ActionPath)
	if err != nil {
		return Outcome{}, err
	}
	if !page.SameOrigin(pageURL, target) {
		return Outcome{}, fmt.Errorf("%w: %s", ErrCrossOrigin, page.Origin(target))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(body.Encode()))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = BuildHeaders(e.mode, headerToken, e.client.Origin(), pageURL.String())

	e.log.Debugf("queue %s: POST %s (%s, header token %t)", c.QueueName, target.Path, e.mode, headerToken != "")

	resp, err := e.client.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("queue %s: %w", c.QueueName, err)
	}
	defer resp.Body.Close()

	out, err := e.classify(resp, target)
	if err != nil {
		return out, fmt.Errorf("queue %s: %w", c.QueueName, err)
	}
	e.log.Verbosef("queue %s: %s", c.QueueName, out)
	return out, nil
}

func (e *DirectExecutor) classify(resp *http.Response, target *url.URL) (Outcome, error) {
	out := Outcome{Status: resp.StatusCode, Mode: e.mode}

	if client.IsRedirect(resp.StatusCode) {
		loc := resp.Header.Get("Location")
		ref, err := url.Parse(loc)
		if loc == "" || err != nil {
			return out, fmt.Errorf("redirect with invalid Location %q", loc)
		}
		next := target.ResolveReference(ref)
		if !page.SameOrigin(target, next) || page.IsLoginPath(next.Path) {
			out.LoginPage = true
			out.ForbiddenKind = page.ForbiddenLogin
			return out, nil
		}
		out.OK = true
		return out, nil
	}

	success := resp.StatusCode >= 200 && resp.StatusCode <= 299
	if !e.shouldRead(resp, success) {
		out.OK = success
		return out, nil
	}

	raw, truncated, err := client.ReadBody(resp.Body, e.client.MaxBodyBytes())
	if err != nil {
		return out, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	out.BodySnippet = snippet(raw, client.IsHTML(resp.Header))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		out.Forbidden = true
		out.ForbiddenKind = page.ClassifyForbidden(raw, resp.Header)
		out.LoginPage = out.ForbiddenKind == page.ForbiddenLogin
		return out, nil
	case !success:
		return out, nil
	}

	if !client.IsHTML(resp.Header) {
		out.OK = true
		return out, nil
	}

	doc, err := page.Parse(raw, e.client.Target())
	if err != nil {
		return out, err
	}
	if page.LooksLikeLoginPage(doc) {
		out.LoginPage = true
		out.ForbiddenKind = page.ForbiddenLogin
		return out, nil
	}
	out.OK = true
	// A cut page would hide every queue past the cut.
	if resp.StatusCode == http.StatusOK && doc.HasQueueTable() && !truncated {
		out.Document = doc
	} else if truncated {
		e.log.Debugf("response over %d bytes, not used as a fresher page", e.client.MaxBodyBytes())
	}
	return out, nil
}

// shouldRead reports whether the body is worth reading: HTML, any failure,
// or a 2xx small enough to be cheap.
func (e *DirectExecutor) shouldRead(resp *http.Response, success bool) bool {
	if !success || client.IsHTML(resp.Header) {
		return true
	}
	return resp.ContentLength >= 0 && resp.ContentLength <= e.smallBody
}

func resolveAction(pageURL *url.URL, action string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(action))
	if err != nil {
		return nil, fmt.Errorf("invalid form action %q: %w", action, err)
	}
	return pageURL.ResolveReference(ref), nil
}
