package submit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/entrhq/queuepause/pkg/diagnostics"
	"github.com/entrhq/queuepause/pkg/page"
	"github.com/entrhq/queuepause/pkg/queue"
)

// DefaultNativeTimeout bounds the wait for the replay frame to load.
const DefaultNativeTimeout = 15 * time.Second

// ReplayRequest identifies the live form and control to submit.
type ReplayRequest struct {
	ActionPathKey string
	ControlName   string
	ControlValue  string
	Timeout       time.Duration
}

// ReplayResult is what the off-screen frame ended up showing.
type ReplayResult struct {
	URL      string
	HTML     string
	TimedOut bool

	// CrossOrigin is set when the frame ended up on another origin, which
	// for a queue form means a single sign-on bounce.
	CrossOrigin bool
}

// FormReplayer submits a live page form through the browser's own form
// machinery. It returns ErrFormNotFound when no live form matches.
type FormReplayer interface {
	ReplayForm(ctx context.Context, req ReplayRequest) (ReplayResult, error)
}

// NativeExecutor submits through the live page. It never falls back to a
// direct request: a replay that did not clearly succeed is a failure.
type NativeExecutor struct {
	replayer FormReplayer
	base     *url.URL
	timeout  time.Duration
	log      *diagnostics.Logger
}

// NativeOption configures a NativeExecutor.
type NativeOption func(*NativeExecutor)

// WithNativeTimeout overrides DefaultNativeTimeout.
func WithNativeTimeout(d time.Duration) NativeOption {
	return func(e *NativeExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithNativeLogger sends submission traces to l.
func WithNativeLogger(l *diagnostics.Logger) NativeOption {
	return func(e *NativeExecutor) {
		e.log = l
	}
}

// NewNativeExecutor creates an executor replaying forms of the page at base.
func NewNativeExecutor(r FormReplayer, base *url.URL, opts ...NativeOption) *NativeExecutor {
	e := &NativeExecutor{
		replayer: r,
		base:     base,
		timeout:  DefaultNativeTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit implements Executor. The header token is not used; the browser
// carries the form's own tokens.
func (e *NativeExecutor) Submit(ctx context.Context, c queue.Candidate, _ string) (Outcome, error) {
	if !c.Safe() {
		return Outcome{}, fmt.Errorf("%w: %q", ErrDeleteControl, c.ControlName)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout+time.Second)
	defer cancel()

	e.log.Debugf("queue %s: native replay of %s", c.QueueName, c.ActionPathKey)

	res, err := e.replayer.ReplayForm(ctx, ReplayRequest{
		ActionPathKey: c.ActionPathKey,
		ControlName:   c.ControlName,
		ControlValue:  c.ControlValue,
		Timeout:       e.timeout,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			res = ReplayResult{TimedOut: true}
		} else {
			return Outcome{Mode: ModeNative}, fmt.Errorf("queue %s: %w", c.QueueName, err)
		}
	}

	out := e.classify(res)
	e.log.Verbosef("queue %s: %s", c.QueueName, out)
	return out, nil
}

func (e *NativeExecutor) classify(res ReplayResult) Outcome {
	out := Outcome{Mode: ModeNative}
	if res.TimedOut {
		out.Forbidden = true
		out.ForbiddenKind = page.ForbiddenUnknown
		return out
	}

	if res.CrossOrigin {
		out.LoginPage = true
		out.ForbiddenKind = page.ForbiddenLogin
		return out
	}

	base := e.base
	if u, err := url.Parse(res.URL); err == nil && u.Host != "" {
		base = u
	}

	out.BodySnippet = snippet(res.HTML, true)
	doc, err := page.Parse(res.HTML, base)
	if err != nil {
		out.Forbidden = true
		out.ForbiddenKind = page.ForbiddenUnknown
		return out
	}

	switch {
	case page.LooksLikeLoginPage(doc) || (base != nil && page.IsLoginPath(base.Path)):
		out.LoginPage = true
		out.ForbiddenKind = page.ForbiddenLogin
	case doc.HasQueueTable():
		out.OK = true
		out.Status = http.StatusOK
		out.Document = doc
	default:
		out.Forbidden = true
		out.ForbiddenKind = page.ClassifyForbidden(res.HTML, nil)
	}
	return out
}
