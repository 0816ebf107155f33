// Package converge drives a bulk pause or unpause to completion: it
// enumerates the queues that still need the action, submits each one with
// pacing, refreshes tokens at most once per pass, and repeats until nothing
// is left, the pass budget is spent, or the session is lost.
package converge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/queuepause/pkg/client"
	"github.com/entrhq/queuepause/pkg/diagnostics"
	"github.com/entrhq/queuepause/pkg/page"
	"github.com/entrhq/queuepause/pkg/queue"
	"github.com/entrhq/queuepause/pkg/status"
	"github.com/entrhq/queuepause/pkg/submit"
	"github.com/google/uuid"
)

// ErrBusy is returned by Run while another run is in progress.
var ErrBusy = errors.New("a bulk operation is already running")

// DefaultMaxPasses is the pass budget when none is configured.
const DefaultMaxPasses = 5

// Fetcher re-reads the Queues page over HTTP.
type Fetcher interface {
	Fetch(ctx context.Context) (*client.Page, error)
}

// LiveSource exposes the page the operator has open.
type LiveSource interface {
	LiveDocument(ctx context.Context) (*page.Document, error)
}

// Config holds the pass budget and pacing of a run.
type Config struct {
	MaxPasses    int
	LiveRecheck  bool
	RecheckEvery int
	Pacing       Pacing
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		MaxPasses:    DefaultMaxPasses,
		LiveRecheck:  true,
		RecheckEvery: 4,
		Pacing:       DefaultPacing(),
	}
}

// Runner runs bulk operations one at a time.
type Runner struct {
	mu      sync.Mutex
	running bool

	cfg      Config
	fetcher  Fetcher
	live     LiveSource
	exec     submit.Executor
	enum     *queue.Enumerator
	tokens   *page.TokenResolver
	pacer    *Pacer
	reporter status.Reporter
	log      *diagnostics.Logger
	runID    string
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLive sets the live page read on pass 1 and for rechecks. Without it
// pass 1 fetches the page.
func WithLive(live LiveSource) Option {
	return func(r *Runner) {
		r.live = live
	}
}

// WithEnumerator sets the enumerator, e.g. one with a queue filter.
func WithEnumerator(e *queue.Enumerator) Option {
	return func(r *Runner) {
		r.enum = e
	}
}

// WithTokenResolver sets the header token resolver.
func WithTokenResolver(t *page.TokenResolver) Option {
	return func(r *Runner) {
		r.tokens = t
	}
}

// WithPacer replaces the pacer built from Config.Pacing.
func WithPacer(p *Pacer) Option {
	return func(r *Runner) {
		r.pacer = p
	}
}

// WithReporter sets where progress goes.
func WithReporter(rep status.Reporter) Option {
	return func(r *Runner) {
		r.reporter = rep
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *diagnostics.Logger) Option {
	return func(r *Runner) {
		r.log = l
	}
}

// WithRunID sets the run id reported in results. A fresh UUID is used per
// run otherwise.
func WithRunID(id string) Option {
	return func(r *Runner) {
		r.runID = id
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a runner that fetches with fetcher and submits with exec.
func NewRunner(cfg Config, fetcher Fetcher, exec submit.Executor, opts ...Option) *Runner {
	if cfg.MaxPasses < 1 {
		cfg.MaxPasses = DefaultMaxPasses
	}
	r := &Runner{
		cfg:      cfg,
		fetcher:  fetcher,
		exec:     exec,
		reporter: status.Discard,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.enum == nil {
		r.enum = queue.NewEnumerator(queue.WithLogger(r.log))
	}
	if r.tokens == nil {
		r.tokens = page.NewTokenResolver(page.DefaultScanConfig())
	}
	if r.pacer == nil {
		r.pacer = NewPacer(cfg.Pacing)
	}
	return r
}

func (r *Runner) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	return true
}

func (r *Runner) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Run converges every queue on the page towards action. Per-queue failures
// are collected in the result; only a page that cannot be read at all on the
// first pass is returned as an error.
func (r *Runner) Run(ctx context.Context, action queue.Action) (*Result, error) {
	if !r.acquire() {
		return nil, ErrBusy
	}
	defer r.release()

	runID := r.runID
	if runID == "" {
		runID = uuid.New().String()
	}

	s := &run{
		r:      r,
		action: action,
		res:    newResult(runID, action, r.now()),
	}
	r.log.Infof("run %s: %s, at most %d pass(es)", runID, action, r.cfg.MaxPasses)

	if err := s.execute(ctx); err != nil {
		r.log.Errorf("run %s failed: %v", runID, err)
		return nil, err
	}

	s.res.Duration = r.now().Sub(s.res.StartedAt)
	s.res.Stats.HeaderTokenSource = s.header.Source
	summary := s.res.Summary()
	r.log.Infof("%s", summary)
	r.reporter.Result(summary)
	return s.res, nil
}

// run is the state of one invocation.
type run struct {
	r      *Runner
	action queue.Action
	res    *Result

	doc    *page.Document
	header page.HeaderToken

	passesSubmitted int
}

func (s *run) execute(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}
	if s.res.Aborted {
		return nil
	}

	maxPasses := s.r.cfg.MaxPasses
	for pass := 1; pass <= maxPasses; pass++ {
		if pass > 1 {
			s.r.reporter.Progress(fmt.Sprintf("Pass %d/%d: waiting for the page to settle", pass, maxPasses))
			if err := s.r.pacer.BetweenPasses(ctx); err != nil {
				s.abort(ReasonCancelled)
				return nil
			}
			if !s.refetch(ctx, pass, "pass start") {
				if s.res.Aborted {
					return nil
				}
				continue
			}
		}

		cands := s.r.enum.Enumerate(s.doc, s.action)
		if len(cands) == 0 {
			s.succeed()
			return nil
		}

		s.passesSubmitted++
		s.res.PassesUsed = s.passesSubmitted
		s.r.log.Infof("pass %d: %d queue(s) to %s: %s", pass, len(cands), s.action, strings.Join(queue.Names(cands), ", "))
		s.r.reporter.Progress(fmt.Sprintf("Pass %d/%d: %d queue(s) to %s", pass, maxPasses, len(cands), s.action))

		s.runPass(ctx, pass, cands)
		if s.res.Aborted {
			return nil
		}
	}

	s.r.reporter.Progress("Final check")
	verified := s.refetch(ctx, maxPasses, "final check")
	if s.res.Aborted {
		return nil
	}

	remaining := s.r.enum.Enumerate(s.doc, s.action)
	if len(remaining) == 0 && verified {
		s.succeed()
		return nil
	}
	s.res.Success = false
	s.res.RemainingQueues = queue.Names(remaining)
	if !verified {
		s.r.log.Warnf("final check failed, %d queue(s) still to %s on the last page read", len(remaining), s.action)
		return nil
	}
	s.r.log.Warnf("%d queue(s) still not %s after %d pass(es): %s",
		len(remaining), s.action.Past(), maxPasses, strings.Join(s.res.RemainingQueues, ", "))
	return nil
}

// start reads the page for pass 1: the live page when there is one, with
// one preflight fetch if it carries no header token, else a fetch.
func (s *run) start(ctx context.Context) error {
	if ctx.Err() != nil {
		s.abort(ReasonCancelled)
		return nil
	}

	if s.r.live == nil {
		p, err := s.r.fetcher.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.abort(ReasonCancelled)
				return nil
			}
			return fmt.Errorf("failed to fetch the Queues page: %w", err)
		}
		if p.Login {
			s.abort("session lost: the Queues page redirected to sign-in")
			return nil
		}
		if !s.hasTable(p.Doc) {
			return fmt.Errorf("no queue table on the Queues page (status %d)", p.Status)
		}
		s.adopt(p.Doc, p.Header, "initial fetch")
		return nil
	}

	doc, err := s.r.live.LiveDocument(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.abort(ReasonCancelled)
			return nil
		}
		return fmt.Errorf("failed to read the live page: %w", err)
	}
	if page.LooksLikeLoginPage(doc) {
		s.abort("session lost: the live page is a sign-in page")
		return nil
	}
	if !s.hasTable(doc) {
		return fmt.Errorf("no queue table on the live page")
	}
	s.adopt(doc, nil, "live page")

	if !s.header.Found() {
		s.r.log.Warnf("no header token on the live page, fetching once before submitting")
		s.refetch(ctx, 1, "preflight")
	}
	return nil
}

// runPass submits every candidate once. A fresher document from a
// submission replaces the list; keys already attempted are skipped.
func (s *run) runPass(ctx context.Context, pass int, cands []queue.Candidate) {
	attempted := make(map[string]bool)
	refreshed := false
	first := true
	checked := 0
	total := len(cands)

	for i := 0; i < len(cands); i++ {
		c := cands[i]
		if attempted[c.ActionPathKey] {
			continue
		}
		if ctx.Err() != nil {
			s.abort(ReasonCancelled)
			return
		}

		checked++
		if s.shouldRecheck(checked) {
			still, ok := s.liveRecheck(ctx, c)
			if s.res.Aborted {
				return
			}
			if ok && !still {
				attempted[c.ActionPathKey] = true
				s.r.log.Verbosef("queue %s: already %s on the live page, skipping", c.QueueName, s.action.Past())
				continue
			}
		}

		attempted[c.ActionPathKey] = true
		s.r.reporter.Progress(fmt.Sprintf("Pass %d/%d: %s %s (%d/%d)",
			pass, s.r.cfg.MaxPasses, gerund(s.action), c.QueueName, len(attempted), total))

		out, ok := s.submit(ctx, pass, c, &first)
		if !ok {
			if s.res.Aborted {
				return
			}
			continue
		}

		var fresher *page.Document
		switch {
		case out.Forbidden:
			s.res.Stats.ForbiddenCount++
			if refreshed {
				s.recordError(c.QueueName, pass, fmt.Errorf("forbidden (%s), deferred to the next pass", out.ForbiddenKind))
				continue
			}
			refreshed = true
			fresher = s.recoverForbidden(ctx, pass, c, out, cands[i+1:], &first)
			if s.res.Aborted {
				return
			}

		case !out.OK:
			s.recordError(c.QueueName, pass, fmt.Errorf("submission failed: %s", out))
			if err := s.r.pacer.AfterError(ctx); err != nil {
				s.abort(ReasonCancelled)
				return
			}
			continue

		default:
			s.res.TotalProcessed++
			fresher = out.Document
		}

		if s.hasTable(fresher) {
			s.adopt(fresher, nil, "submission response")
			cands = s.r.enum.Enumerate(s.doc, s.action)
			total = len(attempted)
			for _, fc := range cands {
				if !attempted[fc.ActionPathKey] {
					total++
				}
			}
			i = -1
		}
	}
}

// recoverForbidden spends the pass's single token refresh: one fetch, new
// body tokens for the candidates not yet attempted, and one retry of the
// queue that was rejected. It returns a fresher document if the retry
// produced one.
func (s *run) recoverForbidden(ctx context.Context, pass int, c queue.Candidate, out submit.Outcome, rest []queue.Candidate, first *bool) *page.Document {
	s.r.log.Warnf("queue %s: forbidden (%s), refreshing tokens", c.QueueName, out.ForbiddenKind)
	if out.BodySnippet != "" {
		s.r.log.Debugf("queue %s: forbidden response: %s", c.QueueName, out.BodySnippet)
	}

	s.res.Stats.TokenRefreshCount++
	if !s.refetch(ctx, pass, "token refresh") {
		if !s.res.Aborted {
			s.recordError(c.QueueName, pass, fmt.Errorf("forbidden (%s), token refresh failed", out.ForbiddenKind))
		}
		return nil
	}

	fresh := make(map[string]queue.Candidate)
	for _, fc := range s.r.enum.Enumerate(s.doc, s.action) {
		fresh[fc.ActionPathKey] = fc
	}
	for j := range rest {
		if fc, ok := fresh[rest[j].ActionPathKey]; ok {
			rest[j].TokenField = fc.TokenField
			rest[j].BodyToken = fc.BodyToken
		}
	}

	retry, ok := fresh[c.ActionPathKey]
	if !ok {
		s.r.log.Infof("queue %s: no longer offers %s after refresh", c.QueueName, s.action)
		return nil
	}

	again, ok := s.submit(ctx, pass, retry, first)
	if !ok {
		return nil
	}
	switch {
	case again.OK:
		s.res.TotalProcessed++
		s.res.Stats.RetrySuccessCount++
		s.r.log.Infof("queue %s: accepted after token refresh", c.QueueName)
		return again.Document
	case again.Forbidden:
		s.res.Stats.ForbiddenCount++
		s.recordError(c.QueueName, pass, fmt.Errorf("forbidden (%s) after token refresh", again.ForbiddenKind))
	default:
		s.recordError(c.QueueName, pass, fmt.Errorf("retry failed: %s", again))
		if err := s.r.pacer.AfterError(ctx); err != nil {
			s.abort(ReasonCancelled)
		}
	}
	return nil
}

// submit paces and sends one candidate. It returns false when there is no
// outcome to act on: an error was recorded or the run was aborted.
func (s *run) submit(ctx context.Context, pass int, c queue.Candidate, first *bool) (submit.Outcome, bool) {
	if err := s.r.pacer.BeforeSubmission(ctx, *first); err != nil {
		s.abort(ReasonCancelled)
		return submit.Outcome{}, false
	}
	*first = false

	out, err := s.r.exec.Submit(ctx, c, s.header.Token)
	s.r.pacer.Submitted(err == nil && out.Forbidden)
	if err != nil {
		if ctx.Err() != nil {
			s.abort(ReasonCancelled)
			return out, false
		}
		s.recordError(c.QueueName, pass, err)
		// Refused before anything was sent
		if errors.Is(err, submit.ErrCrossOrigin) || errors.Is(err, submit.ErrDeleteControl) {
			return out, false
		}
		if err := s.r.pacer.AfterError(ctx); err != nil {
			s.abort(ReasonCancelled)
		}
		return out, false
	}

	s.r.log.Verbosef("queue %s: %s", c.QueueName, out)
	if out.LoginPage {
		s.abort(fmt.Sprintf("session lost: sign-in page after submitting %s", c.QueueName))
		return out, false
	}
	return out, true
}

// refetch replaces the document with a fresh GET. It returns false if no
// usable page came back; session loss aborts the run.
func (s *run) refetch(ctx context.Context, pass int, why string) bool {
	p, err := s.r.fetcher.Fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.abort(ReasonCancelled)
			return false
		}
		s.recordError("", pass, fmt.Errorf("%s fetch: %w", why, err))
		if err := s.r.pacer.AfterError(ctx); err != nil {
			s.abort(ReasonCancelled)
		}
		return false
	}
	if p.Login {
		s.abort(fmt.Sprintf("session lost: sign-in page on %s fetch", why))
		return false
	}
	if !s.hasTable(p.Doc) {
		s.recordError("", pass, fmt.Errorf("%s fetch: no queue table (status %d)", why, p.Status))
		if err := s.r.pacer.AfterError(ctx); err != nil {
			s.abort(ReasonCancelled)
		}
		return false
	}
	s.adopt(p.Doc, p.Header, why)
	return true
}

// adopt makes doc current and resolves its header token. A previously
// found token is kept if the new page has none.
func (s *run) adopt(doc *page.Document, header http.Header, why string) {
	s.doc = doc
	ht := s.r.tokens.Resolve(doc, header)
	if ht.Found() {
		s.r.log.Infof("header token from %s (%s): %s", ht.Source, why, diagnostics.RedactToken(ht.Token))
		s.header = ht
	} else {
		s.r.log.Warnf("no header token on %s", why)
		if !s.header.Found() {
			s.header = ht
		}
	}
}

func (s *run) shouldRecheck(n int) bool {
	return s.r.cfg.LiveRecheck && s.r.live != nil && s.r.cfg.RecheckEvery > 0 && n%s.r.cfg.RecheckEvery == 0
}

// liveRecheck asks the live page whether c still needs the action. ok is
// false when the live page could not answer.
func (s *run) liveRecheck(ctx context.Context, c queue.Candidate) (still, ok bool) {
	doc, err := s.r.live.LiveDocument(ctx)
	if err != nil {
		s.r.log.Debugf("live recheck of %s failed: %v", c.QueueName, err)
		return false, false
	}
	if page.LooksLikeLoginPage(doc) {
		s.abort("session lost: the live page is a sign-in page")
		return false, false
	}
	if !s.hasTable(doc) {
		return false, false
	}
	return s.r.enum.StillActionable(doc, c.ActionPathKey, s.action), true
}

func (s *run) hasTable(doc *page.Document) bool {
	return doc != nil && doc.QueueTable(s.r.enum.Rules().TableClass) != nil
}

func (s *run) succeed() {
	s.res.Success = true
	s.res.RemainingQueues = []string{}
	if s.passesSubmitted < 1 {
		s.res.PassesUsed = 1
	} else {
		s.res.PassesUsed = s.passesSubmitted
	}
}

func (s *run) abort(reason string) {
	if s.res.Aborted {
		return
	}
	s.res.Aborted = true
	s.res.Success = false
	s.res.AbortReason = reason
	s.res.PassesUsed = s.passesSubmitted
	if s.res.PassesUsed < 1 {
		s.res.PassesUsed = 1
	}
	if s.doc != nil && !page.LooksLikeLoginPage(s.doc) {
		s.res.RemainingQueues = queue.Names(s.r.enum.Enumerate(s.doc, s.action))
	}
	s.r.log.Errorf("run aborted: %s", reason)
}

func (s *run) recordError(name string, pass int, err error) {
	msg := diagnostics.Redact(err.Error())
	s.res.Errors = append(s.res.Errors, QueueError{Queue: name, Error: msg, Pass: pass})
	if name == "" {
		s.r.log.Errorf("pass %d: %s", pass, msg)
		return
	}
	s.r.log.Errorf("queue %s (pass %d): %s", name, pass, msg)
}

func gerund(a queue.Action) string {
	return strings.TrimSuffix(string(a), "e") + "ing"
}
