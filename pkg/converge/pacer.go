package converge

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Range is an inclusive randomised delay range.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Pacing holds the delays the controller inserts between requests.
type Pacing struct {
	Submission    Range // between submissions
	Pass          Range // between passes
	PostForbidden Range // extra, after a rejection
	// PostForbiddenWindow is how close to the previous submission the next
	// one must fall for PostForbidden to apply.
	PostForbiddenWindow time.Duration
	ErrorBackoff        Range // after transport errors
}

// DefaultPacing returns the stock delays.
func DefaultPacing() Pacing {
	return Pacing{
		Submission:          Range{Min: 250 * time.Millisecond, Max: 900 * time.Millisecond},
		Pass:                Range{Min: 1500 * time.Millisecond, Max: 3500 * time.Millisecond},
		PostForbidden:       Range{Min: 800 * time.Millisecond, Max: 1600 * time.Millisecond},
		PostForbiddenWindow: time.Second,
		ErrorBackoff:        Range{Min: 2000 * time.Millisecond, Max: 4000 * time.Millisecond},
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the context-aware timer the pacer uses by default.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Pacer spaces out requests. It remembers when the last submission went out
// and whether it was rejected.
type Pacer struct {
	mu    sync.Mutex
	cfg   Pacing
	sleep SleepFunc
	rand  *rand.Rand
	now   func() time.Time

	lastSubmit    time.Time
	lastForbidden bool
}

// PacerOption configures a Pacer.
type PacerOption func(*Pacer)

// WithSleep replaces the timer, mostly for tests.
func WithSleep(fn SleepFunc) PacerOption {
	return func(p *Pacer) {
		p.sleep = fn
	}
}

// WithRand sets the random source.
func WithRand(r *rand.Rand) PacerOption {
	return func(p *Pacer) {
		p.rand = r
	}
}

// WithPacerClock overrides the time source.
func WithPacerClock(now func() time.Time) PacerOption {
	return func(p *Pacer) {
		p.now = now
	}
}

// NewPacer creates a pacer for cfg.
func NewPacer(cfg Pacing, opts ...PacerOption) *Pacer {
	p := &Pacer{
		cfg:   cfg,
		sleep: Sleep,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rand == nil {
		p.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p
}

// pick returns a uniform duration within r.
func (p *Pacer) pick(r Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(p.rand.Int63n(int64(r.Max-r.Min)+1))
}

// BeforeSubmission waits before the next submission. The submission delay is
// skipped for the first submission of a pass. If the previous submission was
// rejected and this one would follow it within the window, the extra
// post-forbidden delay is added.
func (p *Pacer) BeforeSubmission(ctx context.Context, first bool) error {
	p.mu.Lock()
	var d time.Duration
	if !first {
		d = p.pick(p.cfg.Submission)
	}
	if p.lastForbidden && !p.lastSubmit.IsZero() {
		elapsed := p.now().Sub(p.lastSubmit)
		if elapsed+d < p.cfg.PostForbiddenWindow {
			d += p.pick(p.cfg.PostForbidden)
		}
	}
	p.mu.Unlock()
	return p.sleep(ctx, d)
}

// Submitted records that a submission just completed.
func (p *Pacer) Submitted(forbidden bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSubmit = p.now()
	p.lastForbidden = forbidden
}

// BetweenPasses waits for eventual consistency to settle.
func (p *Pacer) BetweenPasses(ctx context.Context) error {
	p.mu.Lock()
	d := p.pick(p.cfg.Pass)
	p.mu.Unlock()
	return p.sleep(ctx, d)
}

// AfterError backs off after a transport or unexpected failure.
func (p *Pacer) AfterError(ctx context.Context) error {
	p.mu.Lock()
	d := p.pick(p.cfg.ErrorBackoff)
	p.mu.Unlock()
	return p.sleep(ctx, d)
}
