package converge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/queuepause/pkg/client"
	"github.com/entrhq/queuepause/pkg/page"
	"github.com/entrhq/queuepause/pkg/queue"
	"github.com/entrhq/queuepause/pkg/sidekiqtest"
	"github.com/entrhq/queuepause/pkg/submit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// snapshotLive reads the fake host's current page without counting a GET,
// the way the operator's open browser tab would show it.
type snapshotLive struct {
	srv *sidekiqtest.Server
}

func (l *snapshotLive) LiveDocument(context.Context) (*page.Document, error) {
	base, _ := url.Parse(l.srv.PageURL())
	return page.Parse(l.srv.Snapshot(), base)
}

// staticLive always returns the same markup.
type staticLive struct {
	html string
	base string
}

func (l *staticLive) LiveDocument(context.Context) (*page.Document, error) {
	base, _ := url.Parse(l.base)
	return page.Parse(l.html, base)
}

// hookExecutor calls after once each submission returns.
type hookExecutor struct {
	inner submit.Executor
	after func(n int, c queue.Candidate)
	n     int
	seen  []queue.Candidate
}

func (h *hookExecutor) Submit(ctx context.Context, c queue.Candidate, headerToken string) (submit.Outcome, error) {
	h.seen = append(h.seen, c)
	out, err := h.inner.Submit(ctx, c, headerToken)
	h.n++
	if h.after != nil {
		h.after(h.n, c)
	}
	return out, err
}

type recordingReporter struct {
	mu       sync.Mutex
	progress []string
	results  []string
}

func (r *recordingReporter) Progress(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, msg)
}

func (r *recordingReporter) Result(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, msg)
}

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func testConfig(maxPasses int) Config {
	cfg := DefaultConfig()
	cfg.MaxPasses = maxPasses
	return cfg
}

func newDirect(t testing.TB, srv *sidekiqtest.Server) (*client.Client, *submit.DirectExecutor) {
	t.Helper()
	c, err := client.New(srv.PageURL())
	require.NoError(t, err)
	ex, err := submit.NewDirectExecutor(c, submit.ModeForm)
	require.NoError(t, err)
	return c, ex
}

func newRunner(t testing.TB, srv *sidekiqtest.Server, cfg Config, opts ...Option) (*Runner, *hookExecutor) {
	t.Helper()
	c, ex := newDirect(t, srv)
	hook := &hookExecutor{inner: ex}
	pacer := NewPacer(cfg.Pacing, WithSleep(noSleep), WithRand(rand.New(rand.NewSource(1))))
	base := []Option{WithLive(&snapshotLive{srv: srv}), WithPacer(pacer)}
	return NewRunner(cfg, c, hook, append(base, opts...)...), hook
}

func TestRun_FullSuccessSinglePass(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B", "C")
	defer srv.Close()

	rep := &recordingReporter{}
	r, hook := newRunner(t, srv, testConfig(5), WithReporter(rep), WithRunID("run-1"))

	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.False(t, res.Aborted)
	assert.Equal(t, 1, res.PassesUsed)
	assert.Equal(t, 3, res.TotalProcessed)
	assert.Empty(t, res.RemainingQueues)
	assert.Empty(t, res.Errors)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, queue.ActionPause, res.Action)
	assert.Equal(t, page.SourceMeta, res.Stats.HeaderTokenSource)

	assert.Empty(t, srv.Unfinished(queue.ActionPause))
	assert.Equal(t, 3, srv.Posts())
	assert.Equal(t, 1, srv.Gets(), "only the pass 2 re-fetch")
	assert.Zero(t, srv.DeleteAttempts())
	assert.Equal(t, 3, hook.n)

	assert.Contains(t, rep.progress, "Pass 1/5: 3 queue(s) to pause")
	assert.Contains(t, rep.progress, "Pass 1/5: pausing B (2/3)")
	require.Len(t, rep.results, 1)
	assert.Equal(t, res.Summary(), rep.results[0])
}

func TestRun_EventualConsistency(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B", "C")
	defer srv.Close()
	srv.RequireAttempts("B", 2)

	r, _ := newRunner(t, srv, testConfig(5))
	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.LessOrEqual(t, res.PassesUsed, 3)
	assert.Equal(t, 4, res.TotalProcessed)
	assert.Empty(t, res.RemainingQueues)
	assert.Equal(t, 2, srv.QueuePosts("B"))
	assert.Equal(t, 1, srv.QueuePosts("A"))
}

func TestRun_ForbiddenThenRecovered(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B", "C")
	defer srv.Close()
	srv.Forbid("A", 1)

	r, _ := newRunner(t, srv, testConfig(5))
	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Stats.RetrySuccessCount)
	assert.Equal(t, 1, res.Stats.ForbiddenCount)
	assert.Equal(t, 1, res.Stats.TokenRefreshCount)
	assert.Equal(t, 3, res.TotalProcessed)
	assert.Equal(t, 1, res.PassesUsed)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 2, srv.QueuePosts("A"))
}

func TestRun_RefreshUpdatesPendingBodyTokens(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B", "C")
	defer srv.Close()

	// The open tab was rendered before every token rotated
	live := &staticLive{html: srv.Snapshot(), base: srv.PageURL()}
	srv.ExpireTokens()

	r, hook := newRunner(t, srv, testConfig(5), WithLive(live))
	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Stats.ForbiddenCount)
	assert.Equal(t, 1, res.Stats.TokenRefreshCount)
	assert.Equal(t, 1, res.Stats.RetrySuccessCount)
	assert.Empty(t, res.Errors)

	// A with its stale token, then A, B and C with fresh ones
	require.Len(t, hook.seen, 4)
	assert.Equal(t, "A", hook.seen[1].QueueName)
	assert.Equal(t, srv.FormToken("A"), hook.seen[1].BodyToken)
	assert.Equal(t, srv.FormToken("B"), hook.seen[2].BodyToken)
	assert.Equal(t, srv.FormToken("C"), hook.seen[3].BodyToken)
}

func TestRun_PermanentRejection(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B", "C")
	defer srv.Close()
	srv.Forbid("A", -1)

	r, _ := newRunner(t, srv, testConfig(2))
	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.False(t, res.Aborted)
	assert.Equal(t, []string{"A"}, res.RemainingQueues)
	assert.Equal(t, 2, res.Stats.TokenRefreshCount)
	assert.Equal(t, 4, res.Stats.ForbiddenCount)
	assert.Zero(t, res.Stats.RetrySuccessCount)

	require.NotEmpty(t, res.Errors)
	assert.Equal(t, "A", res.Errors[0].Queue)
	assert.Equal(t, 1, res.Errors[0].Pass)
	assert.Contains(t, res.Errors[0].Error, "after token refresh")

	assert.ElementsMatch(t, []string{"A"}, srv.Unfinished(queue.ActionPause))
	assert.Contains(t, res.Summary(), "Partially paused: 1 queue(s) remaining (A)")
}

func TestRun_SingleRefreshPerPass(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B", "C")
	defer srv.Close()
	for _, name := range []string{"A", "B", "C"} {
		srv.Forbid(name, -1)
	}

	r, _ := newRunner(t, srv, testConfig(5))
	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Stats.TokenRefreshCount)
	// One refresh per pass, passes 2-5 each re-fetch at the start, plus the
	// final check
	assert.Equal(t, 10, srv.Gets())
	assert.Equal(t, 20, res.Stats.ForbiddenCount)
	assert.Len(t, res.Errors, 15)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"A", "B", "C"}, res.RemainingQueues)

	for _, e := range res.Errors {
		if e.Queue != "A" {
			assert.Contains(t, e.Error, "deferred to the next pass")
		}
	}
}

func TestRun_SessionLossAtStart(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B")
	defer srv.Close()
	srv.LogOut()

	r, _ := newRunner(t, srv, testConfig(5))
	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)

	assert.True(t, res.Aborted)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.AbortReason)
	assert.Zero(t, srv.Posts())
	assert.Equal(t, 1, res.PassesUsed)
	assert.Contains(t, res.Summary(), "Aborted after 1 pass(es)")
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B")
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, _ := newRunner(t, srv, testConfig(5))
	res, err := r.Run(ctx, queue.ActionPause)
	require.NoError(t, err)

	assert.True(t, res.Aborted)
	assert.Equal(t, ReasonCancelled, res.AbortReason)
	assert.Equal(t, 1, res.PassesUsed)
	assert.Zero(t, srv.Posts())
}

func TestRun_SessionLossShortCircuits(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B", "C", "D")
	defer srv.Close()

	r, hook := newRunner(t, srv, testConfig(5))
	hook.after = func(n int, _ queue.Candidate) {
		if n == 1 {
			srv.LogOut()
		}
	}

	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)

	assert.True(t, res.Aborted)
	assert.Contains(t, res.AbortReason, "session lost")
	assert.Equal(t, 2, srv.Posts(), "nothing is sent after the sign-in page")
	assert.Equal(t, 2, hook.n)
	assert.Zero(t, srv.Gets())
	assert.Equal(t, 1, res.TotalProcessed)
}

func TestRun_SessionLossOnRefresh(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B")
	defer srv.Close()
	srv.Forbid("A", 1)

	r, hook := newRunner(t, srv, testConfig(5))
	hook.after = func(n int, _ queue.Candidate) {
		if n == 1 {
			srv.LogOut()
		}
	}

	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Contains(t, res.AbortReason, "token refresh")
	assert.Equal(t, 1, srv.Posts())
	assert.Equal(t, 1, res.Stats.TokenRefreshCount)
}

func TestRun_Cancelled(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B", "C")
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, hook := newRunner(t, srv, testConfig(5))
	hook.after = func(n int, _ queue.Candidate) {
		if n == 1 {
			cancel()
		}
	}

	res, err := r.Run(ctx, queue.ActionPause)
	require.NoError(t, err)
	assert.True(t, res.Aborted)
	assert.Equal(t, ReasonCancelled, res.AbortReason)
	assert.Equal(t, 1, srv.Posts())
	assert.Equal(t, []string{"B", "C"}, srv.Unfinished(queue.ActionPause))
}

func TestRun_FresherDocumentNeverResubmits(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B", "C")
	defer srv.Close()
	srv.SetPostResponse(sidekiqtest.RespondRender)
	srv.RequireAttempts("B", 2)

	r, _ := newRunner(t, srv, testConfig(5))
	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.PassesUsed)
	assert.Equal(t, 4, res.TotalProcessed)
	assert.Equal(t, 1, srv.QueuePosts("A"))
	assert.Equal(t, 2, srv.QueuePosts("B"), "once per pass despite re-rendered pages")
	assert.Equal(t, 1, srv.QueuePosts("C"))
}

func TestRun_LiveRecheckSkipsSettledQueues(t *testing.T) {
	tests := []struct {
		name        string
		liveRecheck bool
		wantPosts   int
	}{
		{name: "recheck enabled", liveRecheck: true, wantPosts: 0},
		{name: "recheck disabled", liveRecheck: false, wantPosts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := sidekiqtest.NewServer("A", "B", "C", "D")
			defer srv.Close()

			cfg := testConfig(5)
			cfg.LiveRecheck = tt.liveRecheck
			r, hook := newRunner(t, srv, cfg)
			hook.after = func(n int, _ queue.Candidate) {
				// Someone else pauses D in the meantime
				if n == 3 {
					srv.SetPaused("D", true)
				}
			}

			res, err := r.Run(context.Background(), queue.ActionPause)
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, tt.wantPosts, srv.QueuePosts("D"))
		})
	}
}

func TestRun_PreflightWhenHeaderTokenMissing(t *testing.T) {
	tests := []struct {
		name     string
		hideMeta bool
		wantGets int
	}{
		{name: "meta token present", hideMeta: false, wantGets: 1},
		{name: "no header token", hideMeta: true, wantGets: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := sidekiqtest.NewServer("A", "B")
			defer srv.Close()
			srv.HideMetaToken(tt.hideMeta)

			r, _ := newRunner(t, srv, testConfig(5))
			res, err := r.Run(context.Background(), queue.ActionPause)
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, tt.wantGets, srv.Gets())
			if tt.hideMeta {
				assert.Equal(t, page.SourceMissing, res.Stats.HeaderTokenSource)
			}
		})
	}
}

func TestRun_HeaderTokenIsSent(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B")
	defer srv.Close()
	srv.RequireHeaderToken(true)

	r, _ := newRunner(t, srv, testConfig(5))
	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.Stats.ForbiddenCount)
	assert.Equal(t, srv.MetaToken(), srv.LastHeaders().Get("X-CSRF-Token"))
}

func TestRun_CookieOnlyFetchesFirst(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B", "C")
	defer srv.Close()

	c, ex := newDirect(t, srv)
	pacer := NewPacer(DefaultPacing(), WithSleep(noSleep))
	r := NewRunner(testConfig(5), c, ex, WithPacer(pacer))

	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, srv.Gets())
}

func TestRun_Unpause(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B", "C")
	defer srv.Close()
	srv.SetPaused("A", true)
	srv.SetPaused("C", true)

	r, _ := newRunner(t, srv, testConfig(5))
	res, err := r.Run(context.Background(), queue.ActionUnpause)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.TotalProcessed)
	assert.Zero(t, srv.QueuePosts("B"))
	assert.Empty(t, srv.Unfinished(queue.ActionUnpause))
	assert.Equal(t, "true", srv.LastForm().Get("unpause"))
}

func TestRun_NothingToDo(t *testing.T) {
	srv := sidekiqtest.NewServer("A")
	defer srv.Close()
	srv.SetPaused("A", true)

	r, _ := newRunner(t, srv, testConfig(5))
	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.PassesUsed)
	assert.Zero(t, res.TotalProcessed)
	assert.Zero(t, srv.Posts())
}

func TestRun_NoQueueTableIsSetupError(t *testing.T) {
	srv := sidekiqtest.NewServer("A")
	defer srv.Close()

	live := &staticLive{html: "<html><body><p>Dashboard</p></body></html>", base: srv.PageURL()}
	r, _ := newRunner(t, srv, testConfig(5), WithLive(live))

	res, err := r.Run(context.Background(), queue.ActionPause)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "no queue table")
	assert.False(t, r.Running(), "guard is cleared on failure")
}

func TestRun_FilterLimitsQueues(t *testing.T) {
	srv := sidekiqtest.NewServer("mailers", "mailers_low", "default")
	defer srv.Close()

	f, err := queue.NewFilter([]string{"mailers*"}, []string{"mailers_low"})
	require.NoError(t, err)
	r, _ := newRunner(t, srv, testConfig(5), WithEnumerator(queue.NewEnumerator(queue.WithFilter(f))))

	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"mailers_low", "default"}, srv.Unfinished(queue.ActionPause))
}

// blockingExecutor holds every submission until released.
type blockingExecutor struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingExecutor) Submit(ctx context.Context, _ queue.Candidate, _ string) (submit.Outcome, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return submit.Outcome{}, ctx.Err()
	}
	return submit.Outcome{OK: true, Status: 302, Mode: submit.ModeForm}, nil
}

func TestRun_BusyGuard(t *testing.T) {
	srv := sidekiqtest.NewServer("A")
	defer srv.Close()

	c, _ := newDirect(t, srv)
	ex := &blockingExecutor{entered: make(chan struct{}), release: make(chan struct{})}
	pacer := NewPacer(DefaultPacing(), WithSleep(noSleep))
	r := NewRunner(testConfig(1), c, ex, WithLive(&snapshotLive{srv: srv}), WithPacer(pacer))

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), queue.ActionPause)
		done <- err
	}()

	<-ex.entered
	assert.True(t, r.Running())
	_, err := r.Run(context.Background(), queue.ActionPause)
	assert.ErrorIs(t, err, ErrBusy)

	close(ex.release)
	require.NoError(t, <-done)
	assert.False(t, r.Running())

	_, err = r.Run(context.Background(), queue.ActionPause)
	assert.NoError(t, err)
}

// TestRun_ConvergenceTermination checks that for any per-queue number of
// attempts needed before the host reflects a change, the run succeeds when
// every queue needs at most MaxPasses attempts and otherwise leaves exactly
// the queues that need more.
func TestRun_ConvergenceTermination(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 25; trial++ {
		maxPasses := 1 + rng.Intn(5)
		n := 1 + rng.Intn(6)

		names := make([]string, n)
		required := make(map[string]int, n)
		for i := range names {
			names[i] = fmt.Sprintf("q%d", i)
			required[names[i]] = 1 + rng.Intn(maxPasses+2)
		}

		t.Run(fmt.Sprintf("trial%02d", trial), func(t *testing.T) {
			srv := sidekiqtest.NewServer(names...)
			defer srv.Close()

			var want []string
			for _, name := range names {
				srv.RequireAttempts(name, required[name])
				if required[name] > maxPasses {
					want = append(want, name)
				}
			}

			r, _ := newRunner(t, srv, testConfig(maxPasses))
			res, err := r.Run(context.Background(), queue.ActionPause)
			require.NoError(t, err)

			assert.False(t, res.Aborted)
			assert.LessOrEqual(t, res.PassesUsed, maxPasses)
			if len(want) == 0 {
				assert.True(t, res.Success, "required %v", required)
				assert.Empty(t, res.RemainingQueues)
			} else {
				assert.False(t, res.Success, "required %v", required)
				assert.Equal(t, want, res.RemainingQueues)
			}
			assert.Zero(t, srv.DeleteAttempts())
		})
	}
}

func TestRun_NeverSubmitsDelete(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B", "C")
	defer srv.Close()
	srv.Forbid("B", 1)
	srv.RequireAttempts("C", 3)

	r, hook := newRunner(t, srv, testConfig(5))
	_, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)

	require.NotEmpty(t, hook.seen)
	for _, c := range hook.seen {
		assert.False(t, queue.IsDeleteName(c.ControlName), c.ControlName)
		assert.True(t, c.Safe())
	}
	assert.Zero(t, srv.DeleteAttempts())
}

// failingExecutor returns err for the named queue the first time it is
// submitted and delegates everything else.
type failingExecutor struct {
	inner  submit.Executor
	queue  string
	err    error
	failed bool
}

func (f *failingExecutor) Submit(ctx context.Context, c queue.Candidate, headerToken string) (submit.Outcome, error) {
	if c.QueueName == f.queue && !f.failed {
		f.failed = true
		return submit.Outcome{}, f.err
	}
	return f.inner.Submit(ctx, c, headerToken)
}

type waitLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (l *waitLog) sleep(ctx context.Context, d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waits = append(l.waits, d)
	return ctx.Err()
}

func TestRun_TransportErrorIsRecordedAndBackedOff(t *testing.T) {
	srv := sidekiqtest.NewServer("A", "B", "C")
	defer srv.Close()

	cfg := testConfig(5)
	cfg.Pacing.ErrorBackoff = Range{Min: 7 * time.Second, Max: 7 * time.Second}

	c, ex := newDirect(t, srv)
	hook := &hookExecutor{inner: &failingExecutor{inner: ex, queue: "B", err: errors.New("connection reset")}}
	waits := &waitLog{}
	pacer := NewPacer(cfg.Pacing, WithSleep(waits.sleep), WithRand(rand.New(rand.NewSource(1))))
	r := NewRunner(cfg, c, hook, WithLive(&snapshotLive{srv: srv}), WithPacer(pacer))

	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.PassesUsed)
	assert.Equal(t, []QueueError{{Queue: "B", Error: "connection reset", Pass: 1}}, res.Errors)
	assert.Contains(t, waits.waits, 7*time.Second)

	require.GreaterOrEqual(t, len(hook.seen), 4)
	assert.Equal(t, []string{"A", "B", "C", "B"}, queue.Names(hook.seen[:4]))
	assert.Equal(t, 1, srv.QueuePosts("C"))
	assert.Empty(t, srv.Unfinished(queue.ActionPause))
}

func TestRun_OversizedPageIsNeverTrusted(t *testing.T) {
	names := make([]string, 40)
	for i := range names {
		names[i] = fmt.Sprintf("q%d", i)
	}
	srv := sidekiqtest.NewServer(names...)
	defer srv.Close()
	srv.RequireAttempts("q39", 3)

	limit := int64(len(srv.Snapshot()) / 2)
	c, err := client.New(srv.PageURL(), client.WithMaxBodyBytes(limit))
	require.NoError(t, err)
	ex, err := submit.NewDirectExecutor(c, submit.ModeForm)
	require.NoError(t, err)

	cfg := testConfig(3)
	pacer := NewPacer(cfg.Pacing, WithSleep(noSleep), WithRand(rand.New(rand.NewSource(1))))
	r := NewRunner(cfg, c, ex, WithLive(&snapshotLive{srv: srv}), WithPacer(pacer))

	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)

	assert.Equal(t, []string{"q39"}, srv.Unfinished(queue.ActionPause))
	assert.False(t, res.Success)
	assert.False(t, res.Aborted)
	assert.Contains(t, res.RemainingQueues, "q39")
	require.NotEmpty(t, res.Errors)
	for _, e := range res.Errors {
		assert.Contains(t, e.Error, client.ErrBodyTooLarge.Error())
	}
}

func TestRun_OversizedRenderedResponseIsNotAdopted(t *testing.T) {
	names := make([]string, 40)
	for i := range names {
		names[i] = fmt.Sprintf("q%d", i)
	}
	srv := sidekiqtest.NewServer(names...)
	defer srv.Close()
	srv.SetPostResponse(sidekiqtest.RespondRender)

	c, err := client.New(srv.PageURL(), client.WithMaxBodyBytes(int64(len(srv.Snapshot())/2)))
	require.NoError(t, err)
	ex, err := submit.NewDirectExecutor(c, submit.ModeForm)
	require.NoError(t, err)

	cfg := testConfig(1)
	cfg.LiveRecheck = false
	pacer := NewPacer(cfg.Pacing, WithSleep(noSleep), WithRand(rand.New(rand.NewSource(1))))
	r := NewRunner(cfg, c, ex, WithLive(&snapshotLive{srv: srv}), WithPacer(pacer))

	res, err := r.Run(context.Background(), queue.ActionPause)
	require.NoError(t, err)

	assert.Equal(t, 40, res.TotalProcessed)
	assert.Empty(t, srv.Unfinished(queue.ActionPause))
}
