package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/entrhq/queuepause/pkg/browser"
	"github.com/entrhq/queuepause/pkg/client"
	"github.com/entrhq/queuepause/pkg/config"
	"github.com/entrhq/queuepause/pkg/converge"
	"github.com/entrhq/queuepause/pkg/diagnostics"
	"github.com/entrhq/queuepause/pkg/logging"
	"github.com/entrhq/queuepause/pkg/page"
	"github.com/entrhq/queuepause/pkg/queue"
	"github.com/entrhq/queuepause/pkg/status"
	"github.com/entrhq/queuepause/pkg/submit"
)

var errDeclined = errors.New("declined by operator")

// previewLimit caps the queue names listed in the confirmation prompt.
const previewLimit = 12

// app holds everything one invocation wires together.
type app struct {
	cfg    *config.Config
	cli    *CLIConfig
	action queue.Action

	logger   *logging.Logger
	recorder *diagnostics.Recorder
	log      *diagnostics.Logger

	manager *browser.Manager
	session *browser.Session
	client  *client.Client

	enum   *queue.Enumerator
	tokens *page.TokenResolver

	interactive bool
	started     time.Time
}

func newApp(cfg *config.Config, cli *CLIConfig) (*app, error) {
	action, err := cfg.ParsedAction()
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger("cli")
	if err != nil {
		log.Printf("Warning: %v, logging to stderr", err)
	}
	logger.SetLevel(logging.ParseLevel(cfg.Logging.Verbosity))

	rec := diagnostics.NewRecorder(
		diagnostics.WithRunID(logger.RunID()),
		diagnostics.WithMinLevel(diagnostics.ParseLevel(cfg.Logging.Verbosity)),
		diagnostics.WithMirror(logger),
	)

	a := &app{
		cfg:         cfg,
		cli:         cli,
		action:      action,
		logger:      logger,
		recorder:    rec,
		log:         rec.Logger("cli"),
		interactive: !cli.Plain && status.IsTerminal(os.Stdin) && status.IsTerminal(os.Stdout),
		started:     time.Now(),
	}

	rules, err := cfg.Rules()
	if err != nil {
		return nil, err
	}
	filter, err := cfg.Filter()
	if err != nil {
		return nil, err
	}
	scan, err := cfg.ScanConfig()
	if err != nil {
		return nil, err
	}
	a.enum = queue.NewEnumerator(
		queue.WithRules(rules),
		queue.WithFilter(filter),
		queue.WithLogger(rec.Logger("queue")),
	)
	a.tokens = page.NewTokenResolver(scan)
	return a, nil
}

// close releases the browser and the log file.
func (a *app) close() {
	if a.manager != nil {
		if err := a.manager.Shutdown(); err != nil {
			a.log.Warnf("browser shutdown: %v", err)
		}
	}
	if err := a.logger.Close(); err != nil {
		log.Printf("Warning: failed to close log file: %v", err)
	}
}

// execute acquires the session, confirms the plan and runs the engine.
func (a *app) execute(ctx context.Context) (*converge.Result, error) {
	a.log.Infof("queuepause v%s: %s %s", version, a.action, a.cfg.Target)

	if err := a.connect(ctx); err != nil {
		return nil, err
	}

	exec, err := a.executor()
	if err != nil {
		return nil, err
	}

	if !a.cli.Yes {
		if err := a.confirm(ctx); err != nil {
			return nil, err
		}
	}

	opts := []converge.Option{
		converge.WithEnumerator(a.enum),
		converge.WithTokenResolver(a.tokens),
		converge.WithLogger(a.recorder.Logger("converge")),
		converge.WithRunID(a.recorder.RunID()),
	}
	if a.session != nil {
		opts = append(opts, converge.WithLive(a.session))
	}

	var res *converge.Result
	work := func(ctx context.Context, rep status.Reporter) error {
		runner := converge.NewRunner(a.cfg.RunConfig(), a.client, exec, append(opts, converge.WithReporter(rep))...)
		r, err := runner.Run(ctx, a.action)
		res = r
		return err
	}

	title := fmt.Sprintf("queuepause: %s all queues", a.action)
	if a.interactive {
		err = status.RunWithProgress(ctx, title, work)
	} else {
		err = work(ctx, status.NewPlainReporter(os.Stdout, false))
	}

	a.finish(res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// connect obtains the authenticated session and the HTTP client seeded
// with it.
func (a *app) connect(ctx context.Context) error {
	opts := []client.Option{
		client.WithMaxBodyBytes(a.cfg.Delivery.MaxBodyBytes),
		client.WithTimeout(a.cfg.Delivery.RequestTimeout),
		client.WithLogger(a.recorder.Logger("client")),
	}

	if !a.cfg.Session.Browser {
		c, err := client.New(a.cfg.Target, opts...)
		if err != nil {
			return err
		}
		if err := c.SetCookieHeader(a.cfg.Session.Cookie); err != nil {
			return fmt.Errorf("invalid cookie: %w", err)
		}
		a.client = c
		a.log.Infof("using the supplied cookie, no browser")
		return nil
	}

	a.manager = browser.NewManager(browser.WithInstall(a.cfg.Session.InstallBrowsers))
	if err := a.manager.Initialize(); err != nil {
		return fmt.Errorf("failed to start browser driver: %w", err)
	}
	sess, err := a.manager.Start(browser.Options{
		Headless:      a.cfg.Session.Headless,
		TableSelector: "table." + a.cfg.Page.TableClass,
		StorageState:  a.cfg.Session.StorageState,
	})
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	a.session = sess

	if !a.cfg.Session.Headless {
		fmt.Printf("Sign in to the Queues page in the browser window (waiting up to %s)...\n", a.cfg.Session.LoginTimeout)
	}
	if err := sess.Open(ctx, a.cfg.Target, a.cfg.Session.LoginTimeout); err != nil {
		return err
	}
	a.log.Infof("queues page open at %s", diagnostics.Redact(sess.CurrentURL))

	if path := a.cfg.Session.StorageState; path != "" && !a.cfg.Session.Headless {
		if err := sess.SaveStorageState(path); err != nil {
			a.log.Warnf("%v", err)
		} else {
			a.log.Infof("signed-in session saved to %s", path)
		}
	}

	if ua, err := sess.UserAgent(); err != nil {
		a.log.Warnf("user agent unavailable: %v", err)
	} else if ua != "" {
		opts = append(opts, client.WithUserAgent(ua))
	}
	c, err := client.New(a.cfg.Target, opts...)
	if err != nil {
		return err
	}

	cookies, err := sess.Cookies(a.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to export session cookies: %w", err)
	}
	c.SetCookies(cookies)
	a.client = c
	return nil
}

// executor builds the per-action delivery for the configured modes.
func (a *app) executor() (submit.Executor, error) {
	build := func(action queue.Action) (submit.Executor, error) {
		mode, err := a.cfg.ModeFor(action)
		if err != nil {
			return nil, err
		}
		if mode == submit.ModeNative {
			if a.session == nil {
				return nil, fmt.Errorf("delivery mode native for %s requires the browser", action)
			}
			return submit.NewNativeExecutor(a.session, a.client.Target(),
				submit.WithNativeTimeout(a.cfg.Delivery.NativeTimeout),
				submit.WithNativeLogger(a.recorder.Logger("submit")),
			), nil
		}
		return submit.NewDirectExecutor(a.client, mode, submit.WithDirectLogger(a.recorder.Logger("submit")))
	}

	pause, err := build(queue.ActionPause)
	if err != nil {
		return nil, err
	}
	unpause, err := build(queue.ActionUnpause)
	if err != nil {
		return nil, err
	}
	return submit.NewDispatcher(pause).Route(queue.ActionUnpause, unpause), nil
}

// confirm shows what the first pass would touch and asks the operator.
func (a *app) confirm(ctx context.Context) error {
	doc, err := a.previewDocument(ctx)
	if err != nil {
		return err
	}
	cands := a.enum.Enumerate(doc, a.action)
	if len(cands) == 0 {
		// Nothing to ask about; the run reports success on its own.
		return nil
	}

	title := fmt.Sprintf("%s %d queue(s) on %s?", titleCase(string(a.action)), len(cands), diagnostics.Redact(a.cfg.Target))
	details := previewNames(queue.Names(cands), previewLimit)

	var ok bool
	if a.interactive {
		ok, err = status.Confirm(title, details)
	} else {
		ok, err = status.ConfirmLine(os.Stdin, os.Stdout, title, details)
	}
	if err != nil {
		return fmt.Errorf("confirmation failed: %w", err)
	}
	if !ok {
		return errDeclined
	}
	return nil
}

func (a *app) previewDocument(ctx context.Context) (*page.Document, error) {
	if a.session != nil {
		return a.session.LiveDocument(ctx)
	}
	p, err := a.client.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if p.Login {
		return nil, errors.New("the cookie does not hold a signed-in session")
	}
	return p.Doc, nil
}

func previewNames(names []string, limit int) []string {
	if len(names) <= limit {
		return names
	}
	out := append([]string{}, names[:limit]...)
	return append(out, fmt.Sprintf("... and %d more", len(names)-limit))
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// finish prints the outcome and hands the diagnostics bundle to the
// operator.
func (a *app) finish(res *converge.Result, runErr error) {
	b := diagnostics.NewBundle(a.recorder, version, string(a.action), a.cfg.Target)
	b.StartedAt = a.started
	b.FinishedAt = time.Now()
	switch {
	case res != nil:
		b.Summary = res.Summary()
		b.Result = res
	case runErr != nil:
		b.Summary = "Run failed: " + runErr.Error()
	}

	if res != nil && a.interactive {
		fmt.Println(res.Summary())
	}
	if res != nil && len(res.RemainingQueues) > 0 {
		fmt.Printf("Still to %s: %v\n", a.action, res.RemainingQueues)
	}

	if a.cfg.Diagnostics.Export {
		dir, err := diagnostics.NewExporter(a.cfg.Diagnostics.OutputDir).WriteAll(b)
		if err != nil {
			log.Printf("Warning: failed to export diagnostics: %v", err)
		} else {
			fmt.Printf("Diagnostics written to %s\n", dir)
		}
	}
	if a.cfg.Diagnostics.Clipboard {
		if err := b.CopyToClipboard(); err != nil {
			log.Printf("Warning: failed to copy diagnostics: %v", err)
		} else {
			fmt.Println("Diagnostics copied to the clipboard")
		}
	}
	if a.cfg.Diagnostics.Print {
		if err := b.Print(os.Stdout, a.interactive); err != nil {
			log.Printf("Warning: failed to print diagnostics: %v", err)
		}
	}
	if path := a.logger.LogPath(); path != "" {
		a.log.Verbosef("log file: %s", path)
	}
}
