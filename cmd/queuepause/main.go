// Package main provides queuepause, a bulk pause/unpause tool for the
// Sidekiq Enterprise Queues page. It reuses the operator's signed-in browser
// session and only ever replays the page's own per-queue forms.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/entrhq/queuepause/pkg/config"
	"gopkg.in/yaml.v3"
)

const version = "0.1.0"

// Exit codes
const (
	exitOK      = 0
	exitFailed  = 1
	exitPartial = 2
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigFile   string
	Target       string
	Action       string
	Cookie       string
	Headless     bool
	StorageState string
	LoginTimeout time.Duration
	PauseMode    string
	UnpauseMode  string
	MaxPasses    int
	NoRecheck    bool
	Include      string
	Exclude      string
	Verbosity    string
	Yes          bool
	Plain        bool
	DiagDir      string
	NoExport     bool
	Clipboard    bool
	PrintDiag    bool
	DumpConfig   bool
	ShowVersion  bool

	set map[string]bool
}

func main() {
	cli := parseFlags()

	if cli.ShowVersion {
		fmt.Printf("queuepause v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nCancelling after the current request...")
		cancel()
	}()

	code, err := run(ctx, cli)
	cancel()
	if err != nil {
		log.Printf("queuepause: %v", err)
	}
	os.Exit(code)
}

// parseFlags parses command line flags
func parseFlags() *CLIConfig {
	cli := &CLIConfig{}

	flag.StringVar(&cli.ConfigFile, "config", "", "Path to configuration file (YAML)")
	flag.StringVar(&cli.Target, "target", "", "Queues page URL, e.g. https://app.example.com/sidekiq/queues")
	flag.StringVar(&cli.Action, "action", "pause", "Action to apply to every queue: pause or unpause")
	flag.StringVar(&cli.Cookie, "cookie", "", "Raw Cookie header; runs without a browser (also $"+config.CookieEnv+")")
	flag.BoolVar(&cli.Headless, "headless", false, "Run the browser without a window (needs -storage-state)")
	flag.StringVar(&cli.StorageState, "storage-state", "", "Saved browser sign-in: written by a headed run, loaded by later runs")
	flag.DurationVar(&cli.LoginTimeout, "login-timeout", 5*time.Minute, "How long to wait for sign-in")
	flag.StringVar(&cli.PauseMode, "pause-mode", "", "Delivery for pause: native, form or xhr")
	flag.StringVar(&cli.UnpauseMode, "unpause-mode", "", "Delivery for unpause: native, form or xhr")
	flag.IntVar(&cli.MaxPasses, "max-passes", 5, "Maximum verification passes")
	flag.BoolVar(&cli.NoRecheck, "no-recheck", false, "Disable the live-page recheck")
	flag.StringVar(&cli.Include, "include", "", "Comma-separated queue name globs to act on")
	flag.StringVar(&cli.Exclude, "exclude", "", "Comma-separated queue name globs to leave alone")
	flag.StringVar(&cli.Verbosity, "verbosity", "normal", "Logging verbosity: quiet, normal, verbose, debug")
	flag.BoolVar(&cli.Yes, "yes", false, "Skip the confirmation prompt")
	flag.BoolVar(&cli.Plain, "plain", false, "Plain line output instead of the progress view")
	flag.StringVar(&cli.DiagDir, "diagnostics-dir", "", "Directory for exported diagnostics")
	flag.BoolVar(&cli.NoExport, "no-diagnostics", false, "Do not write a diagnostics bundle")
	flag.BoolVar(&cli.Clipboard, "copy-diagnostics", false, "Copy the diagnostics bundle to the clipboard")
	flag.BoolVar(&cli.PrintDiag, "print-diagnostics", false, "Print the diagnostics bundle")
	flag.BoolVar(&cli.DumpConfig, "dump-config", false, "Print the effective configuration and exit")
	flag.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "queuepause - bulk pause/unpause for the Sidekiq Enterprise Queues page\n\n")
		fmt.Fprintf(os.Stderr, "Usage: queuepause [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Pause every queue, signing in through the browser window\n")
		fmt.Fprintf(os.Stderr, "  queuepause -target https://app.example.com/sidekiq/queues\n\n")
		fmt.Fprintf(os.Stderr, "  # Unpause the mailer queues without a browser\n")
		fmt.Fprintf(os.Stderr, "  QUEUEPAUSE_COOKIE='_app_session=...' queuepause -target https://app.example.com/sidekiq/queues -action unpause -include 'mailers*'\n\n")
		fmt.Fprintf(os.Stderr, "  # Run with config file\n")
		fmt.Fprintf(os.Stderr, "  queuepause -config queuepause.yaml -yes\n\n")
	}

	flag.Parse()

	cli.set = make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		cli.set[f.Name] = true
	})
	return cli
}

// loadConfig builds the run configuration: defaults, then the config file,
// then the environment, then flags that were given explicitly.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if cli.ConfigFile != "" {
		loaded, err := config.Load(cli.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	applyFlags(cfg, cli)
	return cfg, nil
}

func applyFlags(cfg *config.Config, cli *CLIConfig) {
	if cli.set["target"] {
		cfg.Target = cli.Target
	}
	if cli.set["action"] {
		cfg.Action = cli.Action
	}
	if cli.set["cookie"] {
		cfg.UseCookieSession(cli.Cookie)
	}
	if cli.set["headless"] {
		cfg.Session.Headless = cli.Headless
	}
	if cli.set["storage-state"] {
		cfg.Session.StorageState = cli.StorageState
	}
	if cli.set["login-timeout"] {
		cfg.Session.LoginTimeout = cli.LoginTimeout
	}
	if cli.set["pause-mode"] {
		cfg.Delivery.Pause = cli.PauseMode
	}
	if cli.set["unpause-mode"] {
		cfg.Delivery.Unpause = cli.UnpauseMode
	}
	if cli.set["max-passes"] {
		cfg.Convergence.MaxPasses = cli.MaxPasses
	}
	if cli.set["no-recheck"] {
		cfg.Convergence.LiveRecheck = !cli.NoRecheck
	}
	if cli.set["include"] {
		cfg.Queues.Include = splitList(cli.Include)
	}
	if cli.set["exclude"] {
		cfg.Queues.Exclude = splitList(cli.Exclude)
	}
	if cli.set["verbosity"] {
		cfg.Logging.Verbosity = cli.Verbosity
	}
	if cli.set["diagnostics-dir"] {
		cfg.Diagnostics.OutputDir = cli.DiagDir
	}
	if cli.set["no-diagnostics"] {
		cfg.Diagnostics.Export = !cli.NoExport
	}
	if cli.set["copy-diagnostics"] {
		cfg.Diagnostics.Clipboard = cli.Clipboard
	}
	if cli.set["print-diagnostics"] {
		cfg.Diagnostics.Print = cli.PrintDiag
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// run executes one invocation and returns the process exit code.
func run(ctx context.Context, cli *CLIConfig) (int, error) {
	cfg, err := loadConfig(cli)
	if err != nil {
		return exitFailed, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return exitFailed, fmt.Errorf("invalid configuration: %w", err)
	}

	if cli.DumpConfig {
		out := *cfg
		if out.Session.Cookie != "" {
			out.Session.Cookie = "[redacted]"
		}
		data, err := yaml.Marshal(&out)
		if err != nil {
			return exitFailed, fmt.Errorf("failed to render configuration: %w", err)
		}
		fmt.Print(string(data))
		return exitOK, nil
	}

	app, err := newApp(cfg, cli)
	if err != nil {
		return exitFailed, err
	}
	defer app.close()

	res, err := app.execute(ctx)
	if err != nil {
		if errors.Is(err, errDeclined) {
			fmt.Println("Nothing changed.")
			return exitOK, nil
		}
		return exitFailed, err
	}

	switch {
	case res.Aborted:
		return exitFailed, fmt.Errorf("run aborted: %s", res.AbortReason)
	case !res.Success:
		return exitPartial, nil
	default:
		return exitOK, nil
	}
}
