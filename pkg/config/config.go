// Package config holds the queuepause run configuration: where the Queues
// page lives, how submissions are delivered, and the pacing and pass
// budget of the convergence loop.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/entrhq/queuepause/pkg/converge"
	"github.com/entrhq/queuepause/pkg/page"
	"github.com/entrhq/queuepause/pkg/queue"
	"github.com/entrhq/queuepause/pkg/submit"
	"gopkg.in/yaml.v3"
)

// Config represents the configuration of one queuepause run
type Config struct {
	// Queues page URL, e.g. https://app.example.com/sidekiq/queues
	Target string `yaml:"target" json:"target"`

	// Action to converge towards: pause or unpause
	Action string `yaml:"action" json:"action"`

	// Session acquisition
	Session SessionConfig `yaml:"session" json:"session"`

	// Delivery strategy per action
	Delivery DeliveryConfig `yaml:"delivery" json:"delivery"`

	// Pass budget and live recheck
	Convergence ConvergenceConfig `yaml:"convergence" json:"convergence"`

	// Randomised delays
	Pacing PacingConfig `yaml:"pacing" json:"pacing"`

	// Host page recognition
	Page PageConfig `yaml:"page" json:"page"`

	// Queue name filters
	Queues FilterConfig `yaml:"queues" json:"queues"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Diagnostics bundle export
	Diagnostics DiagnosticsConfig `yaml:"diagnostics" json:"diagnostics"`
}

// SessionConfig defines how the authenticated session is obtained
type SessionConfig struct {
	// Browser drives a real browser holding the operator's session
	Browser bool `yaml:"browser" json:"browser"`

	// Headless runs the browser without a window. Nobody can sign in
	// without one, so it needs StorageState from an earlier headed run.
	Headless bool `yaml:"headless" json:"headless"`

	// StorageState is a Playwright storage state file. A headed run saves
	// the signed-in session there; later runs start from it.
	StorageState string `yaml:"storage_state" json:"storage_state"`

	// InstallBrowsers downloads browser binaries when missing
	InstallBrowsers bool `yaml:"install_browsers" json:"install_browsers"`

	// LoginTimeout bounds the wait for the operator to sign in
	LoginTimeout time.Duration `yaml:"login_timeout" json:"login_timeout"`

	// Cookie is a raw Cookie header used when Browser is off
	Cookie string `yaml:"cookie" json:"-"`
}

// DeliveryConfig selects the submission mode per action
type DeliveryConfig struct {
	Pause          string        `yaml:"pause" json:"pause"`
	Unpause        string        `yaml:"unpause" json:"unpause"`
	NativeTimeout  time.Duration `yaml:"native_timeout" json:"native_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"` // 0 leaves requests to the context
}

// ConvergenceConfig defines the pass budget
type ConvergenceConfig struct {
	MaxPasses    int  `yaml:"max_passes" json:"max_passes"`
	LiveRecheck  bool `yaml:"live_recheck" json:"live_recheck"`
	RecheckEvery int  `yaml:"recheck_every" json:"recheck_every"`
}

// Range is an inclusive randomised delay range
type Range struct {
	Min time.Duration `yaml:"min" json:"min"`
	Max time.Duration `yaml:"max" json:"max"`
}

// PacingConfig defines the delays between requests
type PacingConfig struct {
	Submission          Range         `yaml:"submission" json:"submission"`
	Pass                Range         `yaml:"pass" json:"pass"`
	PostForbidden       Range         `yaml:"post_forbidden" json:"post_forbidden"`
	PostForbiddenWindow time.Duration `yaml:"post_forbidden_window" json:"post_forbidden_window"`
	ErrorBackoff        Range         `yaml:"error_backoff" json:"error_backoff"`
}

// PageConfig tunes how forms and tokens are found on the host page
type PageConfig struct {
	ActionPattern       string   `yaml:"action_pattern" json:"action_pattern"`
	TableClass          string   `yaml:"table_class" json:"table_class"`
	TokenFields         []string `yaml:"token_fields" json:"token_fields"`
	ScriptScanLimit     int      `yaml:"script_scan_limit" json:"script_scan_limit"`
	GlobalTokenPatterns []string `yaml:"global_token_patterns" json:"global_token_patterns"`
	DataAttributes      []string `yaml:"data_attributes" json:"data_attributes"`
}

// FilterConfig restricts the queues acted on by glob
type FilterConfig struct {
	Include []string `yaml:"include" json:"include"`
	Exclude []string `yaml:"exclude" json:"exclude"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Verbosity controls logging level: quiet, normal, verbose, debug
	Verbosity string `yaml:"verbosity" json:"verbosity"`
}

// DiagnosticsConfig defines what happens to the run's diagnostics
type DiagnosticsConfig struct {
	Export    bool   `yaml:"export" json:"export"`
	OutputDir string `yaml:"output_dir" json:"output_dir"`
	Clipboard bool   `yaml:"clipboard" json:"clipboard"`
	Print     bool   `yaml:"print" json:"print"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() *Config {
	return &Config{
		Action: string(queue.ActionPause),
		Session: SessionConfig{
			Browser:         true,
			InstallBrowsers: true,
			LoginTimeout:    5 * time.Minute,
		},
		Delivery: DeliveryConfig{
			Pause:         string(submit.ModeNative),
			Unpause:       string(submit.ModeNative),
			NativeTimeout: submit.DefaultNativeTimeout,
			MaxBodyBytes:  2 << 20,
		},
		Convergence: ConvergenceConfig{
			MaxPasses:    5,
			LiveRecheck:  true,
			RecheckEvery: 4,
		},
		Pacing: PacingConfig{
			Submission:          Range{Min: 250 * time.Millisecond, Max: 900 * time.Millisecond},
			Pass:                Range{Min: 1500 * time.Millisecond, Max: 3500 * time.Millisecond},
			PostForbidden:       Range{Min: 800 * time.Millisecond, Max: 1600 * time.Millisecond},
			PostForbiddenWindow: time.Second,
			ErrorBackoff:        Range{Min: 2000 * time.Millisecond, Max: 4000 * time.Millisecond},
		},
		Page: PageConfig{
			ActionPattern:       page.DefaultActionPattern,
			TableClass:          page.DefaultTableClass,
			TokenFields:         []string{page.DefaultTokenField},
			ScriptScanLimit:     page.DefaultScriptScanLimit,
			GlobalTokenPatterns: []string{page.DefaultGlobalTokenPattern},
			DataAttributes:      []string{"data-csrf-token", "data-csrf", "data-authenticity-token"},
		},
		Logging: LoggingConfig{
			Verbosity: "normal",
		},
		Diagnostics: DiagnosticsConfig{
			Export:    true,
			OutputDir: ".queuepause/diagnostics",
		},
	}
}

// Load reads a YAML file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Target) == "" {
		return fmt.Errorf("target URL is required")
	}
	if !strings.HasPrefix(c.Target, "http://") && !strings.HasPrefix(c.Target, "https://") {
		return fmt.Errorf("invalid target: %s (must be an http or https URL)", c.Target)
	}

	if _, err := queue.ParseAction(c.Action); err != nil {
		return err
	}

	if !c.Session.Browser && strings.TrimSpace(c.Session.Cookie) == "" {
		return fmt.Errorf("a session cookie is required when the browser is disabled")
	}
	if c.Session.LoginTimeout < 0 {
		return fmt.Errorf("login_timeout cannot be negative")
	}
	if c.Session.Browser && c.Session.Headless && strings.TrimSpace(c.Session.StorageState) == "" {
		return fmt.Errorf("session.headless requires session.storage_state saved by an earlier signed-in run")
	}

	for _, action := range []queue.Action{queue.ActionPause, queue.ActionUnpause} {
		mode, err := c.ModeFor(action)
		if err != nil {
			return err
		}
		if mode == submit.ModeNative && !c.Session.Browser {
			return fmt.Errorf("delivery mode native for %s requires the browser", action)
		}
	}
	if c.Delivery.NativeTimeout < 0 || c.Delivery.RequestTimeout < 0 {
		return fmt.Errorf("delivery timeouts cannot be negative")
	}
	if c.Delivery.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes cannot be negative")
	}

	if c.Convergence.MaxPasses < 1 {
		return fmt.Errorf("max_passes must be at least 1")
	}
	if c.Convergence.RecheckEvery < 0 {
		return fmt.Errorf("recheck_every cannot be negative")
	}

	ranges := map[string]Range{
		"submission":     c.Pacing.Submission,
		"pass":           c.Pacing.Pass,
		"post_forbidden": c.Pacing.PostForbidden,
		"error_backoff":  c.Pacing.ErrorBackoff,
	}
	for name, r := range ranges {
		if r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("invalid pacing.%s range: %s-%s", name, r.Min, r.Max)
		}
	}

	if _, err := c.Rules(); err != nil {
		return err
	}
	if _, err := c.ScanConfig(); err != nil {
		return err
	}
	if _, err := c.Filter(); err != nil {
		return err
	}

	// Set default verbosity if not specified
	if c.Logging.Verbosity == "" {
		c.Logging.Verbosity = "normal"
	}

	validLevels := map[string]bool{
		"quiet":   true,
		"normal":  true,
		"verbose": true,
		"debug":   true,
	}
	if !validLevels[c.Logging.Verbosity] {
		return fmt.Errorf("invalid logging verbosity: %s (must be 'quiet', 'normal', 'verbose', or 'debug')", c.Logging.Verbosity)
	}

	return nil
}

// ParsedAction returns the configured action.
func (c *Config) ParsedAction() (queue.Action, error) {
	return queue.ParseAction(c.Action)
}

// ModeFor returns the delivery mode configured for action.
func (c *Config) ModeFor(action queue.Action) (submit.Mode, error) {
	raw := c.Delivery.Pause
	if action == queue.ActionUnpause {
		raw = c.Delivery.Unpause
	}
	mode, err := submit.ParseMode(raw)
	if err != nil {
		return "", fmt.Errorf("delivery.%s: %w", action, err)
	}
	return mode, nil
}

// Rules builds the form recognition rules.
func (c *Config) Rules() (page.Rules, error) {
	rules := page.DefaultRules()
	if c.Page.ActionPattern != "" {
		re, err := regexp.Compile(c.Page.ActionPattern)
		if err != nil {
			return page.Rules{}, fmt.Errorf("invalid page.action_pattern: %w", err)
		}
		rules.ActionPattern = re
	}
	if c.Page.TableClass != "" {
		rules.TableClass = c.Page.TableClass
	}
	if len(c.Page.TokenFields) > 0 {
		for _, f := range c.Page.TokenFields {
			if queue.IsDeleteName(f) {
				return page.Rules{}, fmt.Errorf("invalid page.token_fields entry %q", f)
			}
		}
		rules.TokenFields = c.Page.TokenFields
	}
	return rules, nil
}

// ScanConfig builds the header token scan settings.
func (c *Config) ScanConfig() (page.ScanConfig, error) {
	scan := page.DefaultScanConfig()
	if c.Page.ScriptScanLimit > 0 {
		scan.ScriptScanLimit = c.Page.ScriptScanLimit
	}
	if len(c.Page.GlobalTokenPatterns) > 0 {
		scan.GlobalPatterns = nil
		for _, p := range c.Page.GlobalTokenPatterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return page.ScanConfig{}, fmt.Errorf("invalid page.global_token_patterns entry: %w", err)
			}
			if re.NumSubexp() < 1 {
				return page.ScanConfig{}, fmt.Errorf("page.global_token_patterns entry %q needs a capture group", p)
			}
			scan.GlobalPatterns = append(scan.GlobalPatterns, re)
		}
	}
	if len(c.Page.DataAttributes) > 0 {
		scan.DataAttributes = c.Page.DataAttributes
	}
	return scan, nil
}

// Filter compiles the queue name filters.
func (c *Config) Filter() (*queue.Filter, error) {
	return queue.NewFilter(c.Queues.Include, c.Queues.Exclude)
}

// CookieEnv names the environment variable holding a raw Cookie header.
const CookieEnv = "QUEUEPAUSE_COOKIE"

// UseCookieSession switches the run to cookie-only mode. Native delivery
// needs the browser, so actions still set to native fall back to form.
func (c *Config) UseCookieSession(cookie string) {
	c.Session.Browser = false
	c.Session.Cookie = cookie
	if strings.EqualFold(c.Delivery.Pause, string(submit.ModeNative)) {
		c.Delivery.Pause = string(submit.ModeForm)
	}
	if strings.EqualFold(c.Delivery.Unpause, string(submit.ModeNative)) {
		c.Delivery.Unpause = string(submit.ModeForm)
	}
}

// ApplyEnv fills settings that may come from the environment.
func (c *Config) ApplyEnv() {
	if cookie := strings.TrimSpace(os.Getenv(CookieEnv)); cookie != "" && c.Session.Cookie == "" {
		c.UseCookieSession(cookie)
	}
}

// RunConfig returns the convergence settings.
func (c *Config) RunConfig() converge.Config {
	conv := func(r Range) converge.Range {
		return converge.Range{Min: r.Min, Max: r.Max}
	}
	return converge.Config{
		MaxPasses:    c.Convergence.MaxPasses,
		LiveRecheck:  c.Convergence.LiveRecheck,
		RecheckEvery: c.Convergence.RecheckEvery,
		Pacing: converge.Pacing{
			Submission:          conv(c.Pacing.Submission),
			Pass:                conv(c.Pacing.Pass),
			PostForbidden:       conv(c.Pacing.PostForbidden),
			PostForbiddenWindow: c.Pacing.PostForbiddenWindow,
			ErrorBackoff:        conv(c.Pacing.ErrorBackoff),
		},
	}
}
