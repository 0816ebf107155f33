package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/entrhq/queuepause/pkg/converge"
	"github.com/entrhq/queuepause/pkg/page"
	"github.com/entrhq/queuepause/pkg/queue"
	"github.com/entrhq/queuepause/pkg/submit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Target = "https://jobs.example.com/sidekiq/queues"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "pause", cfg.Action)
	assert.True(t, cfg.Session.Browser)
	assert.Equal(t, 5*time.Minute, cfg.Session.LoginTimeout)
	assert.Equal(t, 5, cfg.Convergence.MaxPasses)
	assert.True(t, cfg.Convergence.LiveRecheck)
	assert.Equal(t, 4, cfg.Convergence.RecheckEvery)
	assert.Equal(t, 250*time.Millisecond, cfg.Pacing.Submission.Min)
	assert.Equal(t, 900*time.Millisecond, cfg.Pacing.Submission.Max)
	assert.Equal(t, 1500*time.Millisecond, cfg.Pacing.Pass.Min)
	assert.Equal(t, 3500*time.Millisecond, cfg.Pacing.Pass.Max)
	assert.Equal(t, 800*time.Millisecond, cfg.Pacing.PostForbidden.Min)
	assert.Equal(t, 1600*time.Millisecond, cfg.Pacing.PostForbidden.Max)
	assert.Equal(t, 2*time.Second, cfg.Pacing.ErrorBackoff.Min)
	assert.Equal(t, 4*time.Second, cfg.Pacing.ErrorBackoff.Max)
	assert.Equal(t, "normal", cfg.Logging.Verbosity)

	mode, err := cfg.ModeFor(queue.ActionUnpause)
	require.NoError(t, err)
	assert.Equal(t, submit.ModeNative, mode)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "missing target",
			mutate:  func(c *Config) { c.Target = "" },
			wantErr: "target URL is required",
		},
		{
			name:    "non-http target",
			mutate:  func(c *Config) { c.Target = "ftp://jobs.example.com/queues" },
			wantErr: "invalid target",
		},
		{
			name:    "delete is not an action",
			mutate:  func(c *Config) { c.Action = "delete" },
			wantErr: "unsupported action",
		},
		{
			name:    "headless needs a saved sign-in",
			mutate:  func(c *Config) { c.Session.Headless = true },
			wantErr: "session.headless requires session.storage_state",
		},
		{
			name: "headless with a saved sign-in",
			mutate: func(c *Config) {
				c.Session.Headless = true
				c.Session.StorageState = "queuepause-state.json"
			},
		},
		{
			name: "headless is ignored without the browser",
			mutate: func(c *Config) {
				c.UseCookieSession("_app_session=abc")
				c.Session.Headless = true
			},
		},
		{
			name: "cookie mode needs a cookie",
			mutate: func(c *Config) {
				c.Session.Browser = false
				c.Delivery.Pause = "form"
				c.Delivery.Unpause = "form"
			},
			wantErr: "session cookie is required",
		},
		{
			name: "native needs the browser",
			mutate: func(c *Config) {
				c.Session.Browser = false
				c.Session.Cookie = "_app_session=abc"
				c.Delivery.Pause = "form"
			},
			wantErr: "native for unpause requires the browser",
		},
		{
			name: "cookie mode with direct delivery",
			mutate: func(c *Config) {
				c.Session.Browser = false
				c.Session.Cookie = "_app_session=abc"
				c.Delivery.Pause = "xhr"
				c.Delivery.Unpause = "form"
			},
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Delivery.Pause = "websocket" },
			wantErr: "delivery.pause",
		},
		{
			name:    "zero passes",
			mutate:  func(c *Config) { c.Convergence.MaxPasses = 0 },
			wantErr: "max_passes",
		},
		{
			name:    "inverted range",
			mutate:  func(c *Config) { c.Pacing.Pass = Range{Min: 2 * time.Second, Max: time.Second} },
			wantErr: "invalid pacing.pass range",
		},
		{
			name:    "bad action pattern",
			mutate:  func(c *Config) { c.Page.ActionPattern = "(" },
			wantErr: "page.action_pattern",
		},
		{
			name:    "delete token field",
			mutate:  func(c *Config) { c.Page.TokenFields = []string{"delete_token"} },
			wantErr: "page.token_fields",
		},
		{
			name:    "global pattern without capture",
			mutate:  func(c *Config) { c.Page.GlobalTokenPatterns = []string{`csrf=\w+`} },
			wantErr: "capture group",
		},
		{
			name:    "bad glob",
			mutate:  func(c *Config) { c.Queues.Include = []string{"[abc"} },
			wantErr: "invalid include pattern",
		},
		{
			name:    "invalid verbosity",
			mutate:  func(c *Config) { c.Logging.Verbosity = "invalid" },
			wantErr: "invalid logging verbosity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidate_DefaultsVerbosity(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Verbosity = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "normal", cfg.Logging.Verbosity)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queuepause.yaml")
	content := `
target: https://jobs.example.com/sidekiq/queues
action: unpause
session:
  browser: false
  cookie: "_app_session=abc"
delivery:
  pause: form
  unpause: xhr
convergence:
  max_passes: 3
pacing:
  submission:
    min: 10ms
    max: 20ms
queues:
  include: ["mailers*"]
  exclude: ["mailers_low"]
logging:
  verbosity: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "unpause", cfg.Action)
	assert.False(t, cfg.Session.Browser)
	assert.Equal(t, 3, cfg.Convergence.MaxPasses)
	assert.Equal(t, 10*time.Millisecond, cfg.Pacing.Submission.Min)
	assert.Equal(t, 20*time.Millisecond, cfg.Pacing.Submission.Max)
	// Untouched sections keep their defaults
	assert.Equal(t, 1500*time.Millisecond, cfg.Pacing.Pass.Min)
	assert.True(t, cfg.Convergence.LiveRecheck)

	mode, err := cfg.ModeFor(queue.ActionUnpause)
	require.NoError(t, err)
	assert.Equal(t, submit.ModeXHR, mode)

	f, err := cfg.Filter()
	require.NoError(t, err)
	assert.True(t, f.Allows("mailers"))
	assert.False(t, f.Allows("mailers_low"))
	assert.False(t, f.Allows("default"))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("target: [unclosed"), 0600))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestRulesAndScanConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Page.TableClass = "sidekiq-queues"
	cfg.Page.TokenFields = []string{"_csrf", page.DefaultTokenField}
	cfg.Page.ScriptScanLimit = 1024

	rules, err := cfg.Rules()
	require.NoError(t, err)
	assert.Equal(t, "sidekiq-queues", rules.TableClass)
	assert.Equal(t, []string{"_csrf", page.DefaultTokenField}, rules.TokenFields)
	assert.True(t, rules.ActionPattern.MatchString("/sidekiq/queues/default"))

	scan, err := cfg.ScanConfig()
	require.NoError(t, err)
	assert.Equal(t, 1024, scan.ScriptScanLimit)
	require.Len(t, scan.GlobalPatterns, 1)
	assert.NotEmpty(t, scan.DataAttributes)
}

func TestUseCookieSession(t *testing.T) {
	cfg := validConfig()
	cfg.Delivery.Unpause = "xhr"
	cfg.UseCookieSession("_app_session=abc")

	assert.False(t, cfg.Session.Browser)
	assert.Equal(t, "_app_session=abc", cfg.Session.Cookie)
	assert.Equal(t, "form", cfg.Delivery.Pause)
	assert.Equal(t, "xhr", cfg.Delivery.Unpause)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(CookieEnv, "_app_session=fromenv")
	cfg := validConfig()
	cfg.ApplyEnv()
	assert.False(t, cfg.Session.Browser)
	assert.Equal(t, "_app_session=fromenv", cfg.Session.Cookie)

	// An explicit cookie wins
	cfg = validConfig()
	cfg.Session.Cookie = "_app_session=explicit"
	cfg.ApplyEnv()
	assert.Equal(t, "_app_session=explicit", cfg.Session.Cookie)
}

func TestRunConfigMatchesEngineDefaults(t *testing.T) {
	assert.Equal(t, converge.DefaultConfig(), DefaultConfig().RunConfig())
}
