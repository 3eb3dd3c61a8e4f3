package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"

	"github.com/ahrdadan/pagecheck/internal/artifact"
	"github.com/ahrdadan/pagecheck/internal/browser"
	"github.com/ahrdadan/pagecheck/internal/scenario"
)

const (
	// Version is the current version of Pagecheck
	Version = "1"
	// AppName is the application name
	AppName = "Pagecheck"
	// EnvPrefix prefixes every environment override, e.g. PAGECHECK_PAGE.
	EnvPrefix = "pagecheck"
)

// Config holds all configuration options for the harness and the server
type Config struct {
	// Harness
	Page         string        `envconfig:"page"`
	Scenario     string        `envconfig:"scenario"`
	ScenarioFile string        `envconfig:"scenario_file"`
	Screenshot   string        `envconfig:"screenshot"`
	Headless     bool          `envconfig:"headless"`
	FullPage     bool          `envconfig:"full_page"`
	SettleMode   string        `envconfig:"settle_mode"`
	StepTimeout  time.Duration `envconfig:"step_timeout"`
	PollInterval time.Duration `envconfig:"poll_interval"`
	RunTimeout   time.Duration `envconfig:"run_timeout"`
	DebugCapture bool          `envconfig:"debug_capture"`

	// Browser
	ChromeBin         string `envconfig:"chrome_bin"`
	ChromeDownload    bool   `envconfig:"chrome_download"`
	ChromeRevision    int    `envconfig:"chrome_revision"`
	ChromeInstallDeps bool   `envconfig:"chrome_install_deps"`
	RemoteURL         string `envconfig:"remote_url"`

	// Logging
	LogLevel  string `envconfig:"log_level"`
	LogFormat string `envconfig:"log_format"`

	// Server
	Host        string `envconfig:"host"`
	Port        int    `envconfig:"port"`
	BaseURL     string `envconfig:"base_url"` // Full base URL for API responses (e.g., http://localhost:8000)
	ArtifactDir string `envconfig:"artifact_dir"`
	PageRoot    string `envconfig:"page_root"` // Directory API runs may open pages from

	// Queue (NATS JetStream)
	NatsURL    string `envconfig:"nats_url"`
	NatsStore  string `envconfig:"nats_store"`
	NatsAutoDL bool   `envconfig:"nats_autodl"`
	NatsBin    string `envconfig:"nats_bin"`

	// Security
	RateLimitRequests int           `envconfig:"rate_limit"`        // requests per window
	RateLimitWindow   time.Duration `envconfig:"rate_limit_window"` // time window for rate limiting
	IdempotencyTTL    time.Duration `envconfig:"idempotency_ttl"`   // TTL for idempotency keys
	ResultTTL         time.Duration `envconfig:"result_ttl"`        // TTL for run results
	MaxJobTimeout     time.Duration `envconfig:"max_job_timeout"`   // Maximum allowed run timeout
	MaxRetries        int           `envconfig:"max_retries"`       // Maximum retries per run
	AllowedIPs        []string      `envconfig:"allowed_ips"`       // Empty allows every client
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Page:              "index.html",
		Scenario:          scenario.Default,
		Screenshot:        artifact.DefaultPath,
		Headless:          true,
		SettleMode:        string(scenario.SettleBlind),
		StepTimeout:       browser.DefaultStepTimeout,
		PollInterval:      browser.DefaultPollInterval,
		RunTimeout:        2 * time.Minute,
		LogLevel:          "info",
		LogFormat:         "text",
		Host:              "0.0.0.0",
		Port:              8000,
		BaseURL:           "", // Will be auto-generated if empty
		ArtifactDir:       "./data/artifacts",
		PageRoot:          ".",
		NatsURL:           "nats://127.0.0.1:4222",
		NatsStore:         "./data/nats",
		NatsAutoDL:        true,
		NatsBin:           "./bin/nats-server",
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
		IdempotencyTTL:    24 * time.Hour,
		ResultTTL:         7 * 24 * time.Hour, // 7 days
		MaxJobTimeout:     5 * time.Minute,
		MaxRetries:        3,
	}
}

// LoadEnv applies PAGECHECK_* environment overrides. Unset variables keep
// their current value.
func (c *Config) LoadEnv() error {
	if err := envconfig.Process(EnvPrefix, c); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// BindHarnessFlags registers the flags of a single verification run.
// Flag defaults are the current values, so flags win over the environment.
func (c *Config) BindHarnessFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Page, "page", c.Page, "Page to verify (path or URL)")
	fs.StringVar(&c.Scenario, "scenario", c.Scenario, "Built-in scenario to run")
	fs.StringVar(&c.ScenarioFile, "scenario-file", c.ScenarioFile, "YAML scenario file (overrides --scenario)")
	fs.StringVar(&c.Screenshot, "screenshot", c.Screenshot, "Screenshot output path")
	fs.BoolVar(&c.FullPage, "full-page", c.FullPage, "Capture the full page instead of the viewport")
	fs.StringVar(&c.SettleMode, "settle-mode", c.SettleMode, "Settle strategy: blind or poll")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Interval between readiness checks")
	fs.DurationVar(&c.RunTimeout, "run-timeout", c.RunTimeout, "Overall timeout of one run")
	fs.BoolVar(&c.DebugCapture, "debug-capture", c.DebugCapture, "Save a screenshot of the failing step")
	c.bindBrowserFlags(fs)
}

func (c *Config) bindBrowserFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&c.Headless, "headless", c.Headless, "Run the browser without a window")
	fs.DurationVar(&c.StepTimeout, "step-timeout", c.StepTimeout, "Timeout of a single browser action")
	fs.StringVar(&c.ChromeBin, "chrome-bin", c.ChromeBin, "Chromium executable")
	fs.BoolVar(&c.ChromeDownload, "chrome-download", c.ChromeDownload, "Download Chromium when none is installed")
	fs.IntVar(&c.ChromeRevision, "chrome-revision", c.ChromeRevision, "Chromium revision to download (0 uses default)")
	fs.BoolVar(&c.ChromeInstallDeps, "chrome-install-deps", c.ChromeInstallDeps, "Install Chromium's OS packages before downloading")
	fs.StringVar(&c.RemoteURL, "remote-url", c.RemoteURL, "Attach to a running browser (DevTools URL) instead of launching one")
}

// BindServerFlags registers the flags of the serve command.
func (c *Config) BindServerFlags(fs *pflag.FlagSet) {
	// Server flags
	fs.StringVar(&c.Host, "host", c.Host, "Host address to bind the server")
	fs.IntVar(&c.Port, "port", c.Port, "Port number for the server")
	fs.StringVar(&c.BaseURL, "base-url", c.BaseURL, "Base URL for API responses (e.g., http://localhost:8000)")
	fs.StringVar(&c.ArtifactDir, "artifact-dir", c.ArtifactDir, "Directory for per-run screenshots")
	fs.StringVar(&c.PageRoot, "page-root", c.PageRoot, "Directory queued runs may open pages from")
	fs.StringVar(&c.SettleMode, "settle-mode", c.SettleMode, "Default settle strategy: blind or poll")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Interval between readiness checks")
	fs.BoolVar(&c.DebugCapture, "debug-capture", c.DebugCapture, "Save a screenshot of the failing step")
	c.bindBrowserFlags(fs)

	// NATS flags
	fs.StringVar(&c.NatsURL, "nats-url", c.NatsURL, "NATS server URL")
	fs.StringVar(&c.NatsStore, "nats-store", c.NatsStore, "NATS JetStream storage directory")
	fs.BoolVar(&c.NatsAutoDL, "nats-autodl", c.NatsAutoDL, "Auto-download NATS server binary")
	fs.StringVar(&c.NatsBin, "nats-bin", c.NatsBin, "Path to NATS server binary")

	// Security flags
	fs.IntVar(&c.RateLimitRequests, "rate-limit", c.RateLimitRequests, "Rate limit requests per minute")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Maximum retries per run (1-10)")
	fs.DurationVar(&c.MaxJobTimeout, "max-job-timeout", c.MaxJobTimeout, "Maximum allowed run timeout")
	fs.StringSliceVar(&c.AllowedIPs, "allow-ip", c.AllowedIPs, "Client IP allowed to use the API (repeatable; empty allows all)")
}

// BindLogFlags registers logging flags, usually as persistent flags.
func (c *Config) BindLogFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: text or json")
}

// Validate rejects unusable values and clamps the rest.
func (c *Config) Validate() error {
	if _, err := scenario.ParseSettleMode(c.SettleMode); err != nil {
		return err
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("step timeout must be positive, got %v", c.StepTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	if c.Screenshot == "" {
		return fmt.Errorf("screenshot path is required")
	}
	if c.ChromeRevision < 0 {
		return fmt.Errorf("chrome revision must not be negative")
	}
	if c.PageRoot == "" {
		return fmt.Errorf("page root is required")
	}

	// Auto-generate BaseURL if not provided
	if c.BaseURL == "" {
		host := c.Host
		if host == "0.0.0.0" {
			host = "localhost"
		}
		c.BaseURL = fmt.Sprintf("http://%s:%d", host, c.Port)
	}

	if c.MaxRetries < 1 {
		c.MaxRetries = 1
	}
	if c.MaxRetries > 10 {
		c.MaxRetries = 10
	}
	if c.RateLimitRequests < 1 {
		c.RateLimitRequests = 100
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultConfig().RunTimeout
	}
	return nil
}

// InstallOptions describes how to find a browser executable.
func (c *Config) InstallOptions() browser.InstallOptions {
	return browser.InstallOptions{
		Bin:         c.ChromeBin,
		Download:    c.ChromeDownload,
		Revision:    c.ChromeRevision,
		InstallDeps: c.ChromeInstallDeps,
	}
}

// BrowserOptions returns session options for the resolved executable bin.
func (c *Config) BrowserOptions(bin string) browser.Options {
	return browser.Options{
		Headless:     c.Headless,
		ChromeBin:    bin,
		RemoteURL:    c.RemoteURL,
		StepTimeout:  c.StepTimeout,
		PollInterval: c.PollInterval,
		FullPage:     c.FullPage,
	}
}

// RunnerOptions returns scenario runner options for this configuration.
func (c *Config) RunnerOptions() scenario.Options {
	mode, _ := scenario.ParseSettleMode(c.SettleMode)
	return scenario.Options{
		Page:         c.Page,
		Screenshot:   c.Screenshot,
		SettleMode:   mode,
		StepTimeout:  c.StepTimeout,
		DebugCapture: c.DebugCapture,
	}
}
