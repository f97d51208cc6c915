// Package config loads server settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/stepdebug/internal/logging"
)

// Config holds every tunable of the debug server
type Config struct {
	Addr string `yaml:"addr"`

	Pool      PoolConfig      `yaml:"pool"`
	Session   SessionConfig   `yaml:"session"`
	Browser   BrowserConfig   `yaml:"browser"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       logging.Options `yaml:"log"`
}

// PoolConfig bounds automation contexts
type PoolConfig struct {
	MaxContexts int           `yaml:"max_contexts"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// SessionConfig drives the debug session state machine
type SessionConfig struct {
	ExecutionCost             int64         `yaml:"execution_cost"`
	SetupCost                 int64         `yaml:"setup_cost"`
	MaxIterations             int           `yaml:"max_iterations"`
	NavigationTimeout         time.Duration `yaml:"navigation_timeout"`
	ActionTimeout             time.Duration `yaml:"action_timeout"`
	SetupPollInterval         time.Duration `yaml:"setup_poll_interval"`
	SetupMaxPolls             int           `yaml:"setup_max_polls"`
	SweepInterval             time.Duration `yaml:"sweep_interval"`
	Retention                 time.Duration `yaml:"retention"`
	ContinuousInterval        time.Duration `yaml:"continuous_interval"`
	RequireManualConfirmation bool          `yaml:"require_manual_confirmation"`
	CaptureScreenshots        bool          `yaml:"capture_screenshots"`
}

// BrowserConfig selects the automation driver and where browsers run
type BrowserConfig struct {
	Driver         string `yaml:"driver"`   // playwright or rod
	Launcher       string `yaml:"launcher"` // local or docker
	Install        bool   `yaml:"install"`
	Headless       bool   `yaml:"headless"`
	DockerImage    string `yaml:"docker_image"`
	DockerHost     string `yaml:"docker_host"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
}

// StorageConfig points at on-disk inputs and outputs
type StorageConfig struct {
	ScriptsDir     string `yaml:"scripts_dir"`
	ScreenshotsDir string `yaml:"screenshots_dir"`
}

// RateLimitConfig limits requests per user
type RateLimitConfig struct {
	RequestsPerHour int `yaml:"requests_per_hour"`
	Burst           int `yaml:"burst"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Addr: ":8080",
		Pool: PoolConfig{
			MaxContexts: 5,
			IdleTimeout: time.Hour,
		},
		Session: SessionConfig{
			ExecutionCost:      1000,
			SetupCost:          5000,
			MaxIterations:      100,
			NavigationTimeout:  60 * time.Second,
			ActionTimeout:      30 * time.Second,
			SetupPollInterval:  2 * time.Second,
			SetupMaxPolls:      150,
			SweepInterval:      time.Minute,
			Retention:          30 * time.Minute,
			ContinuousInterval: time.Second,
			CaptureScreenshots: true,
		},
		Browser: BrowserConfig{
			Driver:         "playwright",
			Launcher:       "local",
			Headless:       true,
			ViewportWidth:  1280,
			ViewportHeight: 720,
		},
		Storage: StorageConfig{
			ScriptsDir:     "./storage/scripts",
			ScreenshotsDir: "./storage/screenshots",
		},
		RateLimit: RateLimitConfig{
			RequestsPerHour: 1000,
			Burst:           50,
		},
		Log: logging.Options{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path (if non-empty) over the defaults, then applies STEPDEBUG_*
// environment variables
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SetupTimeout is the bound on automated setup
func (c *Config) SetupTimeout() time.Duration {
	return c.Session.SetupPollInterval * time.Duration(c.Session.SetupMaxPolls)
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Pool.MaxContexts < 1 {
		errs = append(errs, errors.New("pool.max_contexts must be at least 1"))
	}
	if c.Pool.IdleTimeout <= 0 {
		errs = append(errs, errors.New("pool.idle_timeout must be positive"))
	}
	if c.Session.ExecutionCost < 0 || c.Session.SetupCost < 0 {
		errs = append(errs, errors.New("session costs must not be negative"))
	}
	if c.Session.MaxIterations < 0 {
		errs = append(errs, errors.New("session.max_iterations must not be negative"))
	}
	if c.Session.SetupPollInterval <= 0 || c.Session.SetupMaxPolls < 1 {
		errs = append(errs, errors.New("session.setup_poll_interval and setup_max_polls must be positive"))
	}
	if c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("session.sweep_interval must be positive"))
	}
	switch c.Browser.Driver {
	case "playwright", "rod":
	default:
		errs = append(errs, fmt.Errorf("browser.driver %q must be playwright or rod", c.Browser.Driver))
	}
	switch c.Browser.Launcher {
	case "local", "docker":
	default:
		errs = append(errs, fmt.Errorf("browser.launcher %q must be local or docker", c.Browser.Launcher))
	}
	return errors.Join(errs...)
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	num64 := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("STEPDEBUG_ADDR", &c.Addr)
	num("STEPDEBUG_MAX_CONTEXTS", &c.Pool.MaxContexts)
	dur("STEPDEBUG_IDLE_TIMEOUT", &c.Pool.IdleTimeout)
	num64("STEPDEBUG_EXECUTION_COST", &c.Session.ExecutionCost)
	num64("STEPDEBUG_SETUP_COST", &c.Session.SetupCost)
	num("STEPDEBUG_MAX_ITERATIONS", &c.Session.MaxIterations)
	dur("STEPDEBUG_NAVIGATION_TIMEOUT", &c.Session.NavigationTimeout)
	dur("STEPDEBUG_ACTION_TIMEOUT", &c.Session.ActionTimeout)
	dur("STEPDEBUG_SETUP_POLL_INTERVAL", &c.Session.SetupPollInterval)
	num("STEPDEBUG_SETUP_MAX_POLLS", &c.Session.SetupMaxPolls)
	dur("STEPDEBUG_SWEEP_INTERVAL", &c.Session.SweepInterval)
	dur("STEPDEBUG_RETENTION", &c.Session.Retention)
	flag("STEPDEBUG_REQUIRE_MANUAL_CONFIRMATION", &c.Session.RequireManualConfirmation)
	flag("STEPDEBUG_CAPTURE_SCREENSHOTS", &c.Session.CaptureScreenshots)
	str("STEPDEBUG_DRIVER", &c.Browser.Driver)
	str("STEPDEBUG_LAUNCHER", &c.Browser.Launcher)
	flag("STEPDEBUG_INSTALL_BROWSERS", &c.Browser.Install)
	flag("STEPDEBUG_HEADLESS", &c.Browser.Headless)
	str("STEPDEBUG_DOCKER_IMAGE", &c.Browser.DockerImage)
	str("STEPDEBUG_DOCKER_HOST", &c.Browser.DockerHost)
	str("STEPDEBUG_SCRIPTS_DIR", &c.Storage.ScriptsDir)
	str("STEPDEBUG_SCREENSHOTS_DIR", &c.Storage.ScreenshotsDir)
	num("STEPDEBUG_RATE_LIMIT_PER_HOUR", &c.RateLimit.RequestsPerHour)
	num("STEPDEBUG_RATE_LIMIT_BURST", &c.RateLimit.Burst)
	str("STEPDEBUG_LOG_LEVEL", &c.Log.Level)
	str("STEPDEBUG_LOG_FORMAT", &c.Log.Format)
	str("STEPDEBUG_LOG_FILE", &c.Log.File)

	return errors.Join(errs...)
}
