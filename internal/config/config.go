package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Browser management strategies.
const (
	StrategyReuseBrowser   = "reuse-browser"
	StrategyNewPerScenario = "new-per-scenario"
)

// Config represents the pomelo.yml configuration
type Config struct {
	Version  int      `yaml:"version"`
	Settings Settings `yaml:"settings"`
	Browser  Browser  `yaml:"browser"`
	Features Features `yaml:"features"`
	Reports  Reports  `yaml:"reports"`
	Upload   Upload   `yaml:"upload"`
	API      API      `yaml:"api"`
	Database Database `yaml:"database"`
	Steps    Steps    `yaml:"steps"`
}

type Settings struct {
	// Timeout bounds the whole run.
	Timeout time.Duration `yaml:"timeout"`
	// StepTimeout is the default per-step timeout; individual
	// registrations may override it.
	StepTimeout time.Duration `yaml:"step_timeout"`
	// ParseTimeout bounds feature-file parsing during discovery. A parse
	// exceeding it is a discovery failure, not a hang.
	ParseTimeout time.Duration `yaml:"parse_timeout"`
	FailFast     bool          `yaml:"fail_fast"`
	Output       string        `yaml:"output"`
}

// Browser defines how the browser under automation is obtained and reused.
type Browser struct {
	// Strategy: reuse-browser or new-per-scenario
	Strategy string `yaml:"strategy"`
	Headless bool   `yaml:"headless"`
	// Image for the containerized browser; ignored when CDPURL is set
	Image string `yaml:"image"`
	// CDPURL connects to an already-running browser instead of launching one
	CDPURL string `yaml:"cdp_url"`
}

type Features struct {
	Paths    []string `yaml:"paths"`
	Tags     string   `yaml:"tags"`
	Name     string   `yaml:"name"`
	Scenario string   `yaml:"scenario"`
}

type Reports struct {
	Dir     string   `yaml:"dir"`
	Formats []string `yaml:"formats"`
}

// Upload configures pushing results to an external test-management system.
// Its failure never affects the process exit code.
type Upload struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	// TokenEnv names the environment variable holding the API token
	TokenEnv string `yaml:"token_env"`
	Project  string `yaml:"project"`
}

type API struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Steps struct {
	// Common lists step libraries activated on every run regardless of
	// what the features reference.
	Common []string `yaml:"common"`
	// IndexCache toggles the on-disk pattern index (24h freshness).
	IndexCache *bool `yaml:"index_cache"`
}

// IndexCacheEnabled resolves the pointer default.
func (s Steps) IndexCacheEnabled() bool {
	return s.IndexCache == nil || *s.IndexCache
}

// Load reads and parses the pomelo.yml configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no pomelo.yml exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Settings.Timeout == 0 {
		c.Settings.Timeout = 30 * time.Minute
	}
	if c.Settings.StepTimeout == 0 {
		c.Settings.StepTimeout = 30 * time.Second
	}
	if c.Settings.ParseTimeout == 0 {
		c.Settings.ParseTimeout = 60 * time.Second
	}
	if c.Settings.Output == "" {
		c.Settings.Output = "pretty"
	}
	if c.Browser.Strategy == "" {
		c.Browser.Strategy = StrategyReuseBrowser
	}
	if c.Browser.Image == "" {
		c.Browser.Image = "chromedp/headless-shell:latest"
	}
	if len(c.Features.Paths) == 0 {
		c.Features.Paths = []string{"./features"}
	}
	if c.Reports.Dir == "" {
		c.Reports.Dir = ".pomelo/reports"
	}
	if len(c.Reports.Formats) == 0 {
		c.Reports.Formats = []string{"json"}
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
}

func (c *Config) validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version: %d (expected 1)", c.Version)
	}

	switch c.Browser.Strategy {
	case StrategyReuseBrowser, StrategyNewPerScenario:
	default:
		return fmt.Errorf("invalid browser strategy: %s", c.Browser.Strategy)
	}

	if c.Upload.Enabled && c.Upload.URL == "" {
		return fmt.Errorf("upload enabled but no url configured")
	}

	for _, f := range c.Reports.Formats {
		switch f {
		case "json", "junit":
		default:
			return fmt.Errorf("unknown report format: %s", f)
		}
	}

	return nil
}
