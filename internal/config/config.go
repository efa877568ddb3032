package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Results  ResultsConfig  `yaml:"results"`
	Wipe     WipeConfig     `yaml:"wipe"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" env:"RESULTSTORE_HOST"`
	Port            int           `yaml:"port" env:"RESULTSTORE_PORT"`
	WebappPath      string        `yaml:"webapp_path"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the connection strategy: when Datasource is set the
// DSN is looked up through it (pooled variant), otherwise a direct connection
// is built from host/port/name and credentials.
type DatabaseConfig struct {
	Datasource string `yaml:"datasource" env:"RESULTSTORE_DATASOURCE"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Name       string `yaml:"name"`
	Username   string `yaml:"username" env:"RESULTSTORE_DB_USER"`
	Password   string `yaml:"password" env:"RESULTSTORE_DB_PASSWORD"`
}

// ResultsConfig controls where output payloads physically live.
type ResultsConfig struct {
	Path            string `yaml:"path" env:"RESULTSTORE_RESULTS_PATH"`
	SaveResultsToDB bool   `yaml:"save_results_to_db"`
}

// WipeConfig controls the background reaper.
type WipeConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Period    time.Duration `yaml:"period"`
	Threshold time.Duration `yaml:"threshold"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig gates the per-request tracing middleware. Span export is the
// concern of whichever TracerProvider the deployment installs globally.
type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// Load reads configuration from a YAML file, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied, for
// running without a config file.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			WebappPath:      "wps",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host: "localhost",
			Port: 5432,
			Name: "results",
		},
		Results: ResultsConfig{
			Path:            filepath.Join(os.TempDir(), "Database", "Results"),
			SaveResultsToDB: false,
		},
		Wipe: WipeConfig{
			Enabled:   true,
			Period:    time.Hour,
			Threshold: 7 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Results.Path == "" {
		return fmt.Errorf("results.path must not be empty")
	}
	if c.Wipe.Enabled {
		if c.Wipe.Period <= 0 {
			return fmt.Errorf("wipe.period must be positive, got %s", c.Wipe.Period)
		}
		if c.Wipe.Threshold <= 0 {
			return fmt.Errorf("wipe.threshold must be positive, got %s", c.Wipe.Threshold)
		}
	}
	if c.Database.Datasource == "" {
		if c.Database.Host == "" || c.Database.Name == "" {
			return fmt.Errorf("database.host and database.name are required without a datasource")
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("database.port must be 1-65535, got %d", c.Database.Port)
		}
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// WebappPath returns the webapp path prefix without surrounding slashes.
// Route registration and URL construction both go through it, so a stored
// retrieval URL always matches a route the server actually serves.
func (c *Config) WebappPath() string {
	return strings.Trim(c.Server.WebappPath, "/")
}

// BaseResultURL is the prefix retrieval URLs are built from.
func (c *Config) BaseResultURL() string {
	return fmt.Sprintf("http://%s:%d/%s/RetrieveResultServlet?id=",
		c.Server.Host, c.Server.Port, c.WebappPath())
}
