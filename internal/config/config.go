package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of the environment variables that configure the
// baseline source (BASELINE_URL, BASELINE_REF).
const EnvPrefix = "BASELINE"

// DefaultProbeTimeout bounds a single remote staleness probe.
const DefaultProbeTimeout = 10 * time.Second

// Config represents the complete baselinesync configuration
type Config struct {
	Baseline BaselineConfig `yaml:"baseline"`
	Paths    PathsConfig    `yaml:"paths"`
	Probe    ProbeConfig    `yaml:"probe"`
	Sync     SyncConfig     `yaml:"sync"`
	Auth     AuthConfig     `yaml:"auth"`
	Serve    ServeConfig    `yaml:"serve"`
}

// BaselineConfig configures the baseline repository. Both values are
// overridden by the environment.
type BaselineConfig struct {
	URL string `yaml:"url"`
	Ref string `yaml:"ref"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	CacheRoot string `yaml:"cache_root"`
}

// ProbeConfig configures the remote staleness probe
type ProbeConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	// TrackMovingHead fast-forwards the tracked reference after every fetch.
	// Disable it to keep a branch pinned at whatever was first cloned.
	TrackMovingHead bool `yaml:"track_moving_head"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the refresh webhook server
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Sync: SyncConfig{TrackMovingHead: true},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal over the defaults so absent booleans keep their default value
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOptional behaves like Load but returns the defaults when the file
// does not exist.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Baseline.URL = os.ExpandEnv(c.Baseline.URL)
	c.Baseline.Ref = os.ExpandEnv(c.Baseline.Ref)
	c.Paths.CacheRoot = os.ExpandEnv(c.Paths.CacheRoot)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Probe.Timeout <= 0 {
		c.Probe.Timeout = DefaultProbeTimeout
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = ":8080"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.CacheRoot != "" && !filepath.IsAbs(c.Paths.CacheRoot) {
		return fmt.Errorf("paths.cache_root must be an absolute path: %s", c.Paths.CacheRoot)
	}

	// Only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	// When auth is configured against a file-configured URL, the scheme must match.
	// Environment and CLI overrides are checked by the git client at runtime.
	if c.Baseline.URL != "" {
		if c.Auth.SSHKeyFile != "" && !IsSSH(c.Baseline.URL) {
			return fmt.Errorf("auth.ssh_key_file is set but baseline.url does not use an SSH scheme (git@ or ssh://)")
		}
		if c.Auth.HTTPSTokenFile != "" && !IsHTTPS(c.Baseline.URL) {
			return fmt.Errorf("auth.https_token_file is set but baseline.url does not use HTTPS scheme")
		}
	}

	return nil
}

// Environment returns the environment-style lookup used to resolve the
// configured baseline source. Values from the file act as fallbacks for
// BASELINE_URL and BASELINE_REF.
func (c *Config) Environment() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("url", c.Baseline.URL)
	v.SetDefault("ref", c.Baseline.Ref)
	return v
}

// LastResultPath returns the path of the persisted last sync result
func (c *Config) LastResultPath() string {
	return filepath.Join(c.Paths.CacheRoot, "last-result.json")
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the URL uses HTTPS
func IsHTTPS(url string) bool {
	return strings.HasPrefix(url, "https://")
}

// IsSSH returns true if the URL uses SSH
func IsSSH(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}
