// Package config loads and validates the modsync configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/modsync/internal/retry"
)

// ManifestSourceKind selects where the desired-state manifest comes from.
type ManifestSourceKind string

const (
	ManifestFromFile ManifestSourceKind = "file"
	ManifestFromHTTP ManifestSourceKind = "http"
	ManifestFromGit  ManifestSourceKind = "git"
)

// ManifestSourceConfig describes the manifest source for each run.
type ManifestSourceConfig struct {
	Kind ManifestSourceKind `yaml:"kind"`
	// Path is the manifest file for kind=file.
	Path string `yaml:"path,omitempty"`
	// URL is the manifest endpoint for kind=http.
	URL string `yaml:"url,omitempty"`
	// Repo/Branch/File locate the manifest inside a git repository for
	// kind=git.
	Repo   string `yaml:"repo,omitempty"`
	Branch string `yaml:"branch,omitempty"`
	File   string `yaml:"file,omitempty"`
}

// SafetyConfig confines version-gated deletions to one subtree.
type SafetyConfig struct {
	Enabled        bool   `yaml:"enabled"`
	AllowedSubtree string `yaml:"allowed_subtree,omitempty"`
}

// BackupConfig controls pre-destruction backups.
type BackupConfig struct {
	// Dir defaults to <config_root>/backups.
	Dir       string        `yaml:"dir,omitempty"`
	Retention time.Duration `yaml:"retention,omitempty"`
}

// RetryConfig shapes download retry behavior.
type RetryConfig struct {
	Backoff    retry.BackoffMode `yaml:"backoff,omitempty"`
	Initial    time.Duration     `yaml:"initial,omitempty"`
	Max        time.Duration     `yaml:"max,omitempty"`
	MaxRetries int               `yaml:"max_retries"`
}

// DaemonConfig controls the long-running mode.
type DaemonConfig struct {
	Interval    time.Duration `yaml:"interval,omitempty"`
	Watch       bool          `yaml:"watch"`
	MetricsAddr string        `yaml:"metrics_addr,omitempty"`
}

// EventsConfig enables publishing run reports to NATS.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// JournalConfig controls the sqlite action journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to <config_root>/journal.db.
	Path string `yaml:"path,omitempty"`
}

// Config is the full modsync configuration.
type Config struct {
	// GameRoot is the directory tree being managed.
	GameRoot string `yaml:"game_root"`
	// ModsDir is the default install directory for mods, relative to
	// GameRoot.
	ModsDir string `yaml:"mods_dir,omitempty"`
	// ConfigRoot holds the persisted documents (metadata store, pending
	// queue, staging, backups, journal).
	ConfigRoot string `yaml:"config_root,omitempty"`
	// RepositoryBaseURL resolves project/slug source descriptors.
	RepositoryBaseURL string `yaml:"repository_base_url,omitempty"`

	Manifest ManifestSourceConfig `yaml:"manifest"`
	Safety   SafetyConfig         `yaml:"safety,omitempty"`
	Backups  BackupConfig         `yaml:"backups,omitempty"`
	Retry    RetryConfig          `yaml:"retry,omitempty"`
	Daemon   DaemonConfig         `yaml:"daemon,omitempty"`
	Events   EventsConfig         `yaml:"events,omitempty"`
	Journal  JournalConfig        `yaml:"journal,omitempty"`
}

// Load reads the configuration, expanding ${ENV} references after loading
// .env/.env.local when present.
func Load(configPath string) (*Config, error) {
	// Best effort: a missing .env file is the normal case.
	_ = godotenv.Load(".env", ".env.local")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ModsDir == "" {
		cfg.ModsDir = "mods"
	}
	if cfg.ConfigRoot == "" && cfg.GameRoot != "" {
		cfg.ConfigRoot = filepath.Join(cfg.GameRoot, ".modsync")
	}
	if cfg.Backups.Dir == "" && cfg.ConfigRoot != "" {
		cfg.Backups.Dir = filepath.Join(cfg.ConfigRoot, "backups")
	}
	if cfg.Backups.Retention == 0 {
		cfg.Backups.Retention = 14 * 24 * time.Hour
	}
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(cfg.ConfigRoot, "journal.db")
	}
	if cfg.Daemon.Interval == 0 {
		cfg.Daemon.Interval = 30 * time.Minute
	}
	if cfg.Manifest.Kind == ManifestFromGit && cfg.Manifest.Branch == "" {
		cfg.Manifest.Branch = "main"
	}
	if cfg.Manifest.Kind == ManifestFromGit && cfg.Manifest.File == "" {
		cfg.Manifest.File = "manifest.yaml"
	}
	if cfg.Events.NATSURL != "" && cfg.Events.Subject == "" {
		cfg.Events.Subject = "modsync.runs"
	}
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.GameRoot == "" {
		return fmt.Errorf("game_root is required")
	}
	switch c.Manifest.Kind {
	case ManifestFromFile:
		if c.Manifest.Path == "" {
			return fmt.Errorf("manifest.path is required for kind=file")
		}
	case ManifestFromHTTP:
		if c.Manifest.URL == "" {
			return fmt.Errorf("manifest.url is required for kind=http")
		}
	case ManifestFromGit:
		if c.Manifest.Repo == "" {
			return fmt.Errorf("manifest.repo is required for kind=git")
		}
	case "":
		return fmt.Errorf("manifest.kind is required (file, http, or git)")
	default:
		return fmt.Errorf("unknown manifest.kind %q", c.Manifest.Kind)
	}
	if c.Safety.Enabled && c.Safety.AllowedSubtree == "" {
		return fmt.Errorf("safety.allowed_subtree is required when safety mode is enabled")
	}
	return nil
}

// RetryPolicy builds the download retry policy from config.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.NewPolicy(c.Retry.Backoff, c.Retry.Initial, c.Retry.Max, c.Retry.MaxRetries)
}

// MetadataPath returns the metadata store document location.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.ConfigRoot, "metadata.json")
}

// PendingPath returns the deferred-operations document location.
func (c *Config) PendingPath() string {
	return filepath.Join(c.ConfigRoot, "pending-operations.json")
}

// StagingDir returns the download staging directory.
func (c *Config) StagingDir() string {
	return filepath.Join(c.ConfigRoot, "staging")
}

// InstallDir resolves an entry's install directory against the game root,
// defaulting to the mods directory.
func (c *Config) InstallDir(relative string) string {
	if relative == "" {
		relative = c.ModsDir
	}
	return filepath.Join(c.GameRoot, filepath.FromSlash(relative))
}

// Init writes a starter configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	example := Config{
		GameRoot: ".",
		ModsDir:  "mods",
		Manifest: ManifestSourceConfig{
			Kind: ManifestFromHTTP,
			URL:  "https://packs.example.net/mypack/manifest.yaml",
		},
		Safety: SafetyConfig{Enabled: false},
		Retry:  RetryConfig{MaxRetries: 2},
	}
	data, err := yaml.Marshal(&example)
	if err != nil {
		return fmt.Errorf("failed to marshal example config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
