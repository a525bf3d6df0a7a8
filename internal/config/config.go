// Package config loads sam's settings from a config file and the
// environment.
//
// Precedence, highest first: command-line flags bound by the caller,
// environment variables, the config file, built-in defaults.
//
// Environment variables use the SAM_ prefix with dots replaced by
// underscores (SAM_SYNC_POLICY, SAM_NOTION_DATABASE_ID). The credentials
// also accept their conventional unprefixed names: NOTION_API_KEY,
// NOTION_DATABASE_ID and ANTHROPIC_API_KEY.
//
// The config file is ~/.sam/config.toml unless --config names another
// file; YAML and JSON work too, chosen by extension.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/sdxl-assets/sam/internal/sync"
)

// EnvPrefix prefixes every environment variable sam reads.
const EnvPrefix = "SAM"

// Config is the full application configuration.
type Config struct {
	// Home is the state directory holding the database, lock and logs.
	Home        string `mapstructure:"home"`
	DBPath      string `mapstructure:"db_path"`
	MappingFile string `mapstructure:"mapping_file"`
	LogFile     string `mapstructure:"log_file"`

	Notion    NotionConfig    `mapstructure:"notion"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Assist    AssistConfig    `mapstructure:"assist"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

// NotionConfig configures the remote store.
type NotionConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	DatabaseID        string  `mapstructure:"database_id"`
	BaseURL           string  `mapstructure:"base_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// SyncConfig configures the engine and the watch loop.
type SyncConfig struct {
	Policy      string        `mapstructure:"policy"`
	Direction   string        `mapstructure:"direction"`
	NaturalKey  string        `mapstructure:"natural_key"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	Interval    time.Duration `mapstructure:"interval"`
}

// AssistConfig configures the LLM helper.
type AssistConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
}

// DashboardConfig configures the live dashboard served by sync watch.
type DashboardConfig struct {
	Addr string `mapstructure:"addr"`
}

// DefaultHome returns ~/.sam, or .sam in the working directory when the
// home directory is unknown.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sam"
	}
	return filepath.Join(home, ".sam")
}

// New returns a viper instance with defaults and environment bindings in
// place. Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	engine := sync.DefaultConfig()
	v.SetDefault("home", DefaultHome())
	// Empty defaults make the keys visible to AutomaticEnv during Unmarshal.
	v.SetDefault("db_path", "")
	v.SetDefault("mapping_file", "")
	v.SetDefault("log_file", "")
	v.SetDefault("sync.natural_key", "")
	v.SetDefault("notion.base_url", "https://api.notion.com/v1")
	v.SetDefault("notion.requests_per_second", 3.0)
	v.SetDefault("sync.policy", string(engine.Policy))
	v.SetDefault("sync.direction", string(engine.Direction))
	v.SetDefault("sync.concurrency", engine.Concurrency)
	v.SetDefault("sync.max_attempts", engine.MaxAttempts)
	v.SetDefault("sync.call_timeout", engine.CallTimeout)
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("assist.model", "claude-sonnet-4-5")
	v.SetDefault("assist.max_tokens", 1024)
	v.SetDefault("dashboard.addr", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional names, checked after the prefixed ones.
	_ = v.BindEnv("notion.api_key", "SAM_NOTION_API_KEY", "NOTION_API_KEY")
	_ = v.BindEnv("notion.database_id", "SAM_NOTION_DATABASE_ID", "NOTION_DATABASE_ID")
	_ = v.BindEnv("assist.api_key", "SAM_ASSIST_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

// Load reads the config file (file, or config.* in the home directory when
// file is empty) and decodes the result. A missing default file is not an
// error; a missing explicit file is.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(v.GetString("home"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if cfg.Home == "" {
		cfg.Home = DefaultHome()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.Home, "sam.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail deep inside a pass.
// Credentials are checked where they are needed, not here, so commands
// that never talk to Notion work without them.
func (c *Config) Validate() error {
	if _, err := sync.ParsePolicy(c.Sync.Policy); err != nil {
		return fmt.Errorf("sync.policy: %w", err)
	}
	if _, err := sync.ParseDirection(c.Sync.Direction); err != nil {
		return fmt.Errorf("sync.direction: %w", err)
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1 (got %d)", c.Sync.Concurrency)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1 (got %d)", c.Sync.MaxAttempts)
	}
	if c.Sync.Interval < 0 || c.Sync.CallTimeout < 0 {
		return errors.New("sync durations must not be negative")
	}
	return nil
}

// LockPath is the advisory lock file guarding sync passes.
func (c *Config) LockPath() string {
	return filepath.Join(c.Home, "sync.lock")
}

// Engine returns the engine configuration described by c. Logger,
// Observer and Audit are left for the caller to wire.
func (c *Config) Engine() (sync.Config, error) {
	out := sync.DefaultConfig()
	var err error
	if out.Policy, err = sync.ParsePolicy(c.Sync.Policy); err != nil {
		return out, err
	}
	if out.Direction, err = sync.ParseDirection(c.Sync.Direction); err != nil {
		return out, err
	}
	out.NaturalKey = c.Sync.NaturalKey
	out.Concurrency = c.Sync.Concurrency
	out.MaxAttempts = c.Sync.MaxAttempts
	if c.Sync.CallTimeout > 0 {
		out.CallTimeout = c.Sync.CallTimeout
	}
	out.LockPath = c.LockPath()
	return out, nil
}

// Watch reloads the config file whenever it changes and hands the result
// to onChange. An invalid edit is passed as an error; the caller keeps its
// previous config.
func Watch(v *viper.Viper, onChange func(*Config, error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
}
