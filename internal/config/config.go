package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Remote   RemoteConfig `yaml:"remote"`
	Task     TaskConfig   `yaml:"task"`
	Engine   EngineConfig `yaml:"engine"`
	LogLevel string       `yaml:"log_level"`
}

// RemoteConfig represents S3-compatible storage configuration
type RemoteConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

// TaskConfig describes the upload task to run
type TaskConfig struct {
	TaskID       string `yaml:"task_id"`
	Bucket       string `yaml:"bucket"`
	RemotePrefix string `yaml:"remote_prefix"`
	LocalRoot    string `yaml:"local_root"`
}

// EngineConfig represents engine tuning and bookkeeping locations
type EngineConfig struct {
	LedgerPath      string `yaml:"ledger_path"`
	StateDir        string `yaml:"state_dir"`
	CheckpointEvery int    `yaml:"checkpoint_every"`
	SkipExisting    bool   `yaml:"skip_existing"`
	ShowProgress    bool   `yaml:"show_progress"`
	MetricsAddr     string `yaml:"metrics_addr"`
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Engine: EngineConfig{
			LedgerPath:      "./photosync.db",
			StateDir:        "./state",
			CheckpointEvery: 10,
			SkipExisting:    true,
			ShowProgress:    true,
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if err := loadFromFlags(cfg, flags); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("endpoint") {
		cfg.Remote.Endpoint, _ = flags.GetString("endpoint")
	}
	if flags.Changed("access-key") {
		cfg.Remote.AccessKey, _ = flags.GetString("access-key")
	}
	if flags.Changed("secret-key") {
		cfg.Remote.SecretKey, _ = flags.GetString("secret-key")
	}
	if flags.Changed("secure") {
		cfg.Remote.Secure, _ = flags.GetBool("secure")
	}

	if flags.Changed("task-id") {
		cfg.Task.TaskID, _ = flags.GetString("task-id")
	}
	if flags.Changed("bucket") {
		cfg.Task.Bucket, _ = flags.GetString("bucket")
	}
	if flags.Changed("remote-prefix") {
		cfg.Task.RemotePrefix, _ = flags.GetString("remote-prefix")
	}
	if flags.Changed("local-root") {
		cfg.Task.LocalRoot, _ = flags.GetString("local-root")
	}

	if flags.Changed("ledger") {
		cfg.Engine.LedgerPath, _ = flags.GetString("ledger")
	}
	if flags.Changed("state-dir") {
		cfg.Engine.StateDir, _ = flags.GetString("state-dir")
	}
	if flags.Changed("checkpoint-every") {
		cfg.Engine.CheckpointEvery, _ = flags.GetInt("checkpoint-every")
	}
	if flags.Changed("skip-existing") {
		cfg.Engine.SkipExisting, _ = flags.GetBool("skip-existing")
	}
	if flags.Changed("show-progress") {
		cfg.Engine.ShowProgress, _ = flags.GetBool("show-progress")
	}
	if flags.Changed("metrics-addr") {
		cfg.Engine.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Remote.Endpoint == "" {
		return fmt.Errorf("remote endpoint is required")
	}
	if c.Remote.AccessKey == "" {
		return fmt.Errorf("remote access key is required")
	}
	if c.Remote.SecretKey == "" {
		return fmt.Errorf("remote secret key is required")
	}

	if c.Task.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.Task.LocalRoot == "" {
		return fmt.Errorf("local root is required")
	}

	if c.Engine.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint-every must be positive")
	}

	return nil
}
