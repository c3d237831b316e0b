package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that round-trips through TOML as a string
// like "3s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the global ~/.pchat/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Backend        Backend `toml:"backend"`
	Sync           Sync    `toml:"sync"`
}

// Backend holds the hosted-service endpoints and credentials.
type Backend struct {
	URL     string `toml:"url"`
	AnonKey string `toml:"anon_key"`
	Bucket  string `toml:"bucket"`
}

// Sync holds the engine timing knobs.
type Sync struct {
	PollInterval      Duration `toml:"poll_interval"`
	PollBatchSize     int      `toml:"poll_batch_size"`
	WatchdogTimeout   Duration `toml:"watchdog_timeout"`
	MembershipRefresh Duration `toml:"membership_refresh"`
	PresenceInterval  Duration `toml:"presence_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Backend: Backend{Bucket: "attachments"},
		Sync: Sync{
			PollInterval:      Duration(3 * time.Second),
			PollBatchSize:     50,
			WatchdogTimeout:   Duration(10 * time.Second),
			MembershipRefresh: Duration(15 * time.Second),
			PresenceInterval:  Duration(time.Minute),
		},
	}
}

// Load reads config from the given path and fills unset sync knobs with
// defaults. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Sync.PollInterval <= 0 {
		cfg.Sync.PollInterval = Duration(3 * time.Second)
	}
	if cfg.Sync.PollBatchSize <= 0 {
		cfg.Sync.PollBatchSize = 50
	}
	if cfg.Sync.WatchdogTimeout <= 0 {
		cfg.Sync.WatchdogTimeout = Duration(10 * time.Second)
	}
	if cfg.Sync.MembershipRefresh <= 0 {
		cfg.Sync.MembershipRefresh = Duration(15 * time.Second)
	}
	if cfg.Sync.PresenceInterval <= 0 {
		cfg.Sync.PresenceInterval = Duration(time.Minute)
	}
	if cfg.Backend.Bucket == "" {
		cfg.Backend.Bucket = "attachments"
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
