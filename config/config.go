package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"nicedrop/chunk"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "nicedrop"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "NICEDROP_DATA_DIR"
	// DefaultListenAddress is where the relay listens when no override exists.
	DefaultListenAddress = ":8080"
	// DefaultChunkIntervalMillis paces chunk sends.
	DefaultChunkIntervalMillis = 10
	// DefaultReconnectDelayMillis is the fixed client reconnect delay.
	DefaultReconnectDelayMillis = 3000
	// DefaultOfferTimeoutSeconds bounds how long a received offer stays pending.
	DefaultOfferTimeoutSeconds = 600
	// DefaultEventRetentionDays bounds relay device event history.
	DefaultEventRetentionDays = 30
	// DefaultMaxFileSizeMB caps incoming files.
	DefaultMaxFileSizeMB = 16 * 1024
	// configFileName is the persisted configuration file.
	configFileName   = "config.json"
	downloadsDirName = "downloads"
)

// Config is the persisted nicedrop configuration. Device ids and display
// names are not stored; both are chosen per process.
type Config struct {
	Relay  RelayConfig  `json:"relay"`
	Client ClientConfig `json:"client"`
}

// RelayConfig holds settings for `nicedrop relay`.
type RelayConfig struct {
	RelayID            string `json:"relay_id"`
	ListenAddress      string `json:"listen_address"`
	AdvertiseMDNS      bool   `json:"advertise_mdns"`
	HistoryEnabled     bool   `json:"history_enabled"`
	EventRetentionDays int    `json:"event_retention_days"`
}

// ClientConfig holds settings shared by the device commands.
type ClientConfig struct {
	// RelayURL is empty when the relay should be found via mDNS.
	RelayURL             string `json:"relay_url"`
	DownloadDir          string `json:"download_dir"`
	ChunkIntervalMillis  int    `json:"chunk_interval_ms"`
	ReconnectDelayMillis int    `json:"reconnect_delay_ms"`
	OfferTimeoutSeconds  int    `json:"offer_timeout_seconds"`
	MaxFileSizeMB        int64  `json:"max_file_size_mb"`
	CountMode            string `json:"count_mode"`
}

// ChunkInterval returns the configured chunk pacing.
func (c ClientConfig) ChunkInterval() time.Duration {
	return time.Duration(c.ChunkIntervalMillis) * time.Millisecond
}

// ReconnectDelay returns the configured reconnect delay.
func (c ClientConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMillis) * time.Millisecond
}

// OfferTimeout returns how long a received offer stays pending.
func (c ClientConfig) OfferTimeout() time.Duration {
	return time.Duration(c.OfferTimeoutSeconds) * time.Second
}

// MaxFileSize returns the largest incoming file in bytes.
func (c ClientConfig) MaxFileSize() int64 {
	return c.MaxFileSizeMB << 20
}

// EventRetention returns how long relay device events are kept.
func (c RelayConfig) EventRetention() time.Duration {
	return time.Duration(c.EventRetentionDays) * 24 * time.Hour
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If NICEDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, downloadsDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist under dataDir, then
// returns the config and its path. An empty dataDir uses ResolveDataDir.
func LoadOrCreate(dataDir string) (*Config, string, error) {
	if dataDir == "" {
		resolved, err := ResolveDataDir()
		if err != nil {
			return nil, "", err
		}
		dataDir = resolved
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	return cfg, cfgPath, nil
}

// Validate reports settings that cannot be used as written.
func (c *Config) Validate() error {
	if _, err := chunk.ParseCountMode(c.Client.CountMode); err != nil {
		return fmt.Errorf("client.count_mode: %w", err)
	}
	if c.Client.ChunkIntervalMillis < 0 {
		return errors.New("client.chunk_interval_ms must be >= 0")
	}
	return nil
}

func defaultConfig(dataDir string) *Config {
	return &Config{
		Relay: RelayConfig{
			RelayID:            uuid.NewString(),
			ListenAddress:      DefaultListenAddress,
			AdvertiseMDNS:      true,
			HistoryEnabled:     true,
			EventRetentionDays: DefaultEventRetentionDays,
		},
		Client: ClientConfig{
			DownloadDir:          filepath.Join(dataDir, downloadsDirName),
			ChunkIntervalMillis:  DefaultChunkIntervalMillis,
			ReconnectDelayMillis: DefaultReconnectDelayMillis,
			OfferTimeoutSeconds:  DefaultOfferTimeoutSeconds,
			MaxFileSizeMB:        DefaultMaxFileSizeMB,
			CountMode:            chunk.CountMessages.String(),
		},
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false

	if cfg.Relay.RelayID == "" {
		cfg.Relay.RelayID = uuid.NewString()
		updated = true
	}
	if cfg.Relay.ListenAddress == "" {
		cfg.Relay.ListenAddress = DefaultListenAddress
		updated = true
	}
	if cfg.Relay.EventRetentionDays <= 0 {
		cfg.Relay.EventRetentionDays = DefaultEventRetentionDays
		updated = true
	}

	if cfg.Client.DownloadDir == "" {
		cfg.Client.DownloadDir = filepath.Join(dataDir, downloadsDirName)
		updated = true
	}
	if cfg.Client.ChunkIntervalMillis == 0 {
		cfg.Client.ChunkIntervalMillis = DefaultChunkIntervalMillis
		updated = true
	}
	if cfg.Client.ReconnectDelayMillis <= 0 {
		cfg.Client.ReconnectDelayMillis = DefaultReconnectDelayMillis
		updated = true
	}
	if cfg.Client.OfferTimeoutSeconds <= 0 {
		cfg.Client.OfferTimeoutSeconds = DefaultOfferTimeoutSeconds
		updated = true
	}
	if cfg.Client.MaxFileSizeMB <= 0 {
		cfg.Client.MaxFileSizeMB = DefaultMaxFileSizeMB
		updated = true
	}
	if cfg.Client.CountMode == "" {
		cfg.Client.CountMode = chunk.CountMessages.String()
		updated = true
	}

	return updated
}
