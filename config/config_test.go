package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate("")
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.Relay.RelayID == "" {
		t.Fatalf("expected non-empty relay ID")
	}
	if firstCfg.Relay.ListenAddress != DefaultListenAddress {
		t.Fatalf("expected default listen address, got %q", firstCfg.Relay.ListenAddress)
	}
	if !firstCfg.Relay.AdvertiseMDNS || !firstCfg.Relay.HistoryEnabled {
		t.Fatalf("expected mDNS and history enabled by default: %+v", firstCfg.Relay)
	}
	if firstCfg.Client.ChunkInterval() != 10*time.Millisecond {
		t.Fatalf("expected 10ms chunk interval, got %s", firstCfg.Client.ChunkInterval())
	}
	if firstCfg.Client.ReconnectDelay() != 3*time.Second {
		t.Fatalf("expected 3s reconnect delay, got %s", firstCfg.Client.ReconnectDelay())
	}
	if firstCfg.Client.MaxFileSize() != 16<<30 {
		t.Fatalf("expected 16 GiB max file size, got %d", firstCfg.Client.MaxFileSize())
	}
	if firstCfg.Client.OfferTimeout() != 10*time.Minute {
		t.Fatalf("expected 10m offer timeout, got %s", firstCfg.Client.OfferTimeout())
	}
	if firstCfg.Client.CountMode != "messages" {
		t.Fatalf("expected messages count mode, got %q", firstCfg.Client.CountMode)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}
	if info, err := os.Stat(firstCfg.Client.DownloadDir); err != nil || !info.IsDir() {
		t.Fatalf("expected download dir to exist: %v", err)
	}

	secondCfg, secondPath, err := LoadOrCreate("")
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.Relay.RelayID != firstCfg.Relay.RelayID {
		t.Fatalf("expected stable relay ID, got %q then %q", firstCfg.Relay.RelayID, secondCfg.Relay.RelayID)
	}
}

func TestLoadOrCreateExplicitDataDirWinsOverEnv(t *testing.T) {
	t.Setenv(DataDirEnv, t.TempDir())
	explicit := t.TempDir()

	_, path, err := LoadOrCreate(explicit)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if path != filepath.Join(explicit, "config.json") {
		t.Fatalf("expected config under explicit dir, got %q", path)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	cfgPath := ConfigPath(tempDir)
	partial := &Config{
		Client: ClientConfig{RelayURL: "ws://10.0.0.5:8080", CountMode: "distinct"},
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate(tempDir)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.Client.RelayURL != "ws://10.0.0.5:8080" || cfg.Client.CountMode != "distinct" {
		t.Fatalf("expected user values to be kept: %+v", cfg.Client)
	}
	if cfg.Relay.RelayID == "" || cfg.Client.ReconnectDelayMillis != DefaultReconnectDelayMillis {
		t.Fatalf("expected missing fields to be filled: %+v", cfg)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.Relay.RelayID != cfg.Relay.RelayID {
		t.Fatalf("expected normalized config to be written back")
	}
}

func TestLoadOrCreateRejectsUnknownCountMode(t *testing.T) {
	tempDir := t.TempDir()
	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	if err := Save(ConfigPath(tempDir), &Config{Client: ClientConfig{CountMode: "sometimes"}}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	_, _, err := LoadOrCreate(tempDir)
	if err == nil || !strings.Contains(err.Error(), "count_mode") {
		t.Fatalf("expected count_mode validation error, got %v", err)
	}
}

func TestLoadReportsParseErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write config failed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
