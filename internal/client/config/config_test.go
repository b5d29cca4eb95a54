package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	data := []byte("host_url: ws://bridge:9090/ws\ntoken: tok-1\nlog_level: debug\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{HostURL: "ws://localhost:8080/ws", LogLevel: "info"}
	if err := loadFile(path, cfg); err != nil {
		t.Fatalf("loadFile() error = %v", err)
	}
	if cfg.HostURL != "ws://bridge:9090/ws" {
		t.Errorf("HostURL = %q", cfg.HostURL)
	}
	if cfg.Token != "tok-1" {
		t.Errorf("Token = %q", cfg.Token)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadFileMissingPath(t *testing.T) {
	cfg := &Config{}
	if err := loadFile(filepath.Join(t.TempDir(), "absent.yaml"), cfg); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
