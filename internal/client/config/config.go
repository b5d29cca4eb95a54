package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the client configuration.
type Config struct {
	// HostURL is the host's websocket endpoint, e.g. ws://host:8080/ws.
	HostURL string `yaml:"host_url"`
	// Token is the pairing token minted by the host.
	Token    string `yaml:"token"`
	LogLevel string `yaml:"log_level"`

	CommandTimeout time.Duration `yaml:"command_timeout"`
	// ConnectWait bounds how long a one-shot command waits for the
	// channel to come up and reconcile before giving up.
	ConnectWait time.Duration `yaml:"connect_wait"`
	// LogBuffer is the number of diagnostic log entries retained.
	LogBuffer int `yaml:"log_buffer"`
}

// Load reads configuration from flags, an optional YAML file, and
// environment variables, in that order of precedence (later wins). The
// remaining arguments form the command verb.
func Load() (*Config, []string, error) {
	cfg := &Config{
		HostURL:        "ws://localhost:8080/ws",
		LogLevel:       "info",
		CommandTimeout: 5 * time.Second,
		ConnectWait:    15 * time.Second,
		LogBuffer:      256,
	}

	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&cfg.HostURL, "host", cfg.HostURL, "Host websocket URL")
	flag.StringVar(&cfg.Token, "token", "", "Pairing token")
	flag.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.DurationVar(&cfg.CommandTimeout, "command-timeout", cfg.CommandTimeout, "Command confirmation timeout")
	flag.DurationVar(&cfg.ConnectWait, "connect-wait", cfg.ConnectWait, "How long to wait for the channel before a command fails")
	flag.Parse()

	if path := os.Getenv("CONFIG"); path != "" {
		configPath = path
	}
	if configPath != "" {
		if err := loadFile(configPath, cfg); err != nil {
			return nil, nil, err
		}
	}

	if v := os.Getenv("HOST_URL"); v != "" {
		cfg.HostURL = v
	}
	if v := os.Getenv("PAIRING_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if cfg.Token == "" {
		return nil, nil, fmt.Errorf("pairing token is required (flag -token, env PAIRING_TOKEN, or config file)")
	}
	return cfg, flag.Args(), nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
