package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alaska-icy-giant/simbridge-sub002/internal/bridge/protocol"
)

// Config holds the host daemon configuration.
type Config struct {
	// HTTP/websocket listen address.
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	// NodeID tags published events; defaults to the hostname.
	NodeID string `yaml:"node_id"`

	// PairingSecret signs client pairing tokens. Required.
	PairingSecret string        `yaml:"pairing_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl"`

	// CommandTimeout bounds how long an accepted command may wait for
	// its confirming event.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// NATSURL enables lifecycle event publishing when set.
	NATSURL string `yaml:"nats_url"`

	// Telephony shapes the simulated stack used until a real platform
	// binding is wired in.
	Telephony TelephonyConfig `yaml:"telephony"`
}

// TelephonyConfig shapes the simulated native stack.
type TelephonyConfig struct {
	Sims          []protocol.SimInfo `yaml:"sims"`
	DialLatency   time.Duration      `yaml:"dial_latency"`
	AnswerLatency time.Duration      `yaml:"answer_latency"`
	AutoAnswer    bool               `yaml:"auto_answer"`
}

// Load reads configuration from flags, an optional YAML file, and
// environment variables, in that order of precedence (later wins).
func Load() (*Config, error) {
	cfg := &Config{
		Listen:         ":8080",
		LogLevel:       "info",
		TokenTTL:       24 * time.Hour,
		CommandTimeout: 5 * time.Second,
		Telephony: TelephonyConfig{
			DialLatency:   500 * time.Millisecond,
			AnswerLatency: 2 * time.Second,
		},
	}

	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	flag.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.NodeID, "node", "", "Node identity for published events (defaults to hostname)")
	flag.StringVar(&cfg.PairingSecret, "secret", "", "Pairing token secret")
	flag.StringVar(&cfg.NATSURL, "nats", "", "NATS URL for lifecycle events (empty disables)")
	flag.DurationVar(&cfg.CommandTimeout, "command-timeout", cfg.CommandTimeout, "Command confirmation timeout")
	flag.Parse()

	if path := os.Getenv("CONFIG"); path != "" {
		configPath = path
	}
	if configPath != "" {
		if err := loadFile(configPath, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if cfg.NodeID == "" {
		if hn, err := os.Hostname(); err == nil {
			cfg.NodeID = hn
		} else {
			cfg.NodeID = "simbridge-host"
		}
	}
	if cfg.PairingSecret == "" {
		return nil, fmt.Errorf("pairing secret is required (flag -secret, env PAIRING_SECRET, or config file)")
	}
	return cfg, nil
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

func applyEnv(cfg *Config) {
	if v := os.Getenv("LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("PAIRING_SECRET"); v != "" {
		cfg.PairingSecret = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("COMMAND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CommandTimeout = d
		}
	}
	if v := os.Getenv("AUTO_ANSWER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Telephony.AutoAnswer = b
		}
	}
}
