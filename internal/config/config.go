// Package config loads the launcher configuration (launcher.yaml).
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full launcher configuration.
type Config struct {
	Remote  RemoteConfig  `yaml:"remote"`
	Install InstallConfig `yaml:"install"`
	Update  UpdateConfig  `yaml:"update"`
	Rebuild RebuildConfig `yaml:"rebuild"`
	History HistoryConfig `yaml:"history"`
	Logging LoggingConfig `yaml:"logging"`
}

type RemoteConfig struct {
	BaseURL  string `yaml:"base_url"`
	Manifest string `yaml:"manifest"`
}

type InstallConfig struct {
	Root       string   `yaml:"root"`
	Categories []string `yaml:"categories"`
}

type UpdateConfig struct {
	Enabled      bool `yaml:"enabled"`
	MaxAttempts  int  `yaml:"max_attempts"`
	ChunkSizeKiB int  `yaml:"chunk_size_kib"`
}

type RebuildConfig struct {
	Command        []string `yaml:"command"`
	Artifact       string   `yaml:"artifact"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type HistoryConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads configuration from a file, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if u := os.Getenv("TOA_REMOTE_URL"); u != "" {
		cfg.Remote.BaseURL = u
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Remote.Manifest == "" {
		c.Remote.Manifest = "manifest.json"
	}
	if c.Update.MaxAttempts <= 0 {
		c.Update.MaxAttempts = 3
	}
	if c.Update.ChunkSizeKiB <= 0 {
		c.Update.ChunkSizeKiB = 1024
	}
	if c.Rebuild.TimeoutSeconds <= 0 {
		c.Rebuild.TimeoutSeconds = 600
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.Install.Root == "" {
		return fmt.Errorf("install.root is required")
	}
	if c.Update.Enabled {
		if c.Remote.BaseURL == "" {
			return fmt.Errorf("remote.base_url is required when update.enabled is true")
		}
		if _, err := url.ParseRequestURI(c.Remote.BaseURL); err != nil {
			return fmt.Errorf("remote.base_url: %w", err)
		}
	}
	return nil
}

// RebuildTimeout returns the packager timeout as a duration.
func (c *Config) RebuildTimeout() time.Duration {
	return time.Duration(c.Rebuild.TimeoutSeconds) * time.Second
}
