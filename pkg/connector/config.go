// chatsync - Conversation sync engine for the inventory client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/lrhodin/chatsync/pkg/chatapi"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	DefaultListInterval   = 10 * time.Second
	DefaultThreadInterval = 5 * time.Second
	DefaultBadgeInterval  = 30 * time.Second

	EnvToken   = "CHATSYNC_TOKEN"
	EnvBaseURL = "CHATSYNC_BASE_URL"
)

type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Sync    SyncConfig    `yaml:"sync"`

	// UserID identifies the signed-in user so own messages can be told apart.
	UserID chatapi.ID `yaml:"user_id"`

	Archive ArchiveConfig     `yaml:"archive"`
	Metrics MetricsConfig     `yaml:"metrics"`
	Logging zeroconfig.Config `yaml:"logging"`
}

type GatewayConfig struct {
	BaseURL string `yaml:"base_url"`
	// Token is the opaque bearer token written by the login command.
	Token string `yaml:"token"`

	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	UserAgent         string  `yaml:"user_agent"`
}

type SyncConfig struct {
	ListInterval   time.Duration `yaml:"list_interval"`
	ThreadInterval time.Duration `yaml:"thread_interval"`
	BadgeInterval  time.Duration `yaml:"badge_interval"`

	// DiscardStale drops responses that finish after a newer one was applied.
	// Defaults to true.
	DiscardStale *bool `yaml:"discard_stale"`
}

type ArchiveConfig struct {
	// Path of the sqlite archive. Empty disables archiving.
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	// Listen address for the prometheus endpoint, e.g. "127.0.0.1:9360".
	Listen string `yaml:"listen"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

// PostProcess fills in defaults and validates the config.
func (c *Config) PostProcess() error {
	if c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = chatapi.DefaultBaseURL
	}
	if c.Gateway.RequestsPerSecond < 0 {
		return fmt.Errorf("gateway.requests_per_second must not be negative")
	}
	if c.Sync.ListInterval == 0 {
		c.Sync.ListInterval = DefaultListInterval
	}
	if c.Sync.ThreadInterval == 0 {
		c.Sync.ThreadInterval = DefaultThreadInterval
	}
	if c.Sync.BadgeInterval == 0 {
		c.Sync.BadgeInterval = DefaultBadgeInterval
	}
	if c.Sync.ListInterval < 0 || c.Sync.ThreadInterval < 0 || c.Sync.BadgeInterval < 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if c.Sync.DiscardStale == nil {
		c.Sync.DiscardStale = ptr.Ptr(true)
	}
	return nil
}

// ShouldDiscardStale returns the effective value of sync.discard_stale.
func (c *SyncConfig) ShouldDiscardStale() bool {
	return c.DiscardStale == nil || *c.DiscardStale
}

// ApplyEnv overrides the token and base URL from the environment.
func (c *Config) ApplyEnv() {
	if token := os.Getenv(EnvToken); token != "" {
		c.Gateway.Token = token
	}
	if baseURL := os.Getenv(EnvBaseURL); baseURL != "" {
		c.Gateway.BaseURL = baseURL
	}
}

// DefaultConfig returns the parsed example config.
func DefaultConfig() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		panic(fmt.Errorf("example config is invalid: %w", err))
	}
	return &cfg
}

// LoadConfig reads the YAML config at path. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Sync.DiscardStale == nil {
		// Empty documents skip UnmarshalYAML entirely.
		if err = cfg.PostProcess(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Save writes the config to path with owner-only permissions, since it
// contains the access token.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
