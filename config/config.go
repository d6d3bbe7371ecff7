package config

import (
	"fmt"
	"time"

	"graceful-echo/tcp"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/logx"
)

// DefaultAddress is used when no listen address is given on the command line
const DefaultAddress = "127.0.0.1:8080"

// Config represents the application configuration
type Config struct {
	Server struct {
		Address       string `json:",default=127.0.0.1:8080"`
		Backlog       int    `json:",default=1024"`
		ReuseAddr     bool   `json:",default=true"`
		ReusePort     bool   `json:",default=true"`
		BufferSize    int    `json:",default=1024"`
		CleanInterval string `json:",default=5s"`
	}

	Metrics struct {
		Namespace     string `json:",default=graceful_echo"`
		StatsInterval string `json:",default=60s"`
	}

	Log logx.LogConf
}

// Load builds the configuration from the built-in defaults and the optional
// listen address taken from the command line.
func Load(args []string) (*Config, error) {
	var c Config
	if err := conf.FillDefault(&c); err != nil {
		return nil, fmt.Errorf("failed to fill config defaults: %w", err)
	}

	if len(args) > 0 && args[0] != "" {
		c.Server.Address = args[0]
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks the values the server cannot start without
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("invalid config: empty listen address")
	}
	if c.Server.Backlog <= 0 {
		return fmt.Errorf("invalid config: backlog must be positive, got %d", c.Server.Backlog)
	}
	if c.Server.BufferSize <= 0 {
		return fmt.Errorf("invalid config: buffer size must be positive, got %d", c.Server.BufferSize)
	}
	if _, err := c.CleanInterval(); err != nil {
		return err
	}
	if _, err := c.StatsInterval(); err != nil {
		return err
	}

	return nil
}

// CleanInterval returns the parsed cleanup interval
func (c *Config) CleanInterval() (time.Duration, error) {
	return parseInterval("clean interval", c.Server.CleanInterval)
}

// StatsInterval returns the parsed statistics report interval
func (c *Config) StatsInterval() (time.Duration, error) {
	return parseInterval("stats interval", c.Metrics.StatsInterval)
}

func parseInterval(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid config: %s %q: %w", name, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid config: %s must be positive, got %s", name, d)
	}

	return d, nil
}

// ListenConfig adapts the server section to the listener options
func (c *Config) ListenConfig() tcp.ListenConfig {
	return tcp.ListenConfig{
		Address:   c.Server.Address,
		Backlog:   c.Server.Backlog,
		ReuseAddr: c.Server.ReuseAddr,
		ReusePort: c.Server.ReusePort,
	}
}

// ServerConfig adapts the server section to the supervisor options.
// Validate must have succeeded before this is called.
func (c *Config) ServerConfig() tcp.Config {
	cleanInterval, _ := c.CleanInterval()
	statsInterval, _ := c.StatsInterval()
	return tcp.Config{
		Address:       c.Server.Address,
		CleanInterval: cleanInterval,
		StatsInterval: statsInterval,
	}
}
