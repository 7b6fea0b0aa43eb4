// Package config loads the client's runtime configuration from a
// [Client]/[Logging]-sectioned TOML file, decoded with
// github.com/BurntSushi/toml.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Client holds the §6 configuration: remote endpoint, retry budget, the
// per-attempt deadline, and the datagram MTU.
type Client struct {
	RemoteHost      string `toml:"RemoteHost"`
	RemotePort      int    `toml:"RemotePort"`
	Retries         int    `toml:"Retries"`
	DeadlineSeconds int    `toml:"DeadlineSeconds"`
	MTU             int    `toml:"MTU"`
}

// Logging holds the ambient logging configuration.
type Logging struct {
	Level string `toml:"Level"`
}

// Config is the top-level decoded configuration file.
type Config struct {
	Client  Client  `toml:"Client"`
	Logging Logging `toml:"Logging"`
}

// Default returns the §6 defaults: 127.0.0.1, 8080, 2 retries, a 1 second
// deadline, and a 1500 byte MTU.
func Default() *Config {
	return &Config{
		Client: Client{
			RemoteHost:      "127.0.0.1",
			RemotePort:      8080,
			Retries:         2,
			DeadlineSeconds: 1,
			MTU:             1500,
		},
		Logging: Logging{
			Level: "INFO",
		},
	}
}

// Load decodes a TOML config file, filling any field the file omits from
// Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to decode %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields a Session/Stream can't sanely operate without.
func (c *Client) Validate() error {
	if c.RemoteHost == "" {
		return fmt.Errorf("config: RemoteHost must not be empty")
	}
	if c.RemotePort <= 0 || c.RemotePort > 65535 {
		return fmt.Errorf("config: RemotePort %d out of range", c.RemotePort)
	}
	if c.Retries < 1 {
		return fmt.Errorf("config: Retries must be >= 1")
	}
	if c.DeadlineSeconds < 1 {
		return fmt.Errorf("config: DeadlineSeconds must be >= 1")
	}
	if c.MTU < 64 {
		return fmt.Errorf("config: MTU %d too small", c.MTU)
	}
	return nil
}
