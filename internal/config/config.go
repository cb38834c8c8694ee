// internal/config/config.go
package config

import (
	"encoding/json"
	"os"
	"time"
)

type Config struct {
	Storage struct {
		Path string `json:"path"`
	} `json:"storage"`

	Replication struct {
		// FanOut bounds the number of peers synced concurrently.
		FanOut int `json:"fan_out"`
		// FetchRetries is the number of attempts per object fetch.
		FetchRetries int `json:"fetch_retries"`
		// RetryBackoffMS is the base backoff between fetch attempts.
		RetryBackoffMS int `json:"retry_backoff_ms"`
		// PendingHorizon is how long an operation may wait for missing
		// parents before it is dropped.
		PendingHorizon string `json:"pending_horizon"`
	} `json:"replication"`

	Environment string `json:"environment"` // dev, prod
	LogLevel    string `json:"log_level"`   // debug, info, warn, error
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return nil, err
	}

	return config.withDefaults(), nil
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	c := &Config{}
	c.LogLevel = "info"
	c.Environment = "dev"
	return c.withDefaults()
}

func (c *Config) withDefaults() *Config {
	if c.Replication.FanOut == 0 {
		c.Replication.FanOut = 4
	}
	if c.Replication.FetchRetries == 0 {
		c.Replication.FetchRetries = 3
	}
	if c.Replication.RetryBackoffMS == 0 {
		c.Replication.RetryBackoffMS = 100
	}
	if c.Replication.PendingHorizon == "" {
		c.Replication.PendingHorizon = "24h"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}

// PendingHorizonDuration parses the configured pending horizon.
func (c *Config) PendingHorizonDuration() (time.Duration, error) {
	return time.ParseDuration(c.Replication.PendingHorizon)
}
