package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Load reads an optional .env file from the working directory and then parses
// the process environment into a Config. A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a Config from the current environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return &cfg, nil
}

// Default returns a Config populated with every envDefault value.
func Default() *Config {
	var cfg Config
	// Parsing with an empty environment only applies defaults and cannot fail
	// on user input.
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	cfg.Sanitize()
	return &cfg
}

// Sanitize normalises values loaded from the environment.
func (c *Config) Sanitize() {
	c.PubSubSystem = strings.ToLower(strings.TrimSpace(c.PubSubSystem))
	c.Output.Mode = strings.ToLower(strings.TrimSpace(c.Output.Mode))
	c.DefaultStrategies = normaliseNames(c.DefaultStrategies)
	c.DisabledStrategies = normaliseNames(c.DisabledStrategies)
	c.KafkaBrokers = trimAll(c.KafkaBrokers)
	c.StatusCORSAllowedOrigins = trimAll(c.StatusCORSAllowedOrigins)
}

func normaliseNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
