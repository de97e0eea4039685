package main

import (
	"fmt"

	"github.com/jfoltran/replicore/internal/config"
)

// loadConfig assembles the recognized-keys map from the TOML file (if any)
// then environment overrides, and parses it into a validated Config.
func loadConfig() (config.Config, error) {
	kv, err := config.LoadFile(flagConfigFile)
	if err != nil {
		return config.Config{}, err
	}
	config.ApplyEnv(kv)

	cfg, err := config.Load(kv)
	if err != nil {
		return config.Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// apiAddr formats the local status API's base URL for a daemon.Client.
func apiAddr(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}
