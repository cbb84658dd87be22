package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Discover finds the config file by checking standard locations.
// Priority order: $RELAYER_CONFIG, ~/.relayer/config.yaml, ./config.yaml.
// The --config flag, when given, bypasses discovery entirely.
func Discover() (string, error) {
	if p := os.Getenv("RELAYER_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".relayer", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $RELAYER_CONFIG, ~/.relayer/config.yaml, ./config.yaml)")
}
