package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".botgate"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix is the prefix for all environment overrides.
	EnvPrefix = "botgate"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("BOTGATE_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load builds a Config from defaults, an optional JSON config file, and
// environment variables, in that order of precedence. A .env file in the
// working directory is folded into the environment first, best-effort.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	for _, section := range []any{&cfg.Server, &cfg.Teams, &cfg.Data, &cfg.Limits} {
		if err := envconfig.Process(EnvPrefix, section); err != nil {
			return nil, fmt.Errorf("apply environment overrides: %w", err)
		}
	}
	return cfg, nil
}
