package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"xzbridge/pkg/logging"
)

const (
	// ConfigFileName is the name of the configuration file inside the config
	// directory.
	ConfigFileName = "xiaozhi.config.json"

	// ConfigDirEnv overrides the config/cache/log directory.
	ConfigDirEnv = "XIAOZHI_CONFIG_DIR"
)

// GetConfigDir returns the directory holding the config, cache and log
// files: $XIAOZHI_CONFIG_DIR when set, otherwise the current working
// directory.
func GetConfigDir() string {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// LoadConfig loads the configuration file from the given directory. A
// missing file yields the default configuration; a malformed file is an
// error.
func LoadConfig(dir string) (Config, error) {
	path := filepath.Join(dir, ConfigFileName)
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("Config", "no %s found at %s, using defaults", ConfigFileName, dir)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("error reading config from %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("error parsing config from %s: %w", path, err)
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = make(map[string]ServerConfig)
	}
	if cfg.MCPServerConfig == nil {
		cfg.MCPServerConfig = make(map[string]ServerToolsConfig)
	}

	logging.Info("Config", "loaded configuration from %s", path)
	return cfg, nil
}
