// Package config loads the daemon configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/rfidgeek/internal/rfid"
)

const (
	DefaultListen = ":8080"
	DefaultDBPath = "rfidgeek.db"

	maxFileSize = 1 * 1024 * 1024 // 1MB
)

// Config is the root of the configuration file. The reader options sit at
// the top level next to the daemon's own settings, e.g.
//
//	{"listen": ":8080", "portname": "/dev/ttyUSB1", "tagtype": "vicinity"}
type Config struct {
	Listen string `json:"listen"`
	DBPath string `json:"db_path"`
	rfid.Config
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: DefaultListen,
		DBPath: DefaultDBPath,
		Config: rfid.DefaultConfig(),
	}
}

// Load reads a Config from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func Load(path string) (*Config, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	return c.Config.Validate()
}
