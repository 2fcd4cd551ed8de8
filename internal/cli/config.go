package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log/level"
	"github.com/tailscale/hujson"
	"github.com/tingold/goslide"
)

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigInvalid      = errors.New("invalid config")
)

// Config holds all configuration options.
type Config struct {
	Library         string `json:"library,omitempty"`
	CacheBytes      uint64 `json:"cache_bytes"`
	Listen          string `json:"listen"`
	MetricsListen   string `json:"metrics_listen,omitempty"`
	MaxOutputPixels int64  `json:"max_output_pixels"`
	LogLevel        string `json:"log_level"`
	TileSize        int    `json:"tile_size"`
	Workers         int    `json:"workers"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CacheBytes:      256 << 20,
		Listen:          ":8080",
		MaxOutputPixels: goslide.DefaultMaxOutputPixels,
		LogLevel:        "info",
		TileSize:        256,
		Workers:         4,
	}
}

// globalConfigPath returns $XDG_CONFIG_HOME/goslide/config.json, falling back
// to ~/.config. Returns "" if neither can be determined.
func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "goslide", "config.json")
	}
	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "goslide", "config.json")
	}
	return ""
}

// LoadConfig applies, lowest precedence first: defaults, the global config
// file if it exists, then the explicit config file, which must exist.
// Flags are applied by the caller.
func LoadConfig(configPath string, env map[string]string) (Config, error) {
	cfg := DefaultConfig()

	if path := globalConfigPath(env); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	}

	if configPath != "" {
		err := loadConfigFile(configPath, &cfg)
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
		if err != nil {
			return Config{}, err
		}
	}

	return cfg, validateConfig(cfg)
}

// loadConfigFile overlays the fields present in path onto cfg.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("%w %s: invalid JSONC: %w", errConfigInvalid, path, err)
	}
	if err := json.Unmarshal(standardized, cfg); err != nil {
		return fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}
	return nil
}

func validateConfig(cfg Config) error {
	if cfg.TileSize <= 0 {
		return fmt.Errorf("%w: tile_size must be positive", errConfigInvalid)
	}
	if cfg.MaxOutputPixels <= 0 {
		return fmt.Errorf("%w: max_output_pixels must be positive", errConfigInvalid)
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", errConfigInvalid)
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

func parseLevel(name string) (level.Option, error) {
	switch name {
	case "debug":
		return level.AllowDebug(), nil
	case "info", "":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	default:
		return nil, fmt.Errorf("%w: unknown log_level %q", errConfigInvalid, name)
	}
}
