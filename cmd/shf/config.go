package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigInvalid      = errors.New("invalid config")
	errDirEmpty           = errors.New("dir cannot be empty")
)

// Config holds the CLI settings that can come from a config file.
type Config struct {
	Dir          string `json:"dir"`
	GrowthSlack  int    `json:"growth_slack,omitempty"`   //nolint:tagliatelle // snake_case for config file
	MaxLockSpins int    `json:"max_lock_spins,omitempty"` //nolint:tagliatelle // snake_case for config file
	Verbosity    string `json:"verbosity,omitempty"`
	History      string `json:"history,omitempty"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global   string // path of the global config if loaded
	Explicit string // path of the --config file if given
}

// DefaultConfig returns the configuration used when no file sets a value.
func DefaultConfig() Config {
	return Config{
		Dir:       "/dev/shm",
		Verbosity: "warn",
	}
}

// globalConfigPath returns $XDG_CONFIG_HOME/shf/config.json, falling back to
// ~/.config/shf/config.json. Empty when neither can be determined.
func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "shf", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "shf", "config.json")
	}

	return ""
}

// LoadConfig resolves the configuration, highest precedence last:
//  1. Defaults
//  2. Global config file (optional)
//  3. Explicit config file via configPath (must exist when given)
//  4. Flags, applied by the caller afterwards.
func LoadConfig(configPath string, env map[string]string) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	var sources ConfigSources

	if path := globalConfigPath(env); path != "" {
		global, loaded, err := loadConfigFile(path, false)
		if err != nil {
			return Config{}, ConfigSources{}, err
		}

		if loaded {
			sources.Global = path
			cfg = mergeConfig(cfg, global)
		}
	}

	if configPath != "" {
		explicit, _, err := loadConfigFile(configPath, true)
		if err != nil {
			return Config{}, ConfigSources{}, err
		}

		sources.Explicit = configPath
		cfg = mergeConfig(cfg, explicit)
	}

	return cfg, sources, nil
}

// loadConfigFile reads one JSONC config file. A missing optional file is
// reported as not loaded.
func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if mustExist {
				return Config{}, false, fmt.Errorf("%w: %s", errConfigFileNotFound, path)
			}

			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	// An explicit "dir": "" is a mistake, not a request for the default.
	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	if v, ok := raw["dir"].(string); ok && v == "" {
		return Config{}, errDirEmpty
	}

	if cfg.Verbosity != "" {
		_, err = parseLevel(cfg.Verbosity)
		if err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Dir != "" {
		base.Dir = overlay.Dir
	}

	if overlay.GrowthSlack != 0 {
		base.GrowthSlack = overlay.GrowthSlack
	}

	if overlay.MaxLockSpins != 0 {
		base.MaxLockSpins = overlay.MaxLockSpins
	}

	if overlay.Verbosity != "" {
		base.Verbosity = overlay.Verbosity
	}

	if overlay.History != "" {
		base.History = overlay.History
	}

	return base
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level

	err := level.UnmarshalText([]byte(s))
	if err != nil {
		return 0, fmt.Errorf("verbosity %q: %w", s, err)
	}

	return level, nil
}

// FormatConfig returns the config as indented JSON.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format config: %w", err)
	}

	return string(data), nil
}
