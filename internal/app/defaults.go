package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables that override the default locations.
const (
	EnvConfigPath = "DV_CONFIG_PATH" // config file (default: ~/.config/dv.toml)
	EnvHome       = "DV_HOME"        // data directory (default: ~/.local/share/dv)
	EnvPassphrase = "DV_PASSPHRASE"  // archive passphrase, skips the prompt
)

// Defaults are the locations dv uses when the config does not say.
type Defaults struct {
	ConfigPath string
	BaseDir    string
}

// LogDir is where logs go by default.
func (d Defaults) LogDir() string {
	return filepath.Join(d.BaseDir, "log")
}

// GetDefaults returns the default locations, environment variables first.
func GetDefaults() (Defaults, error) {
	configPath, err := envOrHome(EnvConfigPath, ".config", "dv.toml")
	if err != nil {
		return Defaults{}, err
	}
	baseDir, err := envOrHome(EnvHome, ".local", "share", "dv")
	if err != nil {
		return Defaults{}, err
	}
	return Defaults{ConfigPath: configPath, BaseDir: baseDir}, nil
}

// envOrHome returns $env if set, else the path elems joined under the home
// directory.
func envOrHome(env string, elems ...string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, elems...)...), nil
}
