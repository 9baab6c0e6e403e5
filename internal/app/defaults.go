package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - HSBACKUP_CONFIG: config file location (default: ~/.config/hsbackup/config.json)
//   - HSBACKUP_HOME: base directory for hsbackup data (default: ~/.local/share/hsbackup)
func GetDefaults() (map[string]string, error) {
	configPath, err := fromEnvOrHome("HSBACKUP_CONFIG", ".config", "hsbackup", "config.json")
	if err != nil {
		return nil, err
	}
	baseDir, err := fromEnvOrHome("HSBACKUP_HOME", ".local", "share", "hsbackup")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// fromEnvOrHome returns the value of env if set, otherwise elem joined
// below the user's home directory.
func fromEnvOrHome(env string, elem ...string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, elem...)...), nil
}
