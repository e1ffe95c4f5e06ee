package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - LIBRARIAN_CONFIG_PATH: config file location (default: ~/.config/librarian.toml)
//   - LIBRARIAN_HOME: base directory for librarian data (default: ~/.local/share/librarian)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		// The peer list lives next to the config so its credentials can
		// carry tighter file permissions.
		"peers_path": filepath.Join(filepath.Dir(configPath), "librarian_peers.toml"),
		"base_dir":   baseDir,
		"log_dir":    filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking LIBRARIAN_CONFIG_PATH
// first, then falling back to the default ~/.config/librarian.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("LIBRARIAN_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "librarian.toml"), nil
}

// getBaseDir returns the base directory for librarian data, checking
// LIBRARIAN_HOME first, then falling back to the XDG default
// ~/.local/share/librarian.
func getBaseDir() (string, error) {
	if path := os.Getenv("LIBRARIAN_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "librarian"), nil
}
