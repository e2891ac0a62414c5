package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// PassphraseEnv supplies the signing key passphrase non-interactively.
const PassphraseEnv = "DEBPUB_SIGNING_PASSPHRASE"

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - DEBPUB_CONFIG_PATH: config file location (default: ~/.config/debpub.toml)
//   - DEBPUB_HOME: base directory for debpub data (default: ~/.local/share/debpub)
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
		"config_path":    configPath,
		"base_dir":       baseDir,
		"log_dir":        filepath.Join(baseDir, "log"),
		"ftparchive_dir": filepath.Join(baseDir, "ftparchive"),
	}, nil
}

// getConfigPath returns the config file path, checking DEBPUB_CONFIG_PATH first,
// then falling back to the default ~/.config/debpub.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("DEBPUB_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "debpub.toml"), nil
}

// getBaseDir returns the base directory for debpub data, checking DEBPUB_HOME first,
// then falling back to the XDG default ~/.local/share/debpub.
func getBaseDir() (string, error) {
	if path := os.Getenv("DEBPUB_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "debpub"), nil
}
