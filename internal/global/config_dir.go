package global

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigDir returns ~/.config/changedesk.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("CHANGEDESK_CONFIG_DIR")); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "changedesk"), nil
}

// DefaultDBPath is the sqlite file used when no DSN is configured.
func DefaultDBPath(configDir string) string {
	return filepath.Join(configDir, "changedesk.db")
}
