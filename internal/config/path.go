package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appDir = "xs"

// DefaultDataDir returns the per-user data directory for the host OS:
// $XDG_DATA_HOME/xs, ~/Library/Application Support/xs on macOS,
// %LOCALAPPDATA%\xs on Windows, ~/.local/share/xs elsewhere. Without a
// home directory it falls back to ./data.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir)
	}
	if runtime.GOOS == "windows" {
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appDir)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appDir)
	case "windows":
		return filepath.Join(home, "AppData", "Local", appDir)
	}
	return filepath.Join(home, ".local", "share", appDir)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
