package vega

import (
	"os"
	"path/filepath"
)

// Home returns the Vega home directory.
// It defaults to ~/.vega but can be overridden with the VEGA_HOME environment variable.
func Home() string {
	if v := os.Getenv("VEGA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vega")
}

// DefaultDBPath returns the default SQLite database path (~/.vega/vega.db).
func DefaultDBPath() string {
	return filepath.Join(Home(), "vega.db")
}

// DefaultBoltPath returns the default bolt database path (~/.vega/vega.bolt).
func DefaultBoltPath() string {
	return filepath.Join(Home(), "vega.bolt")
}

// DefaultProfilesPath returns the default capability profile file.
func DefaultProfilesPath() string {
	return filepath.Join(Home(), "profiles.yaml")
}

// EnsureHome creates the Vega home directory if it doesn't exist.
func EnsureHome() error {
	return os.MkdirAll(Home(), 0o755)
}
