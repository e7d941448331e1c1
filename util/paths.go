package util

import (
	"os"
	"path/filepath"
)

// DataDirEnv overrides the data directory (tests point it at a temp dir)
const DataDirEnv = "BTLE_TRANSFER_DIR"

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".btle-transfer")
	}
	return filepath.Join(home, ".btle-transfer")
}

// EnsureDataDir creates the data directory if needed and returns it
func EnsureDataDir() (string, error) {
	dir := GetDataDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// DataPath joins name onto the data directory
func DataPath(name string) string {
	return filepath.Join(GetDataDir(), name)
}
