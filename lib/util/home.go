package util

import (
	"os"
	"path/filepath"
)

// UserHome returns the current user's home directory, falling back to
// $HOME and then the working directory when the platform lookup fails.
func UserHome() string {
	homeDir, err := os.UserHomeDir()
	if err == nil {
		return homeDir
	}
	if home := os.Getenv("HOME"); home != "" {
		log.WithError(err).Warn("os.UserHomeDir failed, falling back to $HOME")
		return home
	}
	if wd, wdErr := os.Getwd(); wdErr == nil {
		log.WithError(err).Warn("no home directory, falling back to working directory")
		return wd
	}
	return "."
}

// EnsureDir creates dir with owner-only permissions if it does not exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(filepath.Clean(dir), 0o700)
}
