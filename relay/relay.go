// Package relay holds process-wide defaults shared by the relay packages.
package relay

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName      = "convo-relay"
	DefaultDatabaseType = "libsql"
	DefaultListenAddr   = ":8080"

	// DefaultHistoryLimit is the number of most recent turns read when
	// assembling a prompt.
	DefaultHistoryLimit = 1000

	DefaultPlaceholderName = "Contacto Anonimo"
)

var (
	DefaultConfigPath  = filepath.Join(userConfigDir(), DefaultAppName)
	DefaultDatabaseDir = filepath.Join(userDataDir(), DefaultAppName)
	DefaultDatabaseDSN = "file:" + filepath.Join(DefaultDatabaseDir, "relay.db")
)

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}

func userDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}
