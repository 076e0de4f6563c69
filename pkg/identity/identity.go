// Package identity manages the tubeshell config directory and the device ID
// stored in it. Each machine is assigned a KSUID on first use, kept in
// <dir>/device-id.txt, and used as the account of a service that was not
// given one.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmentio/ksuid"
)

const (
	// configDir is the directory under the user's home where tubeshell
	// config is stored.
	configDir = ".tubeshell"
	// deviceIDFile is the filename containing the device KSUID.
	deviceIDFile = "device-id.txt"
	// HomeEnv overrides the config directory.
	HomeEnv = "TUBESHELL_HOME"
)

// Dir returns the config directory: $TUBESHELL_HOME, or ~/.tubeshell.
func Dir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, configDir), nil
}

// EnsureDeviceID reads the device ID from dir. If there is none yet, it
// generates a new KSUID, writes it (creating dir if needed) and returns it.
func EnsureDeviceID(dir string) (string, error) {
	path := filepath.Join(dir, deviceIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := strings.ToLower(ksuid.New().String())

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to write device ID: %w", err)
	}

	return id, nil
}

// GetDeviceID reads the device ID from dir. Returns an error if it has not
// been generated yet.
func GetDeviceID(dir string) (string, error) {
	path := filepath.Join(dir, deviceIDFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("device ID not found at %s: %w (run tubeshell service once to generate it)", path, err)
	}

	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", fmt.Errorf("device ID file is empty at %s", path)
	}

	return id, nil
}
