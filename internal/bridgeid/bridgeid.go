// Package bridgeid provides the persistent identity of a bridge installation
package bridgeid

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	homedir "github.com/mitchellh/go-homedir"
)

const (
	// ConfigDir is the directory for rayz state
	ConfigDir = ".rayz"
	// FileName is the filename for the bridge ID
	FileName = "bridge_id"
)

// GetOrCreate returns the bridge ID persisted in ~/.rayz/bridge_id, creating
// it on first use
func GetOrCreate() (string, error) {
	dir, err := defaultDir()
	if err != nil {
		return "", err
	}
	return GetOrCreateIn(dir)
}

// GetOrCreateIn is GetOrCreate rooted at dir
func GetOrCreateIn(dir string) (string, error) {
	path := filepath.Join(dir, FileName)

	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			if _, perr := uuid.Parse(id); perr == nil {
				return id, nil
			}
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read bridge id: %w", err)
	}

	id := uuid.New().String()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to write bridge id: %w", err)
	}
	return id, nil
}

// Short returns the first eight characters of id, for log fields
func Short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func defaultDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir), nil
}
