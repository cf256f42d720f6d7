package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// OpenContextLog opens the append-only retrieval audit log, creating parent
// directories as needed. Returns the file handle (caller must close) or error.
func OpenContextLog(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create context log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open context log: %w", err)
	}

	return f, nil
}
