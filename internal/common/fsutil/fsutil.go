package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/models/llm
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// FileSizeMB returns the size of the file at path in whole megabytes,
// rounded down but never below 1. Missing or unreadable files report 1.
func FileSizeMB(path string) int {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return 1
	}
	if mb := int(fi.Size() >> 20); mb > 0 {
		return mb
	}
	return 1
}
