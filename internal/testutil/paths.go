// Package testutil holds helpers shared by unit and integration tests.
package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// FindProjectRoot returns the nearest directory above the caller's source
// file that contains go.mod.
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", errors.New("failed to get caller information")
	}

	for dir := filepath.Dir(filename); ; {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
