package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const ROOT_MARKER = "config.yaml"

var ErrRootNotFound = errors.New("project root not found")

// GetRootPath walks up from the working directory looking for marker.
func GetRootPath(marker string) (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	for _, path := range []string{"/app", "./", "../"} {
		if _, err := os.Stat(filepath.Join(path, marker)); err == nil {
			return filepath.Abs(path)
		}
	}

	return "", fmt.Errorf("%w: %s not found while traversing up the directory tree", ErrRootNotFound, marker)
}

// ResolvePath makes a relative path absolute against the project root,
// falling back to the working directory when no root is found.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("path cannot be empty")
	}

	path = filepath.Clean(path)
	if filepath.IsAbs(path) {
		return path, nil
	}

	root, err := GetRootPath(ROOT_MARKER)
	if err != nil {
		if root, err = os.Getwd(); err != nil {
			return "", err
		}
	}
	return filepath.Join(root, path), nil
}

// MkdirIfNotExists creates the parent directory of a file path, or the
// directory itself when path has no extension.
func MkdirIfNotExists(path string) error {
	path, err := ResolvePath(path)
	if err != nil {
		return err
	}

	if filepath.Ext(path) != "" {
		path = filepath.Dir(path)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0755)
	}
	return nil
}
