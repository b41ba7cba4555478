package lua

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Store keeps pattern scripts as .lua files in one directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created on first
// write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// sanitizeFilename checks for directory traversal and ensures a valid .lua extension.
func sanitizeFilename(name string) (string, error) {
	if !strings.HasSuffix(name, ".lua") {
		return "", errors.New("filename must end with .lua")
	}
	cleanName := filepath.Base(name)
	if cleanName != name || cleanName == ".lua" || strings.Contains(cleanName, "..") {
		return "", fmt.Errorf("invalid pattern name %q", name)
	}
	return cleanName, nil
}

// Path returns the path of a pattern file inside the store.
func (s *Store) Path(name string) (string, error) {
	cleanName, err := sanitizeFilename(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, cleanName), nil
}

// Code returns the source of a pattern.
func (s *Store) Code(name string) (string, error) {
	path, err := s.Path(name)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// Save writes the source of a pattern.
func (s *Store) Save(name, code string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		log.Printf("[Lua] Creating patterns directory: %s", s.dir)
		if err := os.MkdirAll(s.dir, 0755); err != nil {
			return fmt.Errorf("failed to create patterns directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(code), 0644)
}

// Delete removes a pattern.
func (s *Store) Delete(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// List returns the names of all patterns. A missing directory holds no
// patterns.
func (s *Store) List() ([]string, error) {
	patterns := []string{}
	files, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return patterns, nil
		}
		return nil, err
	}
	for _, file := range files {
		if !file.IsDir() && filepath.Ext(file.Name()) == ".lua" {
			patterns = append(patterns, file.Name())
		}
	}
	return patterns, nil
}
