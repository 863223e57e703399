package netmode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists the chosen mode for each lab as a single file named
// after the lab under the mode directory.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir, resolving ~ and creating the
// directory with restricted permissions if it does not exist.
func NewStore(dir string) (*Store, error) {
	resolved, err := resolvePath(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving mode dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(resolved, 0700); err != nil {
		return nil, fmt.Errorf("creating mode dir %s: %w", resolved, err)
	}
	return &Store{dir: resolved}, nil
}

// Dir returns the resolved mode directory.
func (s *Store) Dir() string { return s.dir }

// Put records the mode for a lab. The write is atomic so a crash never
// leaves a half-written mode file behind.
func (s *Store) Put(name string, mode Mode) error {
	path := s.path(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(mode.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("writing mode file for %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing mode file for %s: %w", name, err)
	}
	return nil
}

// Delete removes the mode file for a lab. A missing file is not an error.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing mode file for %s: %w", name, err)
	}
	return nil
}

// DeleteAll removes every recorded mode. A missing directory is not an error.
func (s *Store) DeleteAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading mode dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			return fmt.Errorf("removing mode file %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Resolve determines the effective mode for a lab. Precedence: mode file
// if present and parseable, then the legacy container label, then
// ModeNone. Resolution never fails; unreadable state degrades toward
// isolation.
func (s *Store) Resolve(name, legacyLabel string) Mode {
	data, err := os.ReadFile(s.path(name))
	if err == nil {
		if mode, perr := Parse(string(data)); perr == nil {
			return mode
		}
	}
	return FromLegacyLabel(legacyLabel)
}

// path returns the mode file path for a lab, with separators neutralized
// so a hostile name cannot escape the mode directory.
func (s *Store) path(name string) string {
	return filepath.Join(s.dir, sanitizeName(name))
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
