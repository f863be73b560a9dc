package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Get when nothing was written at an address.
var ErrNotFound = errors.New("not found")

// Store is an addressable blob store for intermediate partitions and reduce
// outputs. Put replaces the whole blob atomically.
type Store interface {
	Put(addr string, data []byte) error
	Get(addr string) ([]byte, error)
	Remove(addr string) error
}

// FileStore keeps every address as a file under Dir. Workers and the master
// must share the directory.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) path(addr string) (string, error) {
	if addr == "" || strings.ContainsAny(addr, `/\`) || addr == "." || addr == ".." {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return filepath.Join(s.Dir, addr), nil
}

// Put writes to a temporary file and renames it into place so readers never
// see a partially written blob.
func (s *FileStore) Put(addr string, data []byte) error {
	p, err := s.path(addr)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.Dir, "."+addr+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", addr, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", addr, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", addr, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename %s: %w", addr, err)
	}
	return nil
}

func (s *FileStore) Get(addr string) ([]byte, error) {
	p, err := s.path(addr)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", addr, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", addr, err)
	}
	return data, nil
}

// Remove deletes addr. Removing a missing address is not an error.
func (s *FileStore) Remove(addr string) error {
	p, err := s.path(addr)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", addr, err)
	}
	return nil
}
