// Package local implements a filesystem blob store for run archives.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory archives are written under.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes objects beneath a directory. Writes are atomic: an object
// is written to a temporary sibling and renamed into place, so readers never
// observe a partial archive. All access goes through an os.Root, which also
// rejects symlinks pointing outside the base directory.
type BlobStore struct {
	baseDir string
	root    *os.Root
}

// New opens (creating if needed) the base directory and verifies it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	root, err := os.OpenRoot(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("open base directory: %w", err)
	}
	s := &BlobStore{baseDir: filepath.Clean(cfg.BaseDir), root: root}
	if err := s.probe(); err != nil {
		_ = root.Close()
		return nil, err
	}
	return s, nil
}

func (s *BlobStore) probe() error {
	name := ".writable-" + uuid.NewString()
	if err := s.root.WriteFile(name, nil, 0o600); err != nil {
		return fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := s.root.Remove(name); err != nil {
		return fmt.Errorf("remove probe file: %w", err)
	}
	return nil
}

// PutObject atomically writes data to path relative to the base directory and
// returns a file:// URI. The content type is not recorded.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	rel := filepath.Clean(filepath.FromSlash(path))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path traversal detected: %q", path)
	}
	if dir := filepath.Dir(rel); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create parent directories: %w", err)
		}
	}

	tmp := rel + ".tmp-" + uuid.NewString()
	if err := s.writeTemp(tmp, data); err != nil {
		return "", err
	}
	if err := s.root.Rename(tmp, rel); err != nil {
		_ = s.root.Remove(tmp)
		return "", fmt.Errorf("publish object: %w", err)
	}
	return "file://" + filepath.Join(s.baseDir, rel), nil
}

func (s *BlobStore) writeTemp(name string, data []byte) error {
	f, err := s.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create object: %w", err)
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.root.Remove(name)
		return fmt.Errorf("write object: %w", err)
	}
	return nil
}

// Close releases the base directory handle.
func (s *BlobStore) Close() error {
	return s.root.Close()
}
