// Package fsstore implements storage.Adapter directly against the host
// filesystem, the way spec §6 describes the filesystem adapter: write to
// a temp file in the same directory, then rename over the destination,
// so a reader never observes a partially written file.
package fsstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kochedykov/MicroOcpp/internal/storage"
)

// FS is a storage.Adapter rooted at a base directory on disk.
type FS struct {
	root string
}

// New returns an FS rooted at root, creating it if necessary.
func New(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: mkdir %s: %w", root, err)
	}
	return &FS{root: root}, nil
}

func (f *FS) abs(path string) string {
	return filepath.Join(f.root, filepath.FromSlash(path))
}

func (f *FS) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(f.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotExist
		}
		return nil, fmt.Errorf("fsstore: read %s: %w", path, err)
	}
	return data, nil
}

// WriteFile writes data to a sibling temp file and renames it over path,
// the atomic-replace contract spec §4.2/§7 requires for boundary commits.
func (f *FS) WriteFile(path string, data []byte) error {
	dst := f.abs(path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("fsstore: mkdir for %s: %w", path, err)
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("fsstore: write temp for %s: %w", path, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fsstore: rename into %s: %w", path, err)
	}
	return nil
}

func (f *FS) RemoveFile(path string) error {
	if err := os.Remove(f.abs(path)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("fsstore: remove %s: %w", path, err)
	}
	return nil
}

func (f *FS) List(prefix string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(f.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasSuffix(rel, ".tmp") {
			return nil
		}
		if strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fsstore: list %s: %w", prefix, err)
	}
	return out, nil
}
