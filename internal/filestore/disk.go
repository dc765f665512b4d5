package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DiskStore keeps blobs on the local filesystem, sharded by the first two
// characters of the hash so a single directory never grows unbounded.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}

	return &DiskStore{root: root}, nil
}

func (s *DiskStore) blobPath(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, hash)
	}

	return filepath.Join(s.root, hash[:2], hash)
}

func (s *DiskStore) Save(r io.Reader, hash string) error {
	path := s.blobPath(hash)

	if _, err := os.Stat(path); err == nil {
		// Content-addressed, so an existing blob is already the right bytes.
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create shard directory %s: %w", dir, err)
	}

	// Write to a temp file in the same directory and rename into place,
	// so a partial write is never visible under the final path.
	tmp, err := os.CreateTemp(dir, "blob-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move blob into place: %w", err)
	}

	return nil
}

func (s *DiskStore) Open(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoFile
		}

		return nil, fmt.Errorf("failed to open blob %s: %w", hash, err)
	}

	return f, nil
}
