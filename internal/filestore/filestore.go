package filestore

import (
	"errors"
	"io"
)

// ErrNoFile is returned by Open when no blob with the requested hash exists.
var ErrNoFile = errors.New("file not found")

// FileStore stores uploaded blobs addressed by their content hash.
type FileStore interface {
	// Save stores the blob under hash. Saving the same hash twice is a no-op,
	// so concurrent uploads of identical content are safe.
	Save(r io.Reader, hash string) error

	// Open returns a reader for the blob with the given hash.
	// Returns ErrNoFile if it does not exist.
	Open(hash string) (io.ReadCloser, error)
}
