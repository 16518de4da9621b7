// Package msgstore stores message payloads on disk, one file per order
// keyed by the order UUID.
package msgstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Store is a directory-backed payload store.
type Store struct {
	dir string
}

// New opens (creating if needed) a payload store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create message store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(uuid string) string {
	return filepath.Join(s.dir, uuid)
}

// Save writes the payload read from r under uuid and returns the number of
// bytes written plus the hex SHA-256 digest of the payload.
func (s *Store) Save(uuid string, r io.Reader) (int64, string, error) {
	f, err := os.OpenFile(s.path(uuid), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, "", fmt.Errorf("create message file: %w", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(s.path(uuid))
		return 0, "", fmt.Errorf("write message file: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// Open returns a reader over the stored payload for uuid. The caller closes
// the returned file.
func (s *Store) Open(uuid string) (*os.File, error) {
	f, err := os.Open(s.path(uuid))
	if err != nil {
		return nil, fmt.Errorf("open message file: %w", err)
	}
	return f, nil
}

// Exists reports whether a payload is stored for uuid.
func (s *Store) Exists(uuid string) bool {
	_, err := os.Stat(s.path(uuid))
	return err == nil
}

// Delete removes the stored payload for uuid. Deleting a payload that is
// already gone is not an error.
func (s *Store) Delete(uuid string) error {
	err := os.Remove(s.path(uuid))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete message file: %w", err)
	}
	return nil
}
