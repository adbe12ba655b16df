// Package archive is the gateway's content-addressed blob store. Audit
// evidence bundles and the sources of rejected or hard-deleted adapters land
// here, keyed by their SHA-256 so re-archiving the same bytes is a no-op.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agenr/agenr/pkg/faults"
)

// Store is the content-addressed storage contract. Keys are hex SHA-256 of
// the stored bytes.
type Store interface {
	// Put persists data and returns its content hash.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether the hash is stored.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes a blob. Deleting an absent hash is not an error.
	Delete(ctx context.Context, hash string) error
}

// HashBytes returns the storage key for data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validateHash(hash string) error {
	if len(hash) != 64 {
		return faults.Invalid("invalid content hash %q", hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return faults.Invalid("invalid content hash %q", hash)
	}
	return nil
}

// FileStore keeps blobs as files under a base directory.
type FileStore struct {
	baseDir string
}

func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	hash := HashBytes(data)
	path := filepath.Join(s.baseDir, hash+".blob")

	// Content addressing makes the write idempotent.
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", faults.Wrap(faults.KindTransient, err, "write blob")
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", faults.Wrap(faults.KindTransient, err, "commit blob")
	}
	return hash, nil
}

func (s *FileStore) Get(_ context.Context, hash string) ([]byte, error) {
	if err := validateHash(hash); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.baseDir, hash+".blob"))
	if os.IsNotExist(err) {
		return nil, faults.NotFound("blob %s not found", hash)
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "read blob")
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, hash string) (bool, error) {
	if err := validateHash(hash); err != nil {
		return false, err
	}

	_, err := os.Stat(filepath.Join(s.baseDir, hash+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, faults.Wrap(faults.KindTransient, err, "stat blob")
}

func (s *FileStore) Delete(_ context.Context, hash string) error {
	if err := validateHash(hash); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(s.baseDir, hash+".blob"))
	if err != nil && !os.IsNotExist(err) {
		return faults.Wrap(faults.KindTransient, err, "delete blob")
	}
	return nil
}
