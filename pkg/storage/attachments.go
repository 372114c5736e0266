package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileKey addresses an attachment by its owning context rather than a raw path.
type FileKey struct {
	ContextID string
	Component string
	FileArea  string
	ItemID    string
	Filepath  string
	Filename  string
}

// Hash returns the stable content-address for the key. The same key always
// maps to the same hash, so re-saving an attachment overwrites it in place.
func (k FileKey) Hash() string {
	joined := strings.Join([]string{k.ContextID, k.Component, k.FileArea, k.ItemID, k.Filepath, k.Filename}, "/")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// AttachmentStore persists attachment blobs on disk, addressed by FileKey hash.
type AttachmentStore struct {
	baseDir string
}

// NewAttachmentStore ensures the base directory exists and returns a handle.
func NewAttachmentStore(baseDir string) (*AttachmentStore, error) {
	if baseDir == "" {
		baseDir = "./attachments"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments directory: %w", err)
	}
	return &AttachmentStore{baseDir: baseDir}, nil
}

// Save writes the blob for the given key and returns its hash.
func (s *AttachmentStore) Save(key FileKey, data []byte) (string, error) {
	hash := key.Hash()
	path := s.resolve(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare attachment directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return hash, nil
}

// Open returns a read-only handle for the stored blob by hash.
func (s *AttachmentStore) Open(hash string) (*os.File, error) {
	file, err := os.Open(s.resolve(hash))
	if err != nil {
		return nil, fmt.Errorf("open attachment %s: %w", hash, err)
	}
	return file, nil
}

// Delete removes a stored blob if present.
func (s *AttachmentStore) Delete(hash string) error {
	if err := os.Remove(s.resolve(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete attachment %s: %w", hash, err)
	}
	return nil
}

// Exists reports whether a blob is stored for the hash.
func (s *AttachmentStore) Exists(hash string) bool {
	_, err := os.Stat(s.resolve(hash))
	return err == nil
}

// Fan out into two-level subdirectories to keep directory listings small.
func (s *AttachmentStore) resolve(hash string) string {
	if len(hash) < 4 {
		return filepath.Join(s.baseDir, hash)
	}
	return filepath.Join(s.baseDir, hash[0:2], hash[2:4], hash)
}
