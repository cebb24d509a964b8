package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"adoconnect/pkg/logging"
)

// Codec transforms credential payloads on their way to and from disk.
type Codec interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// plainCodec stores payloads unchanged; file permissions are the only
// protection.
type plainCodec struct{}

func (plainCodec) Seal(b []byte) ([]byte, error) { return b, nil }
func (plainCodec) Open(b []byte) ([]byte, error) { return b, nil }

// FileStore persists each credential in its own file under a private
// directory.
//
// SECURITY: This store handles personal access tokens and OAuth tokens.
//   - Files are created with 0600 permissions (owner read/write only)
//   - The storage directory is created with 0700 permissions
//   - File names are hashes of the key
//   - Credential values are NEVER logged
//   - An optional Codec (see NewAgeCodec) encrypts payloads at rest
type FileStore struct {
	dir   string
	codec Codec
	locks *keyLocker
}

type storedCredential struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithCodec encrypts stored payloads with codec.
func WithCodec(codec Codec) FileStoreOption {
	return func(s *FileStore) {
		s.codec = codec
	}
}

// NewFileStore creates the storage directory if needed and returns a store
// rooted at dir.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("credential storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential storage directory: %w", err)
	}

	s := &FileStore{
		dir:   dir,
		codec: plainCodec{},
		locks: newKeyLocker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, keyHash(key)+".cred")
}

// Get implements Store. Reads take no lock: writes replace files by rename,
// so a reader always sees a complete old or new file.
func (s *FileStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	// #nosec G304 -- path is derived from a hash of the key
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}

	plain, err := s.codec.Open(data)
	if err != nil {
		return "", fmt.Errorf("failed to decode credential: %w", err)
	}

	var stored storedCredential
	if err := json.Unmarshal(plain, &stored); err != nil {
		return "", fmt.Errorf("failed to parse credential: %w", err)
	}
	if stored.Key != key {
		// Hash collision or a file copied from elsewhere.
		return "", ErrNotFound
	}
	return stored.Value, nil
}

// Set implements Store.
func (s *FileStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	plain, err := json.Marshal(storedCredential{Key: key, Value: value, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	data, err := s.codec.Seal(plain)
	if err != nil {
		return fmt.Errorf("failed to seal credential: %w", err)
	}

	if err := s.writeAtomic(s.path(key), data); err != nil {
		logging.Audit("credential_write_failed",
			slog.String("key_hash", keyHash(key)),
			slog.String("error", err.Error()),
		)
		return err
	}

	logging.Audit("credential_written",
		slog.String("key_hash", keyHash(key)),
		slog.Int("length", len(value)),
	)
	return nil
}

// Delete implements Store. Deleting a missing key is not an error.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	logging.Audit("credential_deleted", slog.String("key_hash", keyHash(key)))
	return nil
}

func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".cred-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}
