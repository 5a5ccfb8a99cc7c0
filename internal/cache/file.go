package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/disputekit/tiergate/internal/entitlements"
)

const (
	cachePrivateDirPerm  = 0o700
	cachePrivateFilePerm = 0o600
	maxCacheFileSize     = 256 << 10 // 256 KiB
)

var errUnsafeCachePath = errors.New("unsafe cache path")

// FileStore keeps one owner-only JSON file per logical key under a
// per-scope directory.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates a file-backed store rooted at baseDir. The scope is
// hashed so identities never appear in paths.
func NewFileStore(baseDir, scope string) (*FileStore, error) {
	baseDir = strings.TrimSpace(baseDir)
	if baseDir == "" {
		return nil, errors.New("cache directory cannot be empty")
	}
	sum := sha256.Sum256([]byte(normalizeScope(scope)))
	dir := filepath.Join(baseDir, "scopes", hex.EncodeToString(sum[:8]))
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the scope directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Read(_ context.Context) (*entitlements.Snapshot, error) {
	data, err := s.readKey(KeySnapshot)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data), nil
}

func (s *FileStore) Write(_ context.Context, snapshot *entitlements.Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return s.writeKey(KeySnapshot, data)
}

func (s *FileStore) ReadPendingPayment(_ context.Context) (*entitlements.PendingPayment, error) {
	data, err := s.readKey(KeyPendingPayment)
	if err != nil {
		return nil, err
	}
	return decodePending(data), nil
}

func (s *FileStore) WritePendingPayment(_ context.Context, pending *entitlements.PendingPayment) error {
	data, err := encodePending(pending)
	if err != nil {
		return err
	}
	return s.writeKey(KeyPendingPayment, data)
}

func (s *FileStore) ClearPendingPayment(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(KeyPendingPayment)); err != nil && !isMissingPathError(err) {
		return fmt.Errorf("remove pending payment: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// readKey returns nil data for a missing file. Unsafe paths (symlinks,
// directories, oversized files) are errors, not cache misses.
func (s *FileStore) readKey(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.path(key)
	info, err := os.Lstat(path)
	if err != nil {
		if isMissingPathError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	if err := validateRegularFile(path, info); err != nil {
		return nil, err
	}
	if info.Size() > maxCacheFileSize {
		return nil, fmt.Errorf("%w: %q exceeds size limit (%d bytes)", errUnsafeCachePath, path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if isMissingPathError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) writeKey(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeOwnerOnlyFileAtomic(s.path(key), data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, cachePrivateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, cachePrivateDirPerm)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafeCachePath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafeCachePath, path)
	}
	return nil
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	if err := ensureOwnerOnlyDir(filepath.Dir(path)); err != nil {
		return err
	}

	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(cachePrivateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
